package executor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// Executor kinds understood by a catalogue.
const (
	KindScripted = "scripted"
	KindRemote   = "remote"
)

// Catalogue is the on-disk description of configured executors.
type Catalogue struct {
	Executors []Definition `yaml:"executors"`
}

// Definition describes one executor.
type Definition struct {
	Name string `yaml:"name"`
	// Kind is "scripted" (default) or "remote".
	Kind string `yaml:"kind"`

	// ---- scripted fields ----

	Version     string         `yaml:"version"`
	Environment string         `yaml:"environment"`
	Metadata    map[string]any `yaml:"metadata"`
	Messages    []string       `yaml:"messages"`
	DelayMS     int            `yaml:"delay_ms"`
	Fail        any            `yaml:"fail"`

	// ---- remote fields ----

	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// LoadCatalogue reads a YAML catalogue from path.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read executor catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue parses a YAML catalogue.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse executor catalogue: %w", err)
	}
	for i, def := range c.Executors {
		if err := def.validate(); err != nil {
			return nil, fmt.Errorf("executor %d: %w", i, err)
		}
	}
	return &c, nil
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch d.Kind {
	case "", KindScripted:
		if d.Version == "" {
			return fmt.Errorf("%s: version is required", d.Name)
		}
		for _, m := range d.Messages {
			if m == "" {
				return fmt.Errorf("%s: messages must not be empty", d.Name)
			}
		}
	case KindRemote:
		if d.Endpoint == "" {
			return fmt.Errorf("%s: endpoint is required", d.Name)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// Build creates the executor described by d.
func (d Definition) Build() (Executor, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.Kind == KindRemote {
		return NewRemote(d.Endpoint, time.Duration(d.TimeoutMS)*time.Millisecond), nil
	}
	return &Scripted{
		Manifest: domain.Manifest{
			Version:     d.Version,
			Environment: d.Environment,
			Metadata:    d.Metadata,
		},
		Messages: d.Messages,
		Delay:    time.Duration(d.DelayMS) * time.Millisecond,
		Fail:     d.Fail,
	}, nil
}

// RegisterAll builds every definition into reg.
func (c *Catalogue) RegisterAll(reg *Registry) error {
	for _, def := range c.Executors {
		exec, err := def.Build()
		if err != nil {
			return err
		}
		if err := reg.Register(def.Name, exec); err != nil {
			return err
		}
	}
	return nil
}

// Package policy selects the executor that serves a run.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Input is the document the executor policy is evaluated against.
type Input struct {
	Requested   string `json:"requested"`
	ThreadAgent string `json:"thread_agent"`
	Default     string `json:"default"`
	Environment string `json:"environment"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.executor_policy.executor"),
		rego.Module("executor_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// SelectExecutor returns the executor name chosen by the policy. An
// undefined result falls back to in.Default.
func (e *Engine) SelectExecutor(ctx context.Context, in Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{
		"requested":    in.Requested,
		"thread_agent": in.ThreadAgent,
		"default":      in.Default,
		"environment":  in.Environment,
	}))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return in.Default, nil
	}

	val := results[0].Expressions[0].Value
	name, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("executor policy returned %T, want string", val)
	}
	if name == "" {
		return in.Default, nil
	}
	return name, nil
}

// DefaultPolicy prefers the requested executor, then the thread's agent
// metadata, then the configured default.
const DefaultPolicy = `
package executor_policy

default executor = "echo"

executor = input.requested {
	input.requested != ""
} else = input.thread_agent {
	input.thread_agent != ""
} else = input.default {
	input.default != ""
}
`

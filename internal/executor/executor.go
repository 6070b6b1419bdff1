// Package executor defines the capability every agent adapter implements and
// the built-in adapters.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// ErrNotFound is returned when no executor is registered under a name.
var ErrNotFound = errors.New("executor not found")

// Input is what an executor sees when a run starts.
type Input struct {
	ThreadID string
	RunID    string
	History  []domain.HistoryRecord
	Metadata map[string]any
}

// LatestUserContent returns the content of the most recent user record.
func (in Input) LatestUserContent() string {
	for i := len(in.History) - 1; i >= 0; i-- {
		if in.History[i].Role == domain.RoleUser {
			return in.History[i].Content
		}
	}
	return ""
}

// Event is one item produced by an executor. Exactly one field is set.
type Event struct {
	Manifest *domain.Manifest
	Message  *domain.Message
}

// ManifestEvent identifies the producing implementation.
func ManifestEvent(version, environment string, metadata map[string]any) Event {
	return Event{Manifest: &domain.Manifest{Version: version, Environment: environment, Metadata: metadata}}
}

// MessageEvent carries one unit of output.
func MessageEvent(role domain.Role, content string) Event {
	return Event{Message: &domain.Message{Role: role, Content: content}}
}

// Emitter hands one event to the consumer. It blocks until the event has been
// accepted and returns an error once the consumer is gone; executors must
// stop and return when it does.
type Emitter func(Event) error

// Executor produces the events of a run. Returning a non-nil error raises a
// failure that ends the run; the error is carried structurally to the
// consumer (see domain.Raise). Executors may block between emissions and must
// honor ctx.
type Executor interface {
	Execute(ctx context.Context, in Input, emit Emitter) error
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, in Input, emit Emitter) error

// Execute calls f.
func (f Func) Execute(ctx context.Context, in Input, emit Emitter) error {
	return f(ctx, in, emit)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package executor

import (
	"context"
	"strings"
	"time"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// InputPlaceholder in a scripted message is replaced with the latest user input.
const InputPlaceholder = "{input}"

// Scripted replays a fixed sequence of messages, pausing before each one to
// simulate upstream latency, and optionally raises a value at the end.
type Scripted struct {
	Manifest domain.Manifest
	Messages []string
	Delay    time.Duration
	// Fail, when non-nil, is raised after the last message.
	Fail any
}

// Execute implements Executor.
func (s *Scripted) Execute(ctx context.Context, in Input, emit Emitter) error {
	m := s.Manifest
	if err := emit(Event{Manifest: &m}); err != nil {
		return err
	}
	latest := in.LatestUserContent()
	for _, text := range s.Messages {
		if err := sleep(ctx, s.Delay); err != nil {
			return err
		}
		content := strings.ReplaceAll(text, InputPlaceholder, latest)
		if err := emit(MessageEvent(domain.RoleAssistant, content)); err != nil {
			return err
		}
	}
	if s.Fail != nil {
		return domain.Raise(s.Fail)
	}
	return nil
}

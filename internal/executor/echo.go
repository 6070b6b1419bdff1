package executor

import (
	"context"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// EchoVersion is the manifest version reported by Echo.
const EchoVersion = "echo/1"

// Echo replies with the latest user message.
type Echo struct {
	Environment string
}

// Execute implements Executor.
func (e *Echo) Execute(ctx context.Context, in Input, emit Emitter) error {
	if err := emit(ManifestEvent(EchoVersion, e.Environment, nil)); err != nil {
		return err
	}
	content := in.LatestUserContent()
	if content == "" {
		content = "(no input)"
	}
	return emit(MessageEvent(domain.RoleAssistant, content))
}

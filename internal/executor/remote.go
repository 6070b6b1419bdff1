package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/gogo/runstream/internal/codec"
	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// Remote proxies an external agent that speaks the run stream protocol. It
// POSTs the history to the agent's /invoke endpoint and re-emits the frames
// it streams back.
type Remote struct {
	endpoint   string
	httpClient *http.Client
}

// NewRemote creates a remote executor. A zero timeout leaves requests bounded
// only by the run context.
func NewRemote(endpoint string, timeout time.Duration) *Remote {
	return &Remote{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Execute implements Executor.
func (r *Remote) Execute(ctx context.Context, in Input, emit Emitter) error {
	body, err := json.Marshal(domain.InvokeRequest{
		ThreadID: in.ThreadID,
		RunID:    in.RunID,
		History:  in.History,
		Metadata: in.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(r.endpoint, "/") + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", codec.ContentType)
	httpReq.Header.Set("X-Thread-ID", in.ThreadID)
	httpReq.Header.Set("X-Run-ID", in.RunID)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to invoke agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	reader := codec.NewReader(resp.Body, 0)
	for {
		d, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("upstream agent stream: %w", err)
		}
		switch f := d.Frame.(type) {
		case domain.Manifest:
			if err := emit(Event{Manifest: &f}); err != nil {
				return err
			}
		case domain.Message:
			if err := emit(Event{Message: &f}); err != nil {
				return err
			}
		case domain.ErrorFrame:
			return domain.Raise(json.RawMessage(f.Detail))
		case domain.EndFrame:
			return nil
		}
	}
}

// Package runclient starts runs on a runstream server and reconstructs their
// state from the streamed response.
package runclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/xiaot623/gogo/runstream/internal/codec"
	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/reconstruct"
)

// ErrIdleTimeout is the cause recorded when no bytes arrive within the idle
// timeout. The run is then treated as truncated.
var ErrIdleTimeout = errors.New("run stream idle timeout")

// StatusError is returned when the server rejects a request before streaming.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to a runstream server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	idleTimeout time.Duration
	readSize    int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithIdleTimeout fails a run as truncated when the stream stays silent for d.
// Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// WithReadSize sets the transport chunk size.
func WithReadSize(n int) Option {
	return func(c *Client) { c.readSize = n }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		readSize:   codec.DefaultReadSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update is called after every folded frame with the current run state.
type Update func(domain.Run)

// StartRun starts a run on threadID and folds its stream until the run is
// final. The returned run is failed (not an error) when the stream carried an
// error frame, violated the protocol or was truncated.
//
// When ctx is cancelled the body is closed and the run is abandoned: the
// returned run keeps its last observed status and the error is ctx's.
func (c *Client) StartRun(ctx context.Context, threadID string, req domain.StartRunRequest, onUpdate Update, opts ...reconstruct.Option) (domain.Run, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.Run{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	endpoint := fmt.Sprintf("%s/v1/threads/%s/runs", c.baseURL, url.PathEscape(threadID))
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Run{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", codec.ContentType)

	// Headers arrive with the first frame, so silence before the response
	// counts against the idle timeout too.
	watchdog := newIdleWatchdog(c.idleTimeout, func() { cancel(ErrIdleTimeout) })
	defer watchdog.stop()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(streamCtx), ErrIdleTimeout) {
			rec := reconstruct.New("", threadID, opts...)
			log.Warnf("run on thread %s sent nothing for %s", threadID, c.idleTimeout)
			rec.Fail(fmt.Errorf("%w: %w", codec.ErrTruncated, ErrIdleTimeout))
			if onUpdate != nil {
				onUpdate(rec.Snapshot())
			}
			return rec.Snapshot(), nil
		}
		return domain.Run{}, fmt.Errorf("failed to start run: %w", err)
	}
	defer resp.Body.Close()
	watchdog.reset()

	if resp.StatusCode != http.StatusOK {
		return domain.Run{}, statusError(resp)
	}

	runID := resp.Header.Get("X-Run-ID")
	if id := resp.Header.Get("X-Thread-ID"); id != "" {
		threadID = id
	}
	rec := reconstruct.New(runID, threadID, opts...)

	readErr := c.fold(resp.Body, rec, watchdog, onUpdate)
	if readErr == nil {
		return rec.Snapshot(), nil
	}

	// Decide between abandonment and an idle timeout.
	if ctx.Err() != nil {
		rec.Abandon()
		return rec.Snapshot(), ctx.Err()
	}
	if errors.Is(context.Cause(streamCtx), ErrIdleTimeout) {
		readErr = fmt.Errorf("%w: %w", codec.ErrTruncated, ErrIdleTimeout)
	}
	log.Warnf("run %s stream ended early: %v", runID, readErr)
	rec.Fail(readErr)
	if onUpdate != nil {
		onUpdate(rec.Snapshot())
	}
	return rec.Snapshot(), nil
}

func (c *Client) fold(body io.Reader, rec *reconstruct.Reconstructor, watchdog *idleWatchdog, onUpdate Update) error {
	dec := codec.NewDecoder()
	buf := make([]byte, c.readSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			watchdog.reset()
			deliveries, ferr := dec.Feed(buf[:n])
			for _, d := range deliveries {
				if aerr := rec.Apply(d); aerr != nil {
					if onUpdate != nil {
						onUpdate(rec.Snapshot())
					}
					return nil
				}
				if onUpdate != nil {
					onUpdate(rec.Snapshot())
				}
			}
			if ferr != nil {
				return ferr
			}
			if dec.Done() {
				return nil
			}
		}
		if err == io.EOF {
			return dec.Finish()
		}
		if err != nil {
			return fmt.Errorf("%w: %w", codec.ErrTruncated, err)
		}
	}
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// GetRun fetches the authoritative state of a run, activities included.
func (c *Client) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	var run domain.Run
	err := c.getJSON(ctx, "/v1/runs/"+url.PathEscape(runID), &run)
	return run, err
}

// CreateThread creates a thread.
func (c *Client) CreateThread(ctx context.Context, req domain.CreateThreadRequest) (domain.Thread, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.Thread{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/threads", bytes.NewReader(body))
	if err != nil {
		return domain.Thread{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var thread domain.Thread
	if err := c.doJSON(httpReq, http.StatusCreated, &thread); err != nil {
		return domain.Thread{}, err
	}
	return thread, nil
}

// ListExecutors returns the executor names the server offers.
func (c *Client) ListExecutors(ctx context.Context) ([]string, error) {
	var resp struct {
		Executors []string `json:"executors"`
	}
	if err := c.getJSON(ctx, "/v1/executors", &resp); err != nil {
		return nil, err
	}
	return resp.Executors, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doJSON(httpReq, http.StatusOK, out)
}

func (c *Client) doJSON(httpReq *http.Request, want int, out any) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", httpReq.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type idleWatchdog struct {
	mu    sync.Mutex
	d     time.Duration
	timer *time.Timer
}

func newIdleWatchdog(d time.Duration, fire func()) *idleWatchdog {
	w := &idleWatchdog{d: d}
	if d > 0 {
		w.timer = time.AfterFunc(d, fire)
	}
	return w
}

func (w *idleWatchdog) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.d)
	}
}

func (w *idleWatchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

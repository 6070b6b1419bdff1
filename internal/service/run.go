package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/executor"
	"github.com/xiaot623/gogo/runstream/internal/policy"
	"github.com/xiaot623/gogo/runstream/internal/stream"
)

// RunHandle is the caller's view of a started run. The run itself is
// detached from the caller: it keeps executing and persisting after Detach.
type RunHandle struct {
	RunID    string
	ThreadID string
	Executor string

	frames     chan domain.Frame
	detached   chan struct{}
	detachOnce sync.Once
	done       chan struct{}
}

// Frames returns the run's frames in order. The channel is closed after the
// terminal frame, or early once the handle is detached.
func (h *RunHandle) Frames() <-chan domain.Frame {
	return h.frames
}

// Detach stops forwarding frames to the caller. The run continues.
func (h *RunHandle) Detach() {
	h.detachOnce.Do(func() { close(h.detached) })
}

// Done is closed once the run's outcome has been persisted.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// StartRun records the user input on the thread, selects an executor and
// starts the run. The thread is created when it does not exist yet.
func (s *Service) StartRun(ctx context.Context, threadID string, req domain.StartRunRequest) (*RunHandle, error) {
	if req.Input == nil || strings.TrimSpace(req.Input.Content) == "" {
		return nil, fmt.Errorf("%w: input.content is required", ErrInvalidInput)
	}
	role := req.Input.Role
	if role == "" {
		role = domain.RoleUser
	}
	if threadID == "" {
		threadID = newThreadID()
	}

	thread, err := s.store.GetOrCreateThread(ctx, threadID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get/create thread: %w", err)
	}

	name, err := s.policyEngine.SelectExecutor(ctx, policy.Input{
		Requested:   req.Executor,
		ThreadAgent: thread.MetadataString("agent"),
		Default:     s.config.DefaultExecutor,
		Environment: s.config.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select executor: %w", err)
	}
	exec, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if s.config.TestMode() {
		exec = executor.NewFaultInjector(exec)
	}

	now := time.Now()
	run := &domain.Run{
		RunID:     "run_" + uuid.NewString(),
		ThreadID:  thread.ThreadID,
		Executor:  name,
		Status:    domain.RunStatusPending,
		StartedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	input := &domain.Activity{
		ActivityID: "act_" + uuid.NewString(),
		ThreadID:   thread.ThreadID,
		Type:       domain.ActivityTypeMessage,
		Role:       role,
		Content:    req.Input.Content,
		CreatedAt:  now,
	}
	if _, err := s.store.CreateActivity(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to record input: %w", err)
	}

	history, err := s.history(ctx, thread.ThreadID)
	if err != nil {
		return nil, err
	}

	h := &RunHandle{
		RunID:    run.RunID,
		ThreadID: thread.ThreadID,
		Executor: name,
		frames:   make(chan domain.Frame),
		detached: make(chan struct{}),
		done:     make(chan struct{}),
	}

	// The run outlives the request that started it.
	runCtx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	st := stream.Encode(runCtx, exec, executor.Input{
		ThreadID: thread.ThreadID,
		RunID:    run.RunID,
		History:  history,
		Metadata: req.Metadata,
	})

	log.Infof("run %s started on thread %s with executor %s", run.RunID, thread.ThreadID, name)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer cancel()
		s.pump(st, h)
	}()
	return h, nil
}

func (s *Service) history(ctx context.Context, threadID string) ([]domain.HistoryRecord, error) {
	activities, err := s.store.ListActivities(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	history := make([]domain.HistoryRecord, 0, len(activities))
	for _, a := range activities {
		history = append(history, domain.HistoryRecord{Role: a.Role, Content: a.Content, Type: a.Type})
	}
	return history, nil
}

// pump persists and publishes every frame and forwards it to the caller
// while the caller is attached.
func (s *Service) pump(st *stream.Stream, h *RunHandle) {
	defer close(h.done)
	defer close(h.frames)

	// Persistence must not be cut short by the run deadline.
	ctx := context.Background()

	seq := 0
	terminal := false
	for f := range st.Frames() {
		d := domain.Delivery{Seq: seq, Frame: f}
		seq++

		s.persist(ctx, h, d)
		if s.publisher != nil {
			if err := s.publisher.Publish(h.ThreadID, h.RunID, d); err != nil {
				log.Errorf("failed to publish frame %d of run %s: %v", d.Seq, h.RunID, err)
			}
		}
		switch f.(type) {
		case domain.ErrorFrame, domain.EndFrame:
			terminal = true
		}

		select {
		case h.frames <- f:
		case <-h.detached:
		}
	}

	if !terminal {
		failure := domain.TruncatedFailure("run stream closed without a terminal frame")
		if err := s.store.UpdateRunCompleted(ctx, h.RunID, domain.RunStatusFailed, failure); err != nil {
			log.Errorf("failed to update run %s: %v", h.RunID, err)
		}
	}
}

// persist records one frame. Failures are logged and never abort the stream.
func (s *Service) persist(ctx context.Context, h *RunHandle, d domain.Delivery) {
	var err error
	switch f := d.Frame.(type) {
	case domain.Manifest:
		err = s.store.MarkRunRunning(ctx, h.RunID, f)
	case domain.Message:
		var inserted bool
		inserted, err = s.store.CreateActivity(ctx, &domain.Activity{
			ActivityID: "act_" + uuid.NewString(),
			ThreadID:   h.ThreadID,
			RunID:      h.RunID,
			Position:   d.Seq,
			Type:       domain.ActivityTypeMessage,
			Role:       f.Role,
			Content:    f.Content,
			CreatedAt:  time.Now(),
		})
		if err == nil && !inserted {
			log.Warnf("run %s: activity at position %d already recorded", h.RunID, d.Seq)
		}
	case domain.ErrorFrame:
		failure := domain.FailureFromFrame(f)
		log.Infof("run %s failed: %s", h.RunID, f.Detail)
		err = s.store.UpdateRunCompleted(ctx, h.RunID, domain.RunStatusFailed, failure)
	case domain.EndFrame:
		log.Infof("run %s succeeded", h.RunID)
		err = s.store.UpdateRunCompleted(ctx, h.RunID, domain.RunStatusSucceeded, nil)
	default:
		err = errors.New("unsupported frame")
	}
	if err != nil {
		log.Errorf("failed to persist %s frame %d of run %s: %v", d.Frame.Kind(), d.Seq, h.RunID, err)
	}
}

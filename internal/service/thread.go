package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

func newThreadID() string {
	return "thread_" + uuid.NewString()
}

// CreateThread creates a thread. A thread ID is minted when none is given.
func (s *Service) CreateThread(ctx context.Context, req domain.CreateThreadRequest) (*domain.Thread, error) {
	threadID := req.ThreadID
	if threadID == "" {
		threadID = newThreadID()
	}

	existing, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadExists, threadID)
	}

	thread := &domain.Thread{
		ThreadID:  threadID,
		Title:     req.Title,
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// GetThread returns a thread with its run history and display state.
func (s *Service) GetThread(ctx context.Context, threadID string) (*domain.ThreadSummary, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if thread == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return s.summarize(ctx, *thread)
}

// ListThreads lists threads, newest first, with their display state.
func (s *Service) ListThreads(ctx context.Context, limit int) ([]domain.ThreadSummary, error) {
	threads, err := s.store.ListThreads(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	summaries := make([]domain.ThreadSummary, 0, len(threads))
	for _, thread := range threads {
		summary, err := s.summarize(ctx, thread)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}
	return summaries, nil
}

func (s *Service) summarize(ctx context.Context, thread domain.Thread) (*domain.ThreadSummary, error) {
	runs, err := s.store.ListRuns(ctx, thread.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	thread.Runs = runs
	return &domain.ThreadSummary{Thread: thread, State: thread.State()}, nil
}

// ListActivities returns the activity log of a thread.
func (s *Service) ListActivities(ctx context.Context, threadID string) ([]domain.Activity, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if thread == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	activities, err := s.store.ListActivities(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	return activities, nil
}

// GetRun returns the authoritative state of a run, activities included.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	activities, err := s.store.ListRunActivities(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run activities: %w", err)
	}
	run.Activities = activities
	return run, nil
}

// Package repository persists threads, runs and activities. It is the system
// of record for run outcomes.
package repository

import (
	"context"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// Store defines the interface for data persistence. Lookups of a missing
// record return nil without an error.
type Store interface {
	// Thread operations
	CreateThread(ctx context.Context, thread *domain.Thread) error
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	GetOrCreateThread(ctx context.Context, threadID, title string) (*domain.Thread, error)
	ListThreads(ctx context.Context, limit int) ([]domain.Thread, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, threadID string) ([]domain.Run, error)
	MarkRunRunning(ctx context.Context, runID string, manifest domain.Manifest) error
	UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, failure *domain.Failure) error

	// Activity operations. CreateActivity is idempotent on (run_id, position)
	// and reports whether a row was inserted.
	CreateActivity(ctx context.Context, activity *domain.Activity) (bool, error)
	ListActivities(ctx context.Context, threadID string) ([]domain.Activity, error)
	ListRunActivities(ctx context.Context, runID string) ([]domain.Activity, error)

	// Lifecycle
	Close() error
}

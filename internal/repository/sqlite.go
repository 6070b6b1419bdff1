package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			title TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			executor TEXT,
			status TEXT NOT NULL,
			manifest TEXT,
			failure TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS activities (
			activity_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			run_id TEXT,
			position INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_thread ON activities(thread_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_run_position ON activities(run_id, position) WHERE run_id IS NOT NULL`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateThread creates a new thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *domain.Thread) error {
	var metadata sql.NullString
	if len(thread.Metadata) > 0 {
		b, err := json.Marshal(thread.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal thread metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, title, metadata, created_at) VALUES (?, ?, ?, ?)`,
		thread.ThreadID, thread.Title, metadata, thread.CreatedAt)
	return err
}

// GetThread retrieves a thread by ID. Runs are not loaded.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, title, metadata, created_at FROM threads WHERE thread_id = ?`,
		threadID)
	thread, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// GetOrCreateThread gets an existing thread or creates a new one.
func (s *SQLiteStore) GetOrCreateThread(ctx context.Context, threadID, title string) (*domain.Thread, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread != nil {
		return thread, nil
	}

	thread = &domain.Thread{
		ThreadID:  threadID,
		Title:     title,
		CreatedAt: time.Now(),
	}
	if err := s.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// ListThreads lists threads, newest first.
func (s *SQLiteStore) ListThreads(ctx context.Context, limit int) ([]domain.Thread, error) {
	query := `SELECT thread_id, title, metadata, created_at FROM threads ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *thread)
	}
	return threads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*domain.Thread, error) {
	var thread domain.Thread
	var title, metadata sql.NullString
	if err := row.Scan(&thread.ThreadID, &title, &metadata, &thread.CreatedAt); err != nil {
		return nil, err
	}
	thread.Title = title.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &thread.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode thread metadata: %w", err)
		}
	}
	return &thread, nil
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, thread_id, executor, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.ThreadID, run.Executor, run.Status, run.StartedAt)
	return err
}

const runColumns = `run_id, thread_id, executor, status, manifest, failure, started_at, ended_at`

// GetRun retrieves a run by ID. Activities are not loaded.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists the runs of a thread in start order.
func (s *SQLiteStore) ListRuns(ctx context.Context, threadID string) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE thread_id = ? ORDER BY started_at ASC, rowid ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var executor, manifest, failure sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&run.RunID, &run.ThreadID, &executor, &run.Status, &manifest, &failure, &run.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	run.Executor = executor.String
	if manifest.Valid {
		var m domain.Manifest
		if err := json.Unmarshal([]byte(manifest.String), &m); err != nil {
			return nil, fmt.Errorf("failed to decode run manifest: %w", err)
		}
		run.Manifest = &m
	}
	if failure.Valid {
		var f domain.Failure
		if err := json.Unmarshal([]byte(failure.String), &f); err != nil {
			return nil, fmt.Errorf("failed to decode run failure: %w", err)
		}
		run.Failure = &f
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// MarkRunRunning records the manifest and moves a pending run to running.
func (s *SQLiteStore) MarkRunRunning(ctx context.Context, runID string, manifest domain.Manifest) error {
	b, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, manifest = ? WHERE run_id = ? AND status = ?`,
		domain.RunStatusRunning, string(b), runID, domain.RunStatusPending)
	return err
}

// UpdateRunCompleted moves a run to a terminal state. A run that is already
// terminal is left unchanged.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, failure *domain.Failure) error {
	var failureStr sql.NullString
	if failure != nil {
		b, err := json.Marshal(failure)
		if err != nil {
			return fmt.Errorf("failed to marshal failure: %w", err)
		}
		failureStr = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, failure = ? WHERE run_id = ? AND status NOT IN (?, ?)`,
		status, time.Now(), failureStr, runID, domain.RunStatusSucceeded, domain.RunStatusFailed)
	return err
}

// CreateActivity inserts an activity unless one already exists at the same
// run position.
func (s *SQLiteStore) CreateActivity(ctx context.Context, activity *domain.Activity) (bool, error) {
	var runID sql.NullString
	if activity.RunID != "" {
		runID = sql.NullString{String: activity.RunID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO activities (activity_id, thread_id, run_id, position, type, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		activity.ActivityID, activity.ThreadID, runID, activity.Position, activity.Type, activity.Role, activity.Content, activity.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const activityColumns = `activity_id, thread_id, run_id, position, type, role, content, created_at`

// ListActivities lists a thread's activities in the order they were recorded.
func (s *SQLiteStore) ListActivities(ctx context.Context, threadID string) ([]domain.Activity, error) {
	return s.queryActivities(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC`, threadID)
}

// ListRunActivities lists the activities produced by one run in stream order.
func (s *SQLiteStore) ListRunActivities(ctx context.Context, runID string) ([]domain.Activity, error) {
	return s.queryActivities(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE run_id = ? ORDER BY position ASC`, runID)
}

func (s *SQLiteStore) queryActivities(ctx context.Context, query string, args ...any) ([]domain.Activity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var runID sql.NullString
		if err := rows.Scan(&a.ActivityID, &a.ThreadID, &runID, &a.Position, &a.Type, &a.Role, &a.Content, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.RunID = runID.String
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

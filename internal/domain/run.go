package domain

import "time"

// Activity is one materialized message of a thread's activity log.
type Activity struct {
	ActivityID string       `json:"activity_id"`
	ThreadID   string       `json:"thread_id"`
	RunID      string       `json:"run_id,omitempty"`
	Position   int          `json:"position"`
	Type       ActivityType `json:"type"`
	Role       Role         `json:"role"`
	Content    string       `json:"content"`
	CreatedAt  time.Time    `json:"created_at"`
}

// SameMessage reports whether a carries the given role and content.
func (a Activity) SameMessage(m Message) bool {
	return a.Role == m.Role && a.Content == m.Content
}

// Run is one execution of an executor against a thread.
type Run struct {
	RunID      string     `json:"run_id"`
	ThreadID   string     `json:"thread_id"`
	Executor   string     `json:"executor,omitempty"`
	Status     RunStatus  `json:"status"`
	Manifest   *Manifest  `json:"manifest,omitempty"`
	Failure    *Failure   `json:"failure,omitempty"`
	Activities []Activity `json:"activities,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy of the run's mutable slices.
func (r Run) Clone() Run {
	out := r
	if r.Activities != nil {
		out.Activities = append([]Activity(nil), r.Activities...)
	}
	if r.Manifest != nil {
		m := *r.Manifest
		out.Manifest = &m
	}
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}

// Thread is a conversation owning an ordered run history.
type Thread struct {
	ThreadID  string         `json:"thread_id"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Runs      []Run          `json:"runs,omitempty"`
}

// State returns the display state of the thread, taken from its latest run.
// A thread without runs reports pending.
func (t Thread) State() RunStatus {
	if len(t.Runs) == 0 {
		return RunStatusPending
	}
	return t.Runs[len(t.Runs)-1].Status
}

// LatestRun returns the most recent run, or nil.
func (t Thread) LatestRun() *Run {
	if len(t.Runs) == 0 {
		return nil
	}
	return &t.Runs[len(t.Runs)-1]
}

// MetadataString returns a string metadata value, or "".
func (t Thread) MetadataString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	s, _ := t.Metadata[key].(string)
	return s
}

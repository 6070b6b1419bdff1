package domain

// HistoryRecord is one prior activity handed to an executor.
type HistoryRecord struct {
	Role    Role         `json:"role"`
	Content string       `json:"content"`
	Type    ActivityType `json:"type"`
}

// InputMessage is the user message that triggers a run.
type InputMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CreateThreadRequest represents the request to create a thread.
type CreateThreadRequest struct {
	ThreadID string         `json:"thread_id,omitempty"`
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StartRunRequest represents the request to start a run on a thread.
type StartRunRequest struct {
	Executor string         `json:"executor,omitempty"`
	Input    *InputMessage  `json:"input,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// InvokeRequest is the body sent to a remote agent speaking the run protocol.
type InvokeRequest struct {
	ThreadID string          `json:"thread_id"`
	RunID    string          `json:"run_id"`
	History  []HistoryRecord `json:"history"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// ThreadSummary is a thread with its display state.
type ThreadSummary struct {
	Thread
	State RunStatus `json:"state"`
}

// Package domain defines the frame model and the thread/run/activity aggregates.
package domain

// FrameKind names a frame on the wire.
type FrameKind string

const (
	FrameKindManifest FrameKind = "manifest"
	FrameKindMessage  FrameKind = "message"
	FrameKindError    FrameKind = "error"
	FrameKindEnd      FrameKind = "end"
)

// Valid reports whether k is one of the recognized frame kinds.
func (k FrameKind) Valid() bool {
	switch k {
	case FrameKindManifest, FrameKindMessage, FrameKindError, FrameKindEnd:
		return true
	}
	return false
}

// Role is the author of an activity.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// FailureKind classifies why a run failed.
type FailureKind string

const (
	// FailureRaised is a failure raised by the executor and carried in an error frame.
	FailureRaised FailureKind = "raised"
	// FailureProtocol is a violation of the frame contract.
	FailureProtocol FailureKind = "protocol"
	// FailureTruncated means the stream ended without a terminal frame.
	FailureTruncated FailureKind = "truncated"
)

// ActivityType distinguishes activity records.
type ActivityType string

const (
	ActivityTypeMessage ActivityType = "message"
)

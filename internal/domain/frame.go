package domain

import (
	"encoding/json"
	"fmt"
)

// Frame is one event of the run streaming protocol. The concrete types are
// Manifest, Message, ErrorFrame and EndFrame.
type Frame interface {
	Kind() FrameKind
	isFrame()
}

// Manifest identifies the agent implementation that produced a run.
type Manifest struct {
	Version     string         `json:"version"`
	Environment string         `json:"environment"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Message is one unit of agent output.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ErrorFrame carries an opaque failure payload raised by the producer.
// Violation is set instead by the encoder when the producer broke the frame
// contract; raised values only ever travel in Detail.
type ErrorFrame struct {
	Detail    Detail `json:"detail"`
	Violation string `json:"violation,omitempty"`
}

// ViolationFrame reports a broken frame contract.
func ViolationFrame(reason string) ErrorFrame {
	return ErrorFrame{Detail: ProtocolFailure(reason).Detail, Violation: reason}
}

// EndFrame marks successful completion of a stream.
type EndFrame struct{}

func (Manifest) Kind() FrameKind   { return FrameKindManifest }
func (Message) Kind() FrameKind    { return FrameKindMessage }
func (ErrorFrame) Kind() FrameKind { return FrameKindError }
func (EndFrame) Kind() FrameKind   { return FrameKindEnd }

func (Manifest) isFrame()   {}
func (Message) isFrame()    {}
func (ErrorFrame) isFrame() {}
func (EndFrame) isFrame()   {}

// Validate rejects messages that must never be emitted.
func (m Message) Validate() error {
	if m.Role == "" {
		return fmt.Errorf("message role is required")
	}
	if m.Content == "" {
		return fmt.Errorf("message content is required")
	}
	return nil
}

// Delivery is a decoded frame together with its zero-based position in the stream.
type Delivery struct {
	Seq   int
	Frame Frame
}

// FramePayload returns the JSON payload carried by f on the wire.
func FramePayload(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Manifest, Message, ErrorFrame:
		return json.Marshal(v)
	case EndFrame:
		return []byte("{}"), nil
	case *Manifest:
		return json.Marshal(*v)
	case *Message:
		return json.Marshal(*v)
	case *ErrorFrame:
		return json.Marshal(*v)
	case *EndFrame:
		return []byte("{}"), nil
	default:
		return nil, fmt.Errorf("unsupported frame type %T", f)
	}
}

// ParseFrame builds the frame named by kind from its JSON payload.
func ParseFrame(kind FrameKind, payload []byte) (Frame, error) {
	switch kind {
	case FrameKindManifest:
		var m Manifest
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		return m, nil
	case FrameKindMessage:
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		return m, nil
	case FrameKindError:
		var e ErrorFrame
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to parse error: %w", err)
		}
		return e, nil
	case FrameKindEnd:
		var v map[string]json.RawMessage
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("failed to parse end: %w", err)
		}
		return EndFrame{}, nil
	default:
		return nil, fmt.Errorf("unknown frame kind %q", kind)
	}
}

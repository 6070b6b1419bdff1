package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Detail is an opaque JSON failure payload. It is carried verbatim from the
// producer to the consumer and never normalized to a fixed shape.
type Detail json.RawMessage

// NewDetail serializes v as a failure detail. Values that cannot be encoded as
// JSON are carried as their printed form.
func NewDetail(v any) Detail {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	return Detail(b)
}

// MarshalJSON implements json.Marshaler.
func (d Detail) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return []byte(d), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Detail) UnmarshalJSON(b []byte) error {
	if d == nil {
		return errors.New("domain.Detail: UnmarshalJSON on nil pointer")
	}
	*d = append((*d)[:0], b...)
	return nil
}

// Decode unmarshals the detail into v.
func (d Detail) Decode(v any) error {
	if len(d) == 0 {
		return errors.New("empty detail")
	}
	return json.Unmarshal(d, v)
}

func (d Detail) String() string {
	if len(d) == 0 {
		return "null"
	}
	return string(d)
}

// Raised is a failure raised by an executor carrying an arbitrary value.
type Raised struct {
	Value any
}

// Raise returns an error that propagates v structurally into an error frame.
func Raise(v any) error {
	return &Raised{Value: v}
}

func (r *Raised) Error() string {
	return "raised: " + NewDetail(r.Value).String()
}

// DetailOf converts an executor error into the detail carried by an error frame.
func DetailOf(err error) Detail {
	if err == nil {
		return nil
	}
	var raised *Raised
	if errors.As(err, &raised) {
		return NewDetail(raised.Value)
	}
	if m, ok := err.(json.Marshaler); ok {
		if b, merr := m.MarshalJSON(); merr == nil && json.Valid(b) {
			return Detail(b)
		}
	}
	return NewDetail(err.Error())
}

// Failure is the recorded reason of a failed run.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail Detail      `json:"detail,omitempty"`
	// UnknownFinalState is set when the producer may have completed even though
	// the consumer never observed a terminal frame.
	UnknownFinalState bool   `json:"unknown_final_state,omitempty"`
	Message           string `json:"message,omitempty"`
}

// RaisedFailure records a producer-raised failure.
func RaisedFailure(detail Detail) *Failure {
	return &Failure{Kind: FailureRaised, Detail: detail}
}

// ProtocolFailure records a protocol violation.
func ProtocolFailure(msg string) *Failure {
	return &Failure{
		Kind:    FailureProtocol,
		Detail:  NewDetail(map[string]string{"error": "protocol_violation", "message": msg}),
		Message: msg,
	}
}

// TruncatedFailure records a stream that ended without a terminal frame.
func TruncatedFailure(msg string) *Failure {
	return &Failure{
		Kind:              FailureTruncated,
		Detail:            NewDetail(map[string]string{"error": "stream_truncated", "message": msg}),
		UnknownFinalState: true,
		Message:           msg,
	}
}

// FailureFromFrame classifies an error frame. Only the frame's violation
// marker makes it a protocol failure; the detail is never inspected.
func FailureFromFrame(f ErrorFrame) *Failure {
	if f.Violation != "" {
		return &Failure{Kind: FailureProtocol, Detail: f.Detail, Message: f.Violation}
	}
	return RaisedFailure(f.Detail)
}

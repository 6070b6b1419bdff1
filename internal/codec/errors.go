package codec

import (
	"errors"
	"fmt"
)

// ErrTruncated is returned when the transport ends before a terminal frame
// was decoded. The producer's final state is unknown.
var ErrTruncated = errors.New("stream truncated")

// ErrProtocol matches every *ProtocolError with errors.Is.
var ErrProtocol = errors.New("protocol violation")

// ProtocolError is a fatal, non-retryable violation of the wire contract.
type ProtocolError struct {
	Reason string
	Block  string
}

func (e *ProtocolError) Error() string {
	if e.Block == "" {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("protocol violation: %s (block %q)", e.Reason, e.Block)
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(block []byte, format string, args ...any) *ProtocolError {
	b := string(block)
	if len(b) > 256 {
		b = b[:256]
	}
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Block: b}
}

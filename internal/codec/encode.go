// Package codec serializes frames to a text event stream and decodes them back
// from arbitrarily chunked transport reads.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// ContentType is the media type of an encoded run stream.
const ContentType = "text/event-stream"

// MarshalFrame encodes f as one event block: an event line, a single-line
// data line and a blank line terminator.
func MarshalFrame(f domain.Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("frame is required")
	}
	payload, err := domain.FramePayload(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", f.Kind(), err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, fmt.Errorf("failed to compact %s frame: %w", f.Kind(), err)
	}

	var buf bytes.Buffer
	buf.Grow(compact.Len() + 32)
	buf.WriteString("event: ")
	buf.WriteString(string(f.Kind()))
	buf.WriteString("\ndata: ")
	buf.Write(compact.Bytes())
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// WriteFrame encodes f onto w.
func WriteFrame(w io.Writer, f domain.Frame) error {
	b, err := MarshalFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// StreamWriter writes frames onto an HTTP response. The response status and
// headers are committed when the first frame is written and never revised.
type StreamWriter struct {
	w         http.ResponseWriter
	committed bool
}

// NewStreamWriter creates a stream writer on w.
func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	return &StreamWriter{w: w}
}

// Committed reports whether the response envelope has been sent.
func (s *StreamWriter) Committed() bool {
	return s.committed
}

// Header returns the response headers. Changes after commit have no effect.
func (s *StreamWriter) Header() http.Header {
	return s.w.Header()
}

// WriteFrame writes f and flushes it to the client.
func (s *StreamWriter) WriteFrame(f domain.Frame) error {
	b, err := MarshalFrame(f)
	if err != nil {
		return err
	}
	if !s.committed {
		s.commit()
	}
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Kind(), err)
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (s *StreamWriter) commit() {
	h := s.w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.committed = true
}

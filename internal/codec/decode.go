package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

type decodeState int

const (
	stateExpectManifest decodeState = iota
	stateStreaming
	stateDone
)

var blockTerminator = []byte("\n\n")

// Decoder turns arbitrarily sized chunks of an encoded run stream back into
// frames. It buffers partial blocks across chunks, enforces frame order and
// stops permanently after a terminal frame.
type Decoder struct {
	buf   []byte
	seq   int
	state decodeState
	err   error
	// lastCR is set when the previous chunk ended in '\r', so a leading '\n'
	// in the next chunk completes a CRLF pair.
	lastCR bool
}

// NewDecoder creates a decoder waiting for the first frame.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Done reports whether a terminal frame has been decoded.
func (d *Decoder) Done() bool {
	return d.state == stateDone
}

// Feed appends chunk to the buffer and returns every frame completed by it.
// A decode error is sticky: later calls return the same error.
func (d *Decoder) Feed(chunk []byte) ([]domain.Delivery, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.state == stateDone {
		return nil, nil
	}
	d.buf = d.appendNormalized(d.buf, chunk)

	var out []domain.Delivery
	for d.state != stateDone {
		idx := bytes.Index(d.buf, blockTerminator)
		if idx < 0 {
			break
		}
		block := d.buf[:idx]
		frame, err := d.decodeBlock(block)
		d.buf = d.buf[idx+len(blockTerminator):]
		if err != nil {
			d.err = err
			d.buf = nil
			return out, err
		}
		if frame == nil {
			continue
		}
		out = append(out, domain.Delivery{Seq: d.seq, Frame: frame})
		d.seq++
	}
	if d.state == stateDone {
		d.buf = nil
	} else if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// appendNormalized appends chunk to buf with CRLF and lone CR line endings
// rewritten as LF.
func (d *Decoder) appendNormalized(buf, chunk []byte) []byte {
	for _, b := range chunk {
		if d.lastCR {
			d.lastCR = false
			if b == '\n' {
				continue
			}
		}
		if b == '\r' {
			d.lastCR = true
			b = '\n'
		}
		buf = append(buf, b)
	}
	return buf
}

// Finish reports the outcome of a transport EOF. It returns nil once a
// terminal frame was decoded and ErrTruncated otherwise.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.state == stateDone {
		return nil
	}
	return ErrTruncated
}

func (d *Decoder) decodeBlock(block []byte) (domain.Frame, error) {
	kind, data, ok := parseBlock(block)
	if !ok {
		return nil, nil
	}
	fk := domain.FrameKind(kind)
	if !fk.Valid() {
		return nil, protocolErrorf(block, "unrecognized frame kind %q", kind)
	}
	if fk == domain.FrameKindEnd && len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	frame, err := domain.ParseFrame(fk, data)
	if err != nil {
		return nil, protocolErrorf(block, "malformed payload: %v", err)
	}
	if m, ok := frame.(domain.Message); ok {
		if err := m.Validate(); err != nil {
			return nil, protocolErrorf(block, "invalid message: %v", err)
		}
	}

	switch d.state {
	case stateExpectManifest:
		switch fk {
		case domain.FrameKindManifest:
			d.state = stateStreaming
		case domain.FrameKindError:
			d.state = stateDone
		default:
			return nil, protocolErrorf(block, "%s frame before manifest", fk)
		}
	case stateStreaming:
		switch fk {
		case domain.FrameKindManifest:
			return nil, protocolErrorf(block, "duplicate manifest")
		case domain.FrameKindError, domain.FrameKindEnd:
			d.state = stateDone
		}
	}
	return frame, nil
}

// parseBlock extracts the event name and the joined data lines of one block.
// It reports false for blocks carrying neither, such as comment keepalives.
func parseBlock(block []byte) (string, []byte, bool) {
	var (
		event   string
		data    []byte
		hasData bool
	)
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if after, ok := bytes.CutPrefix(line, []byte("event:")); ok {
			event = string(bytes.TrimSpace(after))
			continue
		}
		if after, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			after = bytes.TrimPrefix(after, []byte(" "))
			if hasData {
				data = append(data, '\n')
			}
			data = append(data, after...)
			hasData = true
		}
	}
	if event == "" && !hasData {
		return "", nil, false
	}
	return event, data, true
}

// DefaultReadSize is the chunk size Reader uses when none is given.
const DefaultReadSize = 4096

// Reader decodes frames from a transport stream.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	buf   []byte
	queue []domain.Delivery
	eof   bool
}

// NewReader creates a reader pulling chunks of up to size bytes from r.
func NewReader(r io.Reader, size int) *Reader {
	if size <= 0 {
		size = DefaultReadSize
	}
	return &Reader{r: r, dec: NewDecoder(), buf: make([]byte, size)}
}

// Next returns the next decoded frame. It returns io.EOF after the terminal
// frame has been returned, an error matching ErrTruncated when the transport
// ends or fails first, and a *ProtocolError for malformed input.
func (r *Reader) Next() (domain.Delivery, error) {
	for {
		if len(r.queue) > 0 {
			d := r.queue[0]
			r.queue = r.queue[1:]
			return d, nil
		}
		if r.dec.Done() {
			return domain.Delivery{}, io.EOF
		}
		if r.eof {
			if err := r.dec.Finish(); err != nil {
				return domain.Delivery{}, err
			}
			return domain.Delivery{}, io.EOF
		}

		n, err := r.r.Read(r.buf)
		if n > 0 {
			frames, ferr := r.dec.Feed(r.buf[:n])
			r.queue = append(r.queue, frames...)
			if ferr != nil {
				if len(r.queue) > 0 {
					// Deliver what was decoded before the bad block.
					r.eof = true
					continue
				}
				return domain.Delivery{}, ferr
			}
		}
		if err == io.EOF {
			r.eof = true
		} else if err != nil {
			if len(r.queue) > 0 {
				r.eof = true
				continue
			}
			if r.dec.Done() {
				return domain.Delivery{}, io.EOF
			}
			return domain.Delivery{}, fmt.Errorf("%w: %w", ErrTruncated, err)
		}
	}
}

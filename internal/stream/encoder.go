// Package stream wraps an executor so every run it produces follows the frame
// order: one manifest, zero or more messages, then exactly one error or end
// frame.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/labstack/gommon/log"

	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/executor"
)

// ErrConsumerGone is returned to an executor's emitter after the consumer
// closed the stream.
var ErrConsumerGone = errors.New("stream consumer gone")

// ErrEmitAfterReturn is returned when an executor emits after Execute returned.
var ErrEmitAfterReturn = errors.New("emit after executor returned")

// ContractError is a violation of the executor contract. It fails the run.
type ContractError struct {
	Reason string
}

func (e *ContractError) Error() string {
	return "executor contract violation: " + e.Reason
}

// Stream is the frame sequence of one run. Frames are delivered in order on a
// single channel that is closed exactly once.
type Stream struct {
	frames    chan domain.Frame
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Frames returns the ordered frame channel.
func (s *Stream) Frames() <-chan domain.Frame {
	return s.frames
}

// Close abandons the stream. The executor's context is cancelled and pending
// emissions fail with ErrConsumerGone; no terminal frame is produced.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// Start resolves name in reg and starts encoding its run.
func Start(ctx context.Context, reg *executor.Registry, name string, in executor.Input) (*Stream, error) {
	exec, err := reg.Get(name)
	if err != nil {
		return nil, err
	}
	return Encode(ctx, exec, in), nil
}

// Encode runs exec in its own goroutine and returns its frame sequence.
// Cancelling ctx is delivered to the executor; whatever it returns becomes
// the terminal frame.
func Encode(ctx context.Context, exec executor.Executor, in executor.Input) *Stream {
	execCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		frames: make(chan domain.Frame),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	e := &encoder{stream: s}
	go e.run(execCtx, exec, in)
	return s
}

type encoder struct {
	stream *Stream

	mu           sync.Mutex
	manifestSeen bool
	finished     bool
	violation    *ContractError
}

func (e *encoder) run(ctx context.Context, exec executor.Executor, in executor.Input) {
	defer close(e.stream.frames)
	defer e.stream.cancel()

	err := e.execute(ctx, exec, in)

	e.mu.Lock()
	e.finished = true
	violation := e.violation
	manifestSeen := e.manifestSeen
	e.mu.Unlock()

	var terminal domain.Frame
	switch {
	case violation != nil:
		log.Warnf("run %s: %v", in.RunID, violation)
		terminal = domain.ViolationFrame(violation.Reason)
	case errors.Is(err, ErrConsumerGone):
		return
	case err != nil:
		terminal = domain.ErrorFrame{Detail: domain.DetailOf(err)}
	case !manifestSeen:
		reason := "executor completed without a manifest"
		log.Warnf("run %s: %s", in.RunID, reason)
		terminal = domain.ViolationFrame(reason)
	default:
		terminal = domain.EndFrame{}
	}
	_ = e.send(terminal)
}

func (e *encoder) execute(ctx context.Context, exec executor.Executor, in executor.Input) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("run %s: executor panicked: %v", in.RunID, r)
			if rerr, ok := r.(error); ok {
				err = rerr
				return
			}
			err = domain.Raise(r)
		}
	}()
	return exec.Execute(ctx, in, e.emit)
}

func (e *encoder) emit(ev executor.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished {
		return ErrEmitAfterReturn
	}
	if e.violation != nil {
		return e.violation
	}

	switch {
	case ev.Manifest != nil && ev.Message != nil, ev.Manifest == nil && ev.Message == nil:
		return e.violate("event must carry exactly one of manifest or message")
	case ev.Manifest != nil:
		if e.manifestSeen {
			return e.violate("duplicate manifest")
		}
		e.manifestSeen = true
		return e.send(*ev.Manifest)
	default:
		if !e.manifestSeen {
			return e.violate("message emitted before manifest")
		}
		if err := ev.Message.Validate(); err != nil {
			return e.violate(fmt.Sprintf("invalid message: %v", err))
		}
		return e.send(*ev.Message)
	}
}

func (e *encoder) violate(reason string) error {
	e.violation = &ContractError{Reason: reason}
	return e.violation
}

func (e *encoder) send(f domain.Frame) error {
	select {
	case <-e.stream.done:
		return ErrConsumerGone
	default:
	}
	select {
	case e.stream.frames <- f:
		return nil
	case <-e.stream.done:
		return ErrConsumerGone
	}
}

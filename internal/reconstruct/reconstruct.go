// Package reconstruct folds decoded frames into the Run and Activity state a
// client displays.
//
// The fold is a display optimization. The persistence collaborator remains
// the system of record; a run that was abandoned or ended with an unknown
// final state should be reconciled by re-fetching it.
package reconstruct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/runstream/internal/codec"
	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithIDGenerator overrides how activity IDs are minted.
func WithIDGenerator(fn func() string) Option {
	return func(r *Reconstructor) { r.newID = fn }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Reconstructor) { r.now = fn }
}

// OnFinal registers fn to be called once the run reaches succeeded or failed.
// fn runs on its own goroutine so it never stalls decoding. It is not called
// for an abandoned run.
func OnFinal(fn func(domain.Run)) Option {
	return func(r *Reconstructor) { r.onFinal = fn }
}

// Reconstructor holds the client-side view of one run.
type Reconstructor struct {
	mu          sync.Mutex
	run         domain.Run
	abandoned   bool
	manifestSeq int

	newID   func() string
	now     func() time.Time
	onFinal func(domain.Run)
	once    sync.Once
}

// New creates a reconstructor for a pending run.
func New(runID, threadID string, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.run = domain.Run{
		RunID:     runID,
		ThreadID:  threadID,
		Status:    domain.RunStatusPending,
		StartedAt: r.now(),
	}
	return r
}

// Apply folds one decoded frame. Frames arriving after the run is final or
// abandoned are ignored. A frame that contradicts the state already folded
// fails the run with a protocol failure and the violation is returned.
func (r *Reconstructor) Apply(d domain.Delivery) error {
	r.mu.Lock()
	if r.abandoned || r.run.Status.Terminal() {
		r.mu.Unlock()
		return nil
	}

	var err error
	switch f := d.Frame.(type) {
	case domain.Manifest:
		err = r.applyManifest(d.Seq, f)
	case domain.Message:
		err = r.applyMessage(d.Seq, f)
	case domain.ErrorFrame:
		r.finish(domain.RunStatusFailed, domain.FailureFromFrame(f))
	case domain.EndFrame:
		r.finish(domain.RunStatusSucceeded, nil)
	default:
		err = &codec.ProtocolError{Reason: fmt.Sprintf("unsupported frame %T", d.Frame)}
	}
	if err != nil {
		r.finish(domain.RunStatusFailed, domain.ProtocolFailure(err.Error()))
	}
	final := r.run.Status.Terminal()
	r.mu.Unlock()

	if final {
		r.notify()
	}
	return err
}

func (r *Reconstructor) applyManifest(position int, m domain.Manifest) error {
	if r.run.Manifest == nil {
		r.run.Manifest = &m
		r.manifestSeq = position
		r.run.Status = domain.RunStatusRunning
		return nil
	}
	// A re-delivered manifest is harmless; a different one is not.
	prev, _ := domain.FramePayload(*r.run.Manifest)
	next, _ := domain.FramePayload(m)
	if bytes.Equal(prev, next) {
		return nil
	}
	return &codec.ProtocolError{Reason: "conflicting manifest for run"}
}

func (r *Reconstructor) applyMessage(position int, m domain.Message) error {
	if r.run.Status != domain.RunStatusRunning {
		return &codec.ProtocolError{Reason: "message before manifest"}
	}
	if err := m.Validate(); err != nil {
		return &codec.ProtocolError{Reason: err.Error()}
	}

	// Activities are append-only: a known position must repeat its message
	// and a new one must directly follow the last folded position.
	acts := r.run.Activities
	i := sort.Search(len(acts), func(i int) bool { return acts[i].Position >= position })
	if i < len(acts) && acts[i].Position == position {
		if acts[i].SameMessage(m) {
			return nil
		}
		return &codec.ProtocolError{Reason: fmt.Sprintf("conflicting message at position %d", position)}
	}
	next := r.manifestSeq + 1
	if len(acts) > 0 {
		next = acts[len(acts)-1].Position + 1
	}
	if position != next {
		return &codec.ProtocolError{Reason: fmt.Sprintf("message at position %d, expected %d", position, next)}
	}

	r.run.Activities = append(acts, domain.Activity{
		ActivityID: r.newID(),
		ThreadID:   r.run.ThreadID,
		RunID:      r.run.RunID,
		Position:   position,
		Type:       domain.ActivityTypeMessage,
		Role:       m.Role,
		Content:    m.Content,
		CreatedAt:  r.now(),
	})
	return nil
}

// finish must be called with mu held.
func (r *Reconstructor) finish(status domain.RunStatus, failure *domain.Failure) {
	now := r.now()
	r.run.Status = status
	r.run.Failure = failure
	r.run.EndedAt = &now
}

func (r *Reconstructor) notify() {
	if r.onFinal == nil {
		return
	}
	r.once.Do(func() {
		snapshot := r.Snapshot()
		go r.onFinal(snapshot)
	})
}

// Fail records why decoding stopped before a terminal frame. Truncation and
// transport errors fail the run with an unknown final state, protocol errors
// fail it with a protocol failure, and context cancellation abandons it.
func (r *Reconstructor) Fail(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		r.Abandon()
		return
	}

	r.mu.Lock()
	if r.abandoned || r.run.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	if errors.Is(err, codec.ErrProtocol) {
		r.finish(domain.RunStatusFailed, domain.ProtocolFailure(err.Error()))
	} else {
		r.finish(domain.RunStatusFailed, domain.TruncatedFailure(err.Error()))
	}
	r.mu.Unlock()

	r.notify()
}

// Abandon stops folding without changing the run's status. The server-side
// outcome of an abandoned run is unknown to the client.
func (r *Reconstructor) Abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.run.Status.Terminal() {
		r.abandoned = true
	}
}

// Abandoned reports whether the consumer gave up before the run was final.
func (r *Reconstructor) Abandoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abandoned
}

// Final reports whether the run reached succeeded or failed.
func (r *Reconstructor) Final() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Status.Terminal()
}

// Snapshot returns a copy of the current run state.
func (r *Reconstructor) Snapshot() domain.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Clone()
}

package executor

import (
	"context"
	"regexp"
	"strconv"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

var failMarker = regexp.MustCompile(`fail-at:(\d+)`)

// FaultInjector wraps an executor for conformance testing. When the latest
// user input contains "fail-at:N", the N-th message is replaced by a raised
// failure; "fail-at:0" raises before anything is emitted. It must only be
// installed in test mode.
type FaultInjector struct {
	next Executor
}

// NewFaultInjector wraps next.
func NewFaultInjector(next Executor) *FaultInjector {
	return &FaultInjector{next: next}
}

// InjectedFailure is the value raised by a FaultInjector.
func InjectedFailure(at int) map[string]any {
	return map[string]any{"code": "injected_failure", "at": at}
}

// Execute implements Executor.
func (f *FaultInjector) Execute(ctx context.Context, in Input, emit Emitter) error {
	at, ok := failPosition(in.LatestUserContent())
	if !ok {
		return f.next.Execute(ctx, in, emit)
	}
	raised := domain.Raise(InjectedFailure(at))
	if at == 0 {
		return raised
	}

	count := 0
	tripped := false
	err := f.next.Execute(ctx, in, func(ev Event) error {
		if tripped {
			return raised
		}
		if ev.Message != nil {
			count++
			if count == at {
				tripped = true
				return raised
			}
		}
		return emit(ev)
	})
	if tripped {
		return raised
	}
	return err
}

func failPosition(input string) (int, bool) {
	m := failMarker.FindStringSubmatch(input)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

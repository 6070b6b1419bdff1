package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runstream/internal/config"
	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/executor"
	"github.com/xiaot623/gogo/runstream/internal/policy"
	"github.com/xiaot623/gogo/runstream/internal/testutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	frames []domain.Delivery
}

func (p *recordingPublisher) Publish(threadID, runID string, d domain.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, d)
	return nil
}

func (p *recordingPublisher) kinds() []domain.FrameKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.FrameKind
	for _, d := range p.frames {
		out = append(out, d.Frame.Kind())
	}
	return out
}

type fixture struct {
	svc       *Service
	registry  *executor.Registry
	publisher *recordingPublisher
	cfg       *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{
		RunTimeout:      5 * time.Second,
		DefaultExecutor: "echo",
		Environment:     "test",
	}
	if mutate != nil {
		mutate(cfg)
	}

	registry := executor.NewRegistry()
	registry.MustRegister("echo", &executor.Echo{Environment: "test"})
	registry.MustRegister("three", &executor.Scripted{
		Manifest: domain.Manifest{Version: "1.0.2"},
		Messages: []string{"one", "two", "three"},
	})
	registry.MustRegister("raiser", &executor.Scripted{
		Manifest: domain.Manifest{Version: "1"},
		Messages: []string{"partial"},
		Fail:     map[string]any{"code": 5},
	})

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	store := testutil.NewTestSQLiteStore(t)
	return &fixture{
		svc:       New(store, registry, engine, publisher, cfg),
		registry:  registry,
		publisher: publisher,
		cfg:       cfg,
	}
}

func userInput(content string) *domain.InputMessage {
	return &domain.InputMessage{Role: domain.RoleUser, Content: content}
}

func drain(t *testing.T, h *RunHandle) []domain.Frame {
	t.Helper()
	var frames []domain.Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-h.Frames():
			if !ok {
				<-h.Done()
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func TestStartRunSucceeds(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	h, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Executor: "three", Input: userInput("hi")})
	require.NoError(t, err)
	assert.Equal(t, "three", h.Executor)

	frames := drain(t, h)
	require.Len(t, frames, 5)
	assert.Equal(t, domain.Manifest{Version: "1.0.2"}, frames[0])
	assert.Equal(t, domain.EndFrame{}, frames[4])

	run, err := fx.svc.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, "1.0.2", run.Manifest.Version)
	require.Len(t, run.Activities, 3)
	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, run.Activities[i].Content)
		assert.Equal(t, i+1, run.Activities[i].Position)
	}

	activities, err := fx.svc.ListActivities(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, activities, 4)
	assert.Equal(t, domain.RoleUser, activities[0].Role)
	assert.Equal(t, "hi", activities[0].Content)

	assert.Equal(t, []domain.FrameKind{
		domain.FrameKindManifest, domain.FrameKindMessage, domain.FrameKindMessage,
		domain.FrameKindMessage, domain.FrameKindEnd,
	}, fx.publisher.kinds())

	thread, err := fx.svc.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, thread.State)
	assert.Len(t, thread.Runs, 1)
}

func TestStartRunRaisedFailure(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	h, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Executor: "raiser", Input: userInput("hi")})
	require.NoError(t, err)
	frames := drain(t, h)
	require.Len(t, frames, 3)

	run, err := fx.svc.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Len(t, run.Activities, 1)
	require.NotNil(t, run.Failure)
	assert.Equal(t, domain.FailureRaised, run.Failure.Kind)
	assert.JSONEq(t, `{"code":5}`, run.Failure.Detail.String())
}

func TestDetachedRunKeepsPersisting(t *testing.T) {
	fx := newFixture(t, nil)
	release := make(chan struct{})
	fx.registry.MustRegister("slow", executor.Func(func(ctx context.Context, in executor.Input, emit executor.Emitter) error {
		if err := emit(executor.ManifestEvent("slow/1", "", nil)); err != nil {
			return err
		}
		<-release
		return emit(executor.MessageEvent(domain.RoleAssistant, "late"))
	}))
	ctx := context.Background()

	h, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Executor: "slow", Input: userInput("hi")})
	require.NoError(t, err)
	<-h.Frames()
	h.Detach()
	close(release)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("detached run did not finish")
	}

	run, err := fx.svc.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	require.Len(t, run.Activities, 1)
	assert.Equal(t, "late", run.Activities[0].Content)
}

func TestStartRunTimesOut(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) { cfg.RunTimeout = 50 * time.Millisecond })
	fx.registry.MustRegister("stuck", &executor.Scripted{
		Manifest: domain.Manifest{Version: "1"},
		Messages: []string{"never"},
		Delay:    time.Hour,
	})
	ctx := context.Background()

	h, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Executor: "stuck", Input: userInput("hi")})
	require.NoError(t, err)
	drain(t, h)

	run, err := fx.svc.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, `"context deadline exceeded"`, run.Failure.Detail.String())
}

func TestFailureInjectionOnlyInTestMode(t *testing.T) {
	ctx := context.Background()

	t.Run("test mode", func(t *testing.T) {
		fx := newFixture(t, func(cfg *config.Config) { cfg.RunMode = config.RunModeTest })
		h, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Executor: "three", Input: userInput("fail-at:2")})
		require.NoError(t, err)
		drain(t, h)

		run, err := fx.svc.GetRun(ctx, h.RunID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusFailed, run.Status)
		assert.Len(t, run.Activities, 1)
		assert.JSONEq(t, `{"code":"injected_failure","at":2}`, run.Failure.Detail.String())
	})

	t.Run("production", func(t *testing.T) {
		fx := newFixture(t, nil)
		h, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Executor: "three", Input: userInput("fail-at:2")})
		require.NoError(t, err)
		drain(t, h)

		run, err := fx.svc.GetRun(ctx, h.RunID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	})
}

func TestContractViolationIsProtocolFailure(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registry.MustRegister("rude", executor.Func(func(ctx context.Context, in executor.Input, emit executor.Emitter) error {
		return emit(executor.MessageEvent(domain.RoleAssistant, "no manifest"))
	}))
	ctx := context.Background()

	h, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Executor: "rude", Input: userInput("hi")})
	require.NoError(t, err)
	frames := drain(t, h)
	require.Len(t, frames, 1)
	assert.IsType(t, domain.ErrorFrame{}, frames[0])

	run, err := fx.svc.GetRun(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.FailureProtocol, run.Failure.Kind)
	assert.Empty(t, run.Activities)
}

func TestExecutorSeesHistory(t *testing.T) {
	fx := newFixture(t, nil)
	var seen executor.Input
	fx.registry.MustRegister("spy", executor.Func(func(ctx context.Context, in executor.Input, emit executor.Emitter) error {
		seen = in
		return emit(executor.ManifestEvent("spy/1", "", nil))
	}))
	ctx := context.Background()

	h, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Input: userInput("first")})
	require.NoError(t, err)
	drain(t, h)

	h, err = fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{
		Executor: "spy",
		Input:    userInput("second"),
		Metadata: map[string]any{"locale": "en"},
	})
	require.NoError(t, err)
	drain(t, h)

	assert.Equal(t, h.RunID, seen.RunID)
	assert.Equal(t, "en", seen.Metadata["locale"])
	require.Len(t, seen.History, 3)
	assert.Equal(t, "first", seen.History[0].Content)
	assert.Equal(t, "first", seen.History[1].Content, "echo reply")
	assert.Equal(t, domain.RoleAssistant, seen.History[1].Role)
	assert.Equal(t, "second", seen.LatestUserContent())
}

func TestThreadAgentSelectsExecutor(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.svc.CreateThread(ctx, domain.CreateThreadRequest{
		ThreadID: "t1",
		Metadata: map[string]any{"agent": "three"},
	})
	require.NoError(t, err)

	h, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Input: userInput("hi")})
	require.NoError(t, err)
	assert.Equal(t, "three", h.Executor)
	drain(t, h)
}

func TestStartRunRejectsBadRequests(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Input: userInput("   ")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = fx.svc.StartRun(ctx, "t1", domain.StartRunRequest{Executor: "ghost", Input: userInput("hi")})
	assert.ErrorIs(t, err, executor.ErrNotFound)
}

func TestStartRunMintsThreadID(t *testing.T) {
	fx := newFixture(t, nil)
	h, err := fx.svc.StartRun(context.Background(), "", domain.StartRunRequest{Input: userInput("hi")})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ThreadID)
	drain(t, h)
}

func TestThreadQueries(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	created, err := fx.svc.CreateThread(ctx, domain.CreateThreadRequest{Title: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ThreadID)

	_, err = fx.svc.CreateThread(ctx, domain.CreateThreadRequest{ThreadID: created.ThreadID})
	assert.ErrorIs(t, err, ErrThreadExists)

	summary, err := fx.svc.GetThread(ctx, created.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, summary.State)
	assert.Equal(t, "hello", summary.Title)

	_, err = fx.svc.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	_, err = fx.svc.ListActivities(ctx, "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	_, err = fx.svc.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	threads, err := fx.svc.ListThreads(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, threads, 1)

	assert.Equal(t, []string{"echo", "raiser", "three"}, fx.svc.ListExecutors())
}

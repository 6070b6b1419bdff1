package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runstream/internal/codec"
	"github.com/xiaot623/gogo/runstream/internal/domain"
)

type recorder struct {
	events []Event
	failAt int
}

func (r *recorder) emit(ev Event) error {
	if r.failAt > 0 && len(r.events)+1 == r.failAt {
		return errors.New("consumer gone")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) messages() []string {
	var out []string
	for _, ev := range r.events {
		if ev.Message != nil {
			out = append(out, ev.Message.Content)
		}
	}
	return out
}

func userInput(content string) Input {
	return Input{
		ThreadID: "t1",
		RunID:    "r1",
		History: []domain.HistoryRecord{
			{Role: domain.RoleUser, Content: "earlier", Type: domain.ActivityTypeMessage},
			{Role: domain.RoleAssistant, Content: "reply", Type: domain.ActivityTypeMessage},
			{Role: domain.RoleUser, Content: content, Type: domain.ActivityTypeMessage},
		},
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("b", &Echo{}))
	require.NoError(t, reg.Register("a", &Echo{}))

	assert.Error(t, reg.Register("a", &Echo{}))
	assert.Error(t, reg.Register("", &Echo{}))
	assert.Error(t, reg.Register("c", nil))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	_, err := reg.Get("a")
	assert.NoError(t, err)
	_, err = reg.Get("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Panics(t, func() { reg.MustRegister("a", &Echo{}) })
}

func TestLatestUserContent(t *testing.T) {
	assert.Equal(t, "now", userInput("now").LatestUserContent())
	assert.Equal(t, "", Input{}.LatestUserContent())
}

func TestEcho(t *testing.T) {
	rec := &recorder{}
	require.NoError(t, (&Echo{Environment: "dev"}).Execute(context.Background(), userInput("hello"), rec.emit))
	require.Len(t, rec.events, 2)
	assert.Equal(t, EchoVersion, rec.events[0].Manifest.Version)
	assert.Equal(t, "dev", rec.events[0].Manifest.Environment)
	assert.Equal(t, []string{"hello"}, rec.messages())
}

func TestScripted(t *testing.T) {
	s := &Scripted{
		Manifest: domain.Manifest{Version: "1.0.2", Environment: "staging"},
		Messages: []string{"you said {input}", "bye"},
		Delay:    time.Millisecond,
	}
	rec := &recorder{}
	require.NoError(t, s.Execute(context.Background(), userInput("hi"), rec.emit))
	assert.Equal(t, "1.0.2", rec.events[0].Manifest.Version)
	assert.Equal(t, []string{"you said hi", "bye"}, rec.messages())
}

func TestScriptedRaisesFailValue(t *testing.T) {
	s := &Scripted{
		Manifest: domain.Manifest{Version: "1"},
		Messages: []string{"one"},
		Fail:     map[string]any{"code": 5},
	}
	rec := &recorder{}
	err := s.Execute(context.Background(), userInput("x"), rec.emit)
	var raised *domain.Raised
	require.True(t, errors.As(err, &raised))
	assert.JSONEq(t, `{"code":5}`, domain.DetailOf(err).String())
	assert.Equal(t, []string{"one"}, rec.messages())
}

func TestScriptedStopsWhenConsumerGone(t *testing.T) {
	s := &Scripted{Manifest: domain.Manifest{Version: "1"}, Messages: []string{"one", "two", "three"}}
	rec := &recorder{failAt: 2}
	assert.Error(t, s.Execute(context.Background(), userInput("x"), rec.emit))
	assert.Len(t, rec.events, 1)
}

func TestScriptedHonorsContext(t *testing.T) {
	s := &Scripted{Manifest: domain.Manifest{Version: "1"}, Messages: []string{"one"}, Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Execute(ctx, userInput("x"), (&recorder{}).emit)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFaultInjector(t *testing.T) {
	inner := &Scripted{Manifest: domain.Manifest{Version: "1"}, Messages: []string{"one", "two", "three"}}
	f := NewFaultInjector(inner)

	t.Run("no marker", func(t *testing.T) {
		rec := &recorder{}
		require.NoError(t, f.Execute(context.Background(), userInput("plain"), rec.emit))
		assert.Equal(t, []string{"one", "two", "three"}, rec.messages())
	})

	t.Run("fail at second message", func(t *testing.T) {
		rec := &recorder{}
		err := f.Execute(context.Background(), userInput("please fail-at:2 now"), rec.emit)
		require.Error(t, err)
		assert.JSONEq(t, `{"code":"injected_failure","at":2}`, domain.DetailOf(err).String())
		assert.Equal(t, []string{"one"}, rec.messages())
		assert.NotNil(t, rec.events[0].Manifest)
	})

	t.Run("fail before anything", func(t *testing.T) {
		rec := &recorder{}
		err := f.Execute(context.Background(), userInput("fail-at:0"), rec.emit)
		require.Error(t, err)
		assert.Empty(t, rec.events)
	})

	t.Run("marker beyond output", func(t *testing.T) {
		rec := &recorder{}
		require.NoError(t, f.Execute(context.Background(), userInput("fail-at:9"), rec.emit))
		assert.Len(t, rec.messages(), 3)
	})
}

func TestParseCatalogue(t *testing.T) {
	data := []byte(`
executors:
  - name: greeter
    version: 1.0.2
    environment: staging
    metadata:
      model: demo
    delay_ms: 5
    messages:
      - "hello {input}"
      - "goodbye"
  - name: broken
    kind: scripted
    version: "2"
    messages: ["partial"]
    fail:
      code: 5
  - name: upstream
    kind: remote
    endpoint: http://agent:9000
    timeout_ms: 1000
`)
	c, err := ParseCatalogue(data)
	require.NoError(t, err)
	require.Len(t, c.Executors, 3)

	reg := NewRegistry()
	require.NoError(t, c.RegisterAll(reg))
	assert.Equal(t, []string{"broken", "greeter", "upstream"}, reg.Names())

	exec, err := reg.Get("greeter")
	require.NoError(t, err)
	scripted := exec.(*Scripted)
	assert.Equal(t, "1.0.2", scripted.Manifest.Version)
	assert.Equal(t, "demo", scripted.Manifest.Metadata["model"])
	assert.Equal(t, 5*time.Millisecond, scripted.Delay)

	exec, err = reg.Get("broken")
	require.NoError(t, err)
	err = exec.Execute(context.Background(), userInput("x"), (&recorder{}).emit)
	assert.JSONEq(t, `{"code":5}`, domain.DetailOf(err).String())

	exec, err = reg.Get("upstream")
	require.NoError(t, err)
	assert.IsType(t, &Remote{}, exec)
}

func TestParseCatalogueValidation(t *testing.T) {
	cases := map[string]string{
		"missing name":     "executors:\n  - version: '1'\n",
		"missing version":  "executors:\n  - name: a\n",
		"empty message":    "executors:\n  - name: a\n    version: '1'\n    messages: ['']\n",
		"missing endpoint": "executors:\n  - name: a\n    kind: remote\n",
		"unknown kind":     "executors:\n  - name: a\n    kind: grpc\n",
		"bad yaml":         "executors: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalogue([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalogueMissingFile(t *testing.T) {
	_, err := LoadCatalogue(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)
}

func newAgentServer(t *testing.T, frames []domain.Frame, gotReq *domain.InvokeRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("X-Run-ID") != "r1" {
			t.Errorf("missing X-Run-ID header")
		}
		body, _ := io.ReadAll(r.Body)
		if gotReq != nil {
			_ = json.Unmarshal(body, gotReq)
		}
		sw := codec.NewStreamWriter(w)
		for _, f := range frames {
			if err := sw.WriteFrame(f); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRemoteProxiesFrames(t *testing.T) {
	var got domain.InvokeRequest
	server := newAgentServer(t, []domain.Frame{
		domain.Manifest{Version: "remote/3", Environment: "prod"},
		domain.Message{Role: domain.RoleAssistant, Content: "from upstream"},
		domain.EndFrame{},
	}, &got)

	rec := &recorder{}
	require.NoError(t, NewRemote(server.URL, time.Second).Execute(context.Background(), userInput("hi"), rec.emit))
	assert.Equal(t, "remote/3", rec.events[0].Manifest.Version)
	assert.Equal(t, []string{"from upstream"}, rec.messages())
	assert.Equal(t, "t1", got.ThreadID)
	assert.Len(t, got.History, 3)
}

func TestRemoteReraisesUpstreamDetail(t *testing.T) {
	server := newAgentServer(t, []domain.Frame{
		domain.Manifest{Version: "remote/3"},
		domain.ErrorFrame{Detail: domain.Detail(`{"code":5,"nested":[1,2]}`)},
	}, nil)

	err := NewRemote(server.URL, time.Second).Execute(context.Background(), userInput("hi"), (&recorder{}).emit)
	require.Error(t, err)
	assert.JSONEq(t, `{"code":5,"nested":[1,2]}`, domain.DetailOf(err).String())
}

func TestRemoteTruncatedUpstream(t *testing.T) {
	server := newAgentServer(t, []domain.Frame{domain.Manifest{Version: "remote/3"}}, nil)
	err := NewRemote(server.URL, time.Second).Execute(context.Background(), userInput("hi"), (&recorder{}).emit)
	assert.ErrorIs(t, err, codec.ErrTruncated)
}

func TestRemoteStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewRemote(server.URL, time.Second).Execute(context.Background(), userInput("hi"), (&recorder{}).emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestExampleCatalogueFile(t *testing.T) {
	c, err := LoadCatalogue(filepath.Join("..", "..", "examples", "executors.yaml"))
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, c.RegisterAll(reg))
	assert.Equal(t, []string{"flaky", "greeter", "upstream"}, reg.Names())
}

package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flexllama/internal/catalog"
	"flexllama/internal/config"
	"flexllama/internal/runner"
	"flexllama/pkg/types"
)

type fakeChild struct {
	mu    sync.Mutex
	alive bool
}

func (c *fakeChild) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}
func (c *fakeChild) Pid() int { return 1 }

func (c *fakeChild) WaitPortReady(string, int, time.Duration) error { return nil }
func (c *fakeChild) Stop(time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

type fakeLauncher struct{}

func (fakeLauncher) Start(catalog.Launch, string, string, uint64) (runner.Child, error) {
	return &fakeChild{alive: true}, nil
}

// newFixture wires one runner ("r1", models m1+m2) against a live
// upstream handler and returns the aggregator over it.
func newFixture(t *testing.T, upstream http.Handler) (*Aggregator, *runner.Runner) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := config.Config{
		Runners: map[string]config.RunnerConfig{
			"r1": {ID: "r1", Path: "/usr/bin/llama-server", Host: host, Port: port},
		},
		Models: []config.ModelConfig{
			{Model: "/models/m1.gguf", ModelAlias: "m1", Runner: "r1"},
			{Model: "/models/m2.gguf", ModelAlias: "m2", Runner: "r1"},
		},
	}
	cat, err := catalog.New(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	r := runner.New(cfg.Runners["r1"], cat, t.TempDir(), nil, zerolog.Nop())
	r.SetLauncher(fakeLauncher{})
	agg := New(cat, map[string]*runner.Runner{"r1": r}, zerolog.Nop())
	return agg, r
}

func TestAggregatorNotRunning(t *testing.T) {
	agg, _ := newFixture(t, http.NotFoundHandler())
	agg.Refresh(context.Background())
	mh := agg.ModelHealth()
	for _, alias := range []string{"m1", "m2"} {
		if mh[alias].Status != types.HealthNotRunning {
			t.Fatalf("%s=%+v", alias, mh[alias])
		}
	}
}

func TestAggregatorOKAndNotLoaded(t *testing.T) {
	agg, r := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if err := r.EnsureLoaded(context.Background(), "m1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	agg.Refresh(context.Background())
	mh := agg.ModelHealth()
	if mh["m1"].Status != types.HealthOK || mh["m1"].Message != types.MsgReady {
		t.Fatalf("m1=%+v", mh["m1"])
	}
	if mh["m2"].Status != types.HealthNotLoaded {
		t.Fatalf("m2=%+v", mh["m2"])
	}
}

func TestAggregatorLoading(t *testing.T) {
	agg, r := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"Loading model"}}`))
	}))
	if err := r.EnsureLoaded(context.Background(), "m1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	agg.Refresh(context.Background())
	if got := agg.ModelHealth()["m1"]; got.Status != types.HealthLoading {
		t.Fatalf("m1=%+v", got)
	}
}

func TestAggregatorUpstreamError(t *testing.T) {
	agg, r := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	if err := r.EnsureLoaded(context.Background(), "m1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	agg.Refresh(context.Background())
	got := agg.ModelHealth()["m1"]
	if got.Status != types.HealthError || got.Message == "" {
		t.Fatalf("m1=%+v", got)
	}
}

func TestIsLoadingBody(t *testing.T) {
	if !IsLoadingBody([]byte(`{"error":{"message":"Model is LOADING"}}`)) {
		t.Fatalf("expected loading marker match")
	}
	if IsLoadingBody([]byte(`{"error":{"message":"out of memory"}}`)) {
		t.Fatalf("unexpected match")
	}
}

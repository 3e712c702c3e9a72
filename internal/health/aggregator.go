package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"flexllama/internal/catalog"
	"flexllama/internal/runner"
	"flexllama/pkg/types"
)

const (
	defaultInterval = 2 * time.Second
	probeTimeout    = 3 * time.Second
	maxProbeBody    = 4096
)

// Aggregator polls runner liveness and per-model readiness in the
// background and caches the derived status per alias. It is strictly
// read-only with respect to runner state.
type Aggregator struct {
	log      zerolog.Logger
	cat      *catalog.Catalog
	runners  map[string]*runner.Runner
	client   *http.Client
	interval time.Duration

	mu     sync.RWMutex
	models map[string]types.ModelHealth
}

// New builds an aggregator over the supervisor's runners.
func New(cat *catalog.Catalog, runners map[string]*runner.Runner, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		log:      logger.With().Str("component", "health").Logger(),
		cat:      cat,
		runners:  runners,
		client:   &http.Client{Timeout: probeTimeout},
		interval: defaultInterval,
		models:   map[string]types.ModelHealth{},
	}
}

// Run refreshes immediately and then on every tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	a.Refresh(ctx)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Refresh(ctx)
		}
	}
}

// Refresh probes every alias once and replaces the cached snapshot.
func (a *Aggregator) Refresh(ctx context.Context) {
	fresh := make(map[string]types.ModelHealth, len(a.cat.Aliases()))
	for _, alias := range a.cat.Aliases() {
		fresh[alias] = a.probe(ctx, alias)
	}
	a.mu.Lock()
	a.models = fresh
	a.mu.Unlock()
}

// ModelHealth returns the cached per-alias statuses.
func (a *Aggregator) ModelHealth() map[string]types.ModelHealth {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]types.ModelHealth, len(a.models))
	for k, v := range a.models {
		out[k] = v
	}
	return out
}

func (a *Aggregator) probe(ctx context.Context, alias string) types.ModelHealth {
	spec, ok := a.cat.Lookup(alias)
	if !ok {
		return types.ModelHealth{Status: types.HealthError, Message: types.MsgNoRunnerAvailable}
	}
	r, ok := a.runners[spec.RunnerID]
	if !ok {
		return types.ModelHealth{Status: types.HealthError, Message: types.MsgNoRunnerAvailable}
	}
	if !r.Alive() {
		return types.ModelHealth{Status: types.HealthNotRunning, Message: types.MsgRunnerNotRunning}
	}
	if cur, loaded := r.CurrentModel(); !loaded || cur != alias {
		return types.ModelHealth{Status: types.HealthNotLoaded, Message: types.MsgModelNotLoaded}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL()+"/health", nil)
	if err != nil {
		return types.ModelHealth{Status: types.HealthError, Message: err.Error()}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return types.ModelHealth{Status: types.HealthError, Message: types.MsgHealthCheckTimeout}
		}
		return types.ModelHealth{Status: types.HealthError, Message: types.MsgConnectionError + ": " + err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))

	switch {
	case resp.StatusCode == http.StatusOK:
		return types.ModelHealth{Status: types.HealthOK, Message: types.MsgReady}
	case resp.StatusCode == http.StatusServiceUnavailable && IsLoadingBody(body):
		return types.ModelHealth{Status: types.HealthLoading, Message: types.MsgModelLoading}
	default:
		return types.ModelHealth{
			Status:  types.HealthError,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, excerpt(body)),
		}
	}
}

// IsLoadingBody reports whether an upstream 503 body carries the "model
// still loading" marker. llama-server does not pin an exact shape, so a
// case-insensitive substring match is used.
func IsLoadingBody(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "loading")
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

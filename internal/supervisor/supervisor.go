package supervisor

import (
	"context"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"flexllama/internal/catalog"
	"flexllama/internal/config"
	"flexllama/internal/runner"
	"flexllama/pkg/types"
)

// idleTickInterval is how often idle runners are checked for auto-unload.
const idleTickInterval = time.Second

// Supervisor owns every runner, maps aliases to runners and drives the
// idle-unload timer. It is the one process-wide singleton, constructed at
// startup and handed to the router.
type Supervisor struct {
	log     zerolog.Logger
	cfg     config.Config
	cat     *catalog.Catalog
	runners map[string]*runner.Runner
	order   []string
	health  ModelHealthSource
}

// ModelHealthSource provides cached per-alias health, normally the
// background aggregator.
type ModelHealthSource interface {
	ModelHealth() map[string]types.ModelHealth
}

// New builds the supervisor and one runner per configured slot.
func New(cfg config.Config, cat *catalog.Catalog, sessionLogDir string, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		log:     logger.With().Str("component", "supervisor").Logger(),
		cfg:     cfg,
		cat:     cat,
		runners: make(map[string]*runner.Runner, len(cfg.Runners)),
	}
	environ := os.Environ()
	for id, rc := range cfg.Runners {
		s.runners[id] = runner.New(rc, cat, sessionLogDir, environ, logger)
		s.order = append(s.order, id)
	}
	sort.Strings(s.order)
	return s
}

// Catalog returns the immutable model catalog.
func (s *Supervisor) Catalog() *catalog.Catalog { return s.cat }

// Runners returns the runner table, keyed by id. The map is a copy; the
// runners are shared.
func (s *Supervisor) Runners() map[string]*runner.Runner {
	out := make(map[string]*runner.Runner, len(s.runners))
	for id, r := range s.runners {
		out[id] = r
	}
	return out
}

// SetHealth installs the health aggregator consulted by Health().
func (s *Supervisor) SetHealth(src ModelHealthSource) { s.health = src }

// Health assembles the aggregate /health payload from runner snapshots
// and the cached per-model health.
func (s *Supervisor) Health() types.HealthResponse {
	now := time.Now()
	resp := types.HealthResponse{
		Status:              "ok",
		ActiveRunners:       make(map[string]bool, len(s.order)),
		RunnerCurrentModels: make(map[string]*string, len(s.order)),
		RunnerInfo:          make(map[string]types.RunnerInfo, len(s.order)),
		ModelHealth:         map[string]types.ModelHealth{},
	}
	for _, id := range s.order {
		r := s.runners[id]
		snap := r.Snapshot()
		var current *string
		if snap.CurrentModel != "" {
			m := snap.CurrentModel
			current = &m
		}
		resp.ActiveRunners[id] = snap.Alive
		resp.RunnerCurrentModels[id] = current
		info := types.RunnerInfo{
			Host:                     r.Host(),
			Port:                     r.Port(),
			CurrentModel:             current,
			IsActive:                 snap.Alive,
			AutoUnloadTimeoutSeconds: r.AutoUnloadTimeoutSeconds(),
		}
		if remaining, armed := r.IdleCountdownSeconds(now); armed {
			info.AutoUnloadCountdownSeconds = &remaining
		}
		resp.RunnerInfo[id] = info
	}
	if s.health != nil {
		resp.ModelHealth = s.health.ModelHealth()
	}
	return resp
}

// RunnersStatus reports per-runner status for the control API.
func (s *Supervisor) RunnersStatus() map[string]types.RunnerStatus {
	out := make(map[string]types.RunnerStatus, len(s.order))
	for _, id := range s.order {
		r := s.runners[id]
		snap := r.Snapshot()
		var current *string
		if snap.CurrentModel != "" {
			m := snap.CurrentModel
			current = &m
		}
		out[id] = types.RunnerStatus{
			IsRunning:       snap.Alive,
			CurrentModel:    current,
			AvailableModels: r.Assigned(),
			Host:            r.Host(),
			Port:            r.Port(),
		}
	}
	return out
}

// Models lists the catalog in the OpenAI wire shape.
func (s *Supervisor) Models() []types.Model {
	aliases := s.cat.Aliases()
	now := time.Now().Unix()
	out := make([]types.Model, 0, len(aliases))
	for _, alias := range aliases {
		out = append(out, types.Model{
			ID:      alias,
			Object:  "model",
			Created: now,
			OwnedBy: "user",
		})
	}
	return out
}

// Runner returns the runner for an id.
func (s *Supervisor) Runner(id string) (*runner.Runner, bool) {
	r, ok := s.runners[id]
	return r, ok
}

// RunnerIDs returns every configured runner id.
func (s *Supervisor) RunnerIDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// ResolveAlias maps the requested model name to a catalog alias. An empty
// request falls back to the first declared model.
func (s *Supervisor) ResolveAlias(requested string) (string, error) {
	if requested == "" {
		requested = s.cat.DefaultAlias()
		if requested == "" {
			return "", ErrUnknownModel("(unspecified)")
		}
		return requested, nil
	}
	if _, ok := s.cat.Lookup(requested); !ok {
		return "", ErrUnknownModel(requested)
	}
	return requested, nil
}

// RequireKind verifies that alias is of the wanted kind.
func (s *Supervisor) RequireKind(alias string, want catalog.Kind) error {
	spec, ok := s.cat.Lookup(alias)
	if !ok {
		return ErrUnknownModel(alias)
	}
	if spec.Kind != want {
		return ErrKindMismatch(alias, string(want))
	}
	return nil
}

// Prepare resolves the alias to its runner and ensures the model is
// loaded, driving any required swap.
func (s *Supervisor) Prepare(ctx context.Context, alias string) error {
	spec, ok := s.cat.Lookup(alias)
	if !ok {
		return ErrUnknownModel(alias)
	}
	return s.runners[spec.RunnerID].EnsureLoaded(ctx, alias)
}

// Forward proxies one request body to the runner serving alias. The
// returned release must be called after the response body is consumed.
func (s *Supervisor) Forward(ctx context.Context, alias, path string, body []byte, hdr http.Header) (*http.Response, func(), error) {
	spec, ok := s.cat.Lookup(alias)
	if !ok {
		return nil, nil, ErrUnknownModel(alias)
	}
	return s.runners[spec.RunnerID].Forward(ctx, alias, path, body, hdr)
}

// StartRunner loads the default model on a runner.
func (s *Supervisor) StartRunner(ctx context.Context, id string) error {
	r, ok := s.runners[id]
	if !ok {
		return ErrUnknownRunner(id)
	}
	return r.Start(ctx)
}

// StopRunner drains and stops a runner.
func (s *Supervisor) StopRunner(_ context.Context, id string) error {
	r, ok := s.runners[id]
	if !ok {
		return ErrUnknownRunner(id)
	}
	return r.Stop()
}

// RestartRunner drains, stops and reloads a runner.
func (s *Supervisor) RestartRunner(ctx context.Context, id string) error {
	r, ok := s.runners[id]
	if !ok {
		return ErrUnknownRunner(id)
	}
	return r.Restart(ctx)
}

// AutostartDefaults warms each runner's default model concurrently.
// Individual failures are logged, not fatal: the model is retried on
// first use.
func (s *Supervisor) AutostartDefaults(ctx context.Context) {
	if !s.cfg.AutoStartRunners {
		s.log.Info().Msg("auto-start disabled, skipping runner warm-up")
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range s.order {
		r := s.runners[id]
		if len(r.Assigned()) == 0 {
			s.log.Warn().Str("runner", id).Msg("no models assigned, skipping auto-start")
			continue
		}
		g.Go(func() error {
			if err := r.Start(ctx); err != nil {
				s.log.Error().Err(err).Str("runner", r.ID()).Msg("auto-start failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RunIdleUnloader blocks, checking all runners at ~1 Hz and unloading the
// ones whose idle timeout elapsed. Returns when ctx is done.
func (s *Supervisor) RunIdleUnloader(ctx context.Context) {
	ticker := time.NewTicker(idleTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range s.order {
				s.runners[id].UnloadIfIdle(now)
			}
		}
	}
}

// Shutdown stops every runner concurrently. The caller bounds the wait
// via ctx; runners that cannot drain in time are abandoned to process
// exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("stopping all runners")
	g := new(errgroup.Group)
	done := make(chan struct{})
	for _, id := range s.order {
		r := s.runners[id]
		g.Go(func() error {
			return r.Unload()
		})
	}
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("all runners stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown deadline reached before all runners stopped")
		return ctx.Err()
	}
}

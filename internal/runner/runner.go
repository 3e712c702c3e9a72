package runner

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"flexllama/internal/catalog"
	"flexllama/internal/config"
)

// Status is the lifecycle state of a runner slot.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLaunching Status = "launching"
	StatusReady     Status = "ready"
	StatusBusy      Status = "busy"
	StatusStopping  Status = "stopping"
	StatusFailed    Status = "failed"
)

// killGrace is how long a stopped process gets between SIGTERM and SIGKILL.
const killGrace = 3 * time.Second

// Runner owns one child-process slot: at most one process, at most one
// model loaded, bound to one host:port. All state transitions happen under
// the load lock; forwards hold it only long enough to be counted.
type Runner struct {
	id      string
	cfg     config.RunnerConfig
	cat     *catalog.Catalog
	log     zerolog.Logger
	launch  Launcher
	client  *http.Client
	logPath string
	environ []string

	mu           sync.Mutex
	cond         *sync.Cond
	status       Status
	current      string
	child        Child
	inFlight     int
	lastActivity time.Time
	lastErr      string
	gen          uint64

	// Serializes explicit control operations (start/stop/restart).
	ctrlMu sync.Mutex
}

// New constructs an idle runner. environ is the parent environment passed
// to children that inherit it; logDir receives the per-runner log sink.
func New(cfg config.RunnerConfig, cat *catalog.Catalog, logDir string, environ []string, logger zerolog.Logger) *Runner {
	// The client timeout stays zero: every upstream call carries a
	// context with its own deadline.
	r := &Runner{
		id:      cfg.ID,
		cfg:     cfg,
		cat:     cat,
		log:     logger.With().Str("runner", cfg.ID).Logger(),
		launch:  ProcessLauncher{},
		client:  &http.Client{Timeout: 0},
		logPath: filepath.Join(logDir, cfg.ID+".log"),
		environ: environ,
		status:  StatusIdle,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// SetLauncher replaces the process launcher. Used by tests and callers
// that need a different spawn strategy.
func (r *Runner) SetLauncher(l Launcher) { r.launch = l }

// ID returns the runner id.
func (r *Runner) ID() string { return r.id }

// Host returns the bind host of the managed process.
func (r *Runner) Host() string { return r.cfg.Host }

// Port returns the bind port of the managed process.
func (r *Runner) Port() int { return r.cfg.Port }

// BaseURL returns the local endpoint requests are forwarded to.
func (r *Runner) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", r.cfg.Host, r.cfg.Port)
}

// Assigned returns the aliases this runner may load.
func (r *Runner) Assigned() []string { return r.cat.ForRunner(r.id) }

// AutoUnloadTimeoutSeconds returns the configured idle timeout in seconds.
func (r *Runner) AutoUnloadTimeoutSeconds() int { return r.cfg.AutoUnloadTimeoutSeconds }

// EnsureLoaded guarantees that this runner is serving alias: fast no-op if
// it already is, otherwise a full swap (drain, stop, spawn, port wait).
// Concurrent calls for the same alias coalesce; calls for different
// aliases serialize on the load lock. Cancellable until the spawn begins;
// after that the load runs to ready or failed.
func (r *Runner) EnsureLoaded(ctx context.Context, alias string) error {
	spec, ok := r.cat.Lookup(alias)
	if !ok || spec.RunnerID != r.id {
		return ErrLoad(r.id, "model "+alias+" is not assigned to this runner")
	}

	// Wake waiters when the caller gives up so the wait loop can observe
	// ctx.Err.
	stopWatch := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stopWatch()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case r.status == StatusReady && r.current == alias && r.child != nil && r.child.Alive():
			r.lastActivity = time.Now()
			return nil
		case r.status == StatusLaunching || r.status == StatusStopping:
			r.cond.Wait()
		case r.status == StatusReady && r.inFlight > 0:
			// Drain in-flight requests before any swap.
			r.cond.Wait()
		default:
			return r.swapLocked(ctx, spec)
		}
	}
}

// swapLocked performs stop-of-previous plus launch-of-new. Called with the
// load lock held and a quiescent runner (no in-flight requests, no other
// transition running); returns with the lock held.
func (r *Runner) swapLocked(ctx context.Context, spec catalog.ModelSpec) error {
	if r.child != nil {
		r.stopChildLocked()
		swapsTotal.WithLabelValues(r.id).Inc()
	}

	// Nothing is running here, so cancellation is still safe.
	if err := ctx.Err(); err != nil {
		r.cond.Broadcast()
		return err
	}

	r.gen++
	gen := r.gen
	r.status = StatusLaunching
	r.lastErr = ""
	r.cond.Broadcast()

	launch, err := catalog.BuildLaunch(r.cfg, spec, r.environ)
	if err != nil {
		return r.failLocked(err)
	}

	r.mu.Unlock()
	r.log.Info().
		Str("model", spec.Alias).
		Uint64("gen", gen).
		Str("exe", launch.Argv[0]).
		Msg("launching process")
	child, err := r.launch.Start(launch, r.logPath, spec.Alias, gen)
	if err == nil {
		spawnsTotal.WithLabelValues(r.id).Inc()
		if werr := child.WaitPortReady(r.cfg.Host, r.cfg.Port, r.cfg.LaunchTimeout()); werr != nil {
			child.Stop(killGrace)
			err = werr
		}
	}
	r.mu.Lock()
	if err != nil {
		r.log.Error().Err(err).Str("model", spec.Alias).Msg("launch failed")
		return r.failLocked(err)
	}
	r.child = child
	r.current = spec.Alias
	r.status = StatusReady
	r.lastActivity = time.Now()
	r.cond.Broadcast()
	r.log.Info().Str("model", spec.Alias).Int("pid", child.Pid()).Msg("runner ready")
	return nil
}

// failLocked records a load failure. The runner is recoverable: the next
// EnsureLoaded clears the error and retries a fresh spawn.
func (r *Runner) failLocked(cause error) error {
	r.status = StatusFailed
	r.lastErr = cause.Error()
	r.child = nil
	r.current = ""
	r.cond.Broadcast()
	return ErrLoad(r.id, cause.Error())
}

// Headers copied through to the upstream process.
var forwardedHeaders = []string{"Authorization", "Accept"}

// Forward opens an upstream HTTP call for alias. On success the caller
// owns resp.Body and must invoke release exactly once after consuming it;
// release decrements the in-flight count and wakes any pending swap.
func (r *Runner) Forward(ctx context.Context, alias, path string, body []byte, header http.Header) (*http.Response, func(), error) {
	r.mu.Lock()
	if r.status != StatusReady || r.current != alias || r.child == nil || !r.child.Alive() {
		r.mu.Unlock()
		return nil, nil, ErrNotReady(r.id, alias)
	}
	r.inFlight++
	r.lastActivity = time.Now()
	inFlightGauge.WithLabelValues(r.id).Inc()
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			r.inFlight--
			r.lastActivity = time.Now()
			inFlightGauge.WithLabelValues(r.id).Dec()
			r.cond.Broadcast()
			r.mu.Unlock()
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL()+path, bytes.NewReader(body))
	if err != nil {
		release()
		return nil, nil, ErrUpstream(r.id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, h := range forwardedHeaders {
		if v := header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		release()
		if cerr := ctx.Err(); cerr != nil {
			return nil, nil, cerr
		}
		return nil, nil, ErrUpstream(r.id, err)
	}
	return resp, release, nil
}

// Unload drains in-flight requests, stops the process and clears the
// loaded model. Idempotent; a failed runner is reset to idle.
func (r *Runner) Unload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		switch {
		case r.status == StatusLaunching || r.status == StatusStopping:
			r.cond.Wait()
		case r.status == StatusReady && r.inFlight > 0:
			r.cond.Wait()
		default:
			if r.child == nil {
				r.current = ""
				r.status = StatusIdle
				r.cond.Broadcast()
				return nil
			}
			r.stopChildLocked()
			return nil
		}
	}
}

// stopChildLocked stops the current child and settles the slot to idle.
// Called with the lock held and in-flight count zero; returns with the
// lock held.
func (r *Runner) stopChildLocked() {
	prev := r.current
	r.status = StatusStopping
	r.cond.Broadcast()
	child := r.child
	r.mu.Unlock()
	r.log.Info().Str("model", prev).Msg("stopping process")
	child.Stop(killGrace)
	r.mu.Lock()
	r.child = nil
	r.current = ""
	r.status = StatusIdle
	r.cond.Broadcast()
}

// UnloadIfIdle stops the process when the idle timeout has elapsed with no
// in-flight requests. Returns true when an unload happened.
func (r *Runner) UnloadIfIdle(now time.Time) bool {
	timeout := r.cfg.AutoUnloadTimeout()
	if timeout <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusReady || r.inFlight > 0 || now.Sub(r.lastActivity) < timeout {
		return false
	}
	r.log.Info().Str("model", r.current).Dur("idle", now.Sub(r.lastActivity)).Msg("auto-unloading idle runner")
	r.stopChildLocked()
	return true
}

// Start loads the runner's default model. Control-plane operation: a
// concurrent control operation yields ErrBusy.
func (r *Runner) Start(ctx context.Context) error {
	if !r.ctrlMu.TryLock() {
		return ErrBusy(r.id)
	}
	defer r.ctrlMu.Unlock()
	alias, err := r.defaultAlias()
	if err != nil {
		return err
	}
	return r.EnsureLoaded(ctx, alias)
}

// Stop unloads the runner. Control-plane operation.
func (r *Runner) Stop() error {
	if !r.ctrlMu.TryLock() {
		return ErrBusy(r.id)
	}
	defer r.ctrlMu.Unlock()
	return r.Unload()
}

// Restart drains, stops and reloads the model that was loaded (or the
// default when none was). Control-plane operation.
func (r *Runner) Restart(ctx context.Context) error {
	if !r.ctrlMu.TryLock() {
		return ErrBusy(r.id)
	}
	defer r.ctrlMu.Unlock()

	r.mu.Lock()
	alias := r.current
	r.mu.Unlock()
	if alias == "" {
		var err error
		if alias, err = r.defaultAlias(); err != nil {
			return err
		}
	}
	if err := r.Unload(); err != nil {
		return err
	}
	return r.EnsureLoaded(ctx, alias)
}

func (r *Runner) defaultAlias() (string, error) {
	if r.cfg.DefaultModel != "" {
		return r.cfg.DefaultModel, nil
	}
	assigned := r.cat.ForRunner(r.id)
	if len(assigned) == 0 {
		return "", ErrLoad(r.id, "no models assigned")
	}
	return assigned[0], nil
}

// Snapshot is a point-in-time view of runner state.
type Snapshot struct {
	ID           string
	Status       Status
	CurrentModel string
	InFlight     int
	Alive        bool
	Pid          int
	LastActivity time.Time
	LastErr      string
}

// Snapshot returns the current state. A ready runner with in-flight
// requests reports busy.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.status
	if status == StatusReady && r.inFlight > 0 {
		status = StatusBusy
	}
	s := Snapshot{
		ID:           r.id,
		Status:       status,
		CurrentModel: r.current,
		InFlight:     r.inFlight,
		LastActivity: r.lastActivity,
		LastErr:      r.lastErr,
	}
	if r.child != nil {
		s.Alive = r.child.Alive()
		s.Pid = r.child.Pid()
	}
	return s
}

// CurrentModel returns the loaded alias, if any.
func (r *Runner) CurrentModel() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return "", false
	}
	return r.current, true
}

// Alive reports whether the child process is running.
func (r *Runner) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.child != nil && r.child.Alive()
}

// InFlight returns the number of requests currently forwarded.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// IdleCountdownSeconds returns the remaining seconds until auto-unload,
// or false when no countdown is armed.
func (r *Runner) IdleCountdownSeconds(now time.Time) (int, bool) {
	timeout := r.cfg.AutoUnloadTimeout()
	r.mu.Lock()
	defer r.mu.Unlock()
	if timeout <= 0 || r.status != StatusReady || r.inFlight > 0 {
		return 0, false
	}
	remaining := timeout - now.Sub(r.lastActivity)
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining / time.Second), true
}

// ============================================================================
// Phase-Pilot Controller - monitor loop
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: The top-level scheduler. Owns the authoritative PersistedState and
//          drives one tick at a time through probe, snapshot, decide, persist.
//
// Components coordinated:
//   - worker.Pool:        parallel probes of the active phase's workers
//   - phase.Tracker:      classification barrier into one StatusSnapshot
//   - decision.Engine:    phase-transition state machine and launches
//   - decisionlog.Log:    append-only decision trail (replayed at start)
//   - StateStore:         atomic state.json writes
//
// Tick pipeline:
//   0. retry a pending state write; while it fails no decisions are taken
//   1. probe every worker of the active phase against one reference now
//   2. log one summary line (tick + per-worker status)
//   3. build the snapshot
//   4. evaluate decisions
//   5. persist the new state, then swap it in
//
// Crash recovery (Start):
//   1. load state.json (absent -> first phase active)
//   2. replay decisions.jsonl and reconcile triggered/completed phases
//   3. persist if the replay moved anything
//   4. restore sticky completions from the last snapshot
//
// Concurrency:
//   - mu serialises ticks; the loop is the only writer of state
//   - stop is honoured between ticks only
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/phase-pilot/internal/decision"
	"github.com/ChuLiYu/phase-pilot/internal/metrics"
	"github.com/ChuLiYu/phase-pilot/internal/phase"
	"github.com/ChuLiYu/phase-pilot/internal/storage/decisionlog"
	"github.com/ChuLiYu/phase-pilot/internal/worker"
	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

var (
	ErrNotStarted     = errors.New("controller not started")
	ErrAlreadyStarted = errors.New("controller already started")
)

// ============================================================================
// Dependencies
// ============================================================================

// StateStore persists PersistedState. snapshot.Manager implements it.
type StateStore interface {
	Load() (types.PersistedState, bool, error)
	Save(state types.PersistedState) error
}

// DecisionLog is the decision trail. decisionlog.Log implements it.
type DecisionLog interface {
	decision.Recorder
	Replay(handler decisionlog.Handler) error
}

// Prober probes a batch of workers. worker.Pool implements it.
type Prober interface {
	ProbeAll(ctx context.Context, workers []types.WorkerDef) ([]worker.Result, error)
}

// HealthReporter receives the loop's serving status. server.Server implements it.
type HealthReporter interface {
	SetServing(serving bool)
}

// Config wires a Controller.
type Config struct {
	CheckInterval    time.Duration // fixed tick cadence
	StopWhenComplete bool          // Run returns once every phase is complete
	WatchPaths       []string      // files or directories whose changes wake the loop early
	WakeInterval     time.Duration // minimum spacing of early ticks

	Tracker *phase.Tracker
	Prober  Prober
	Engine  *decision.Engine
	Log     DecisionLog
	Store   StateStore
	Metrics *metrics.Collector // optional
	Health  HealthReporter     // optional
	Logger  *zap.Logger        // optional
	Clock   func() time.Time   // optional, defaults to time.Now
}

// TickResult describes one tick.
type TickResult struct {
	Tick        uint64
	Snapshot    *types.StatusSnapshot
	Decisions   []types.DecisionRecord
	Launched    bool
	Suspended   bool // a pending state write failed again; nothing was probed
	AllComplete bool
}

// Controller is the monitor loop.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	clock    func() time.Time
	state    types.PersistedState
	pending  *types.PersistedState // state whose write failed, retried first next tick
	prev     *types.StatusSnapshot
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewController validates the wiring and returns an unstarted controller.
func NewController(cfg Config) (*Controller, error) {
	switch {
	case cfg.Tracker == nil:
		return nil, errors.New("controller: tracker is required")
	case cfg.Prober == nil:
		return nil, errors.New("controller: prober is required")
	case cfg.Engine == nil:
		return nil, errors.New("controller: engine is required")
	case cfg.Log == nil:
		return nil, errors.New("controller: decision log is required")
	case cfg.Store == nil:
		return nil, errors.New("controller: state store is required")
	case cfg.CheckInterval <= 0:
		return nil, fmt.Errorf("controller: check interval must be positive, got %s", cfg.CheckInterval)
	}

	c := &Controller{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		stopCh:  make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.cfg.WakeInterval <= 0 {
		c.cfg.WakeInterval = 30 * time.Second
	}
	return c, nil
}

// ============================================================================
// Recovery
// ============================================================================

// Start recovers state from disk. It must be called once before RunOnce or Run.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	start := time.Now()
	c.logger.Info("Starting recovery...")

	state, found, err := c.cfg.Store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !found {
		state = decision.InitialState(c.cfg.Tracker, c.clock())
		c.logger.Info("no persisted state; starting from the first phase",
			zap.String("phase", string(state.ActivePhase)))
	}
	if c.cfg.Tracker.Position(state.ActivePhase) < 0 {
		return fmt.Errorf("%w: persisted active phase %q is not configured", phase.ErrUnknownPhase, state.ActivePhase)
	}

	var records []types.DecisionRecord
	err = c.cfg.Log.Replay(func(rec types.DecisionRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay decision log: %w", err)
	}

	state, changed := decision.Reconcile(c.cfg.Tracker, state, records)
	if changed {
		c.logger.Warn("decision log is ahead of persisted state; reconciled",
			zap.Int("records", len(records)),
			zap.String("active_phase", string(state.ActivePhase)))
	}
	if !found || changed {
		if err := c.cfg.Store.Save(state); err != nil {
			return fmt.Errorf("persist recovered state: %w", err)
		}
	}

	c.cfg.Tracker.Restore(state.LastSnapshot)
	if state.LastSnapshot != nil {
		prev := state.LastSnapshot.Clone()
		c.prev = &prev
	}
	c.state = state
	c.started = true

	recoveryTime := time.Since(start)
	c.metrics.SetRecoveryTime(recoveryTime)
	c.metrics.SetPhase(c.cfg.Tracker.Position(state.ActivePhase), state.AllComplete)
	if c.cfg.Health != nil {
		c.cfg.Health.SetServing(true)
	}

	c.logger.Info("Recovery completed",
		zap.Duration("duration", recoveryTime),
		zap.String("active_phase", string(state.ActivePhase)),
		zap.Uint64("last_tick", state.LastTick),
		zap.Int("replayed_records", len(records)),
		zap.Bool("all_complete", state.AllComplete))
	return nil
}

// ============================================================================
// Tick
// ============================================================================

// RunOnce executes exactly one tick.
func (c *Controller) RunOnce(ctx context.Context) (TickResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return TickResult{}, ErrNotStarted
	}
	began := time.Now()

	if c.pending != nil {
		if err := c.cfg.Store.Save(*c.pending); err != nil {
			c.metrics.RecordPersistFailure()
			c.logger.Error("state write still failing; decisions suspended",
				zap.Uint64("tick", c.pending.LastTick), zap.Error(err))
			return TickResult{Tick: c.pending.LastTick, Suspended: true}, fmt.Errorf("retry pending state: %w", err)
		}
		c.logger.Info("pending state written", zap.Uint64("tick", c.pending.LastTick))
		c.state = *c.pending
		c.pending = nil
		c.setPending(false)
	}

	if c.state.AllComplete {
		c.logger.Debug("all phases complete; nothing to monitor")
		return TickResult{Tick: c.state.LastTick, AllComplete: true}, nil
	}

	active, ok := c.cfg.Tracker.Phase(c.state.ActivePhase)
	if !ok {
		return TickResult{}, fmt.Errorf("%w: %s", phase.ErrUnknownPhase, c.state.ActivePhase)
	}

	tick := c.state.LastTick + 1
	now := c.clock()

	results, err := c.cfg.Prober.ProbeAll(ctx, active.Workers)
	if err != nil {
		return TickResult{}, fmt.Errorf("probe phase %s: %w", active.ID, err)
	}
	for _, r := range results {
		c.metrics.RecordProbe(r.Duration, r.Indeterminate())
		if r.Indeterminate() {
			c.logger.Warn("worker probe indeterminate",
				zap.Uint64("tick", tick),
				zap.String("worker", string(r.Worker.ID)),
				zap.Error(r.Err))
		}
	}

	snap, err := c.cfg.Tracker.BuildSnapshot(tick, now, active.ID, results)
	if err != nil {
		return TickResult{}, fmt.Errorf("build snapshot: %w", err)
	}
	c.logger.Info("tick",
		zap.Uint64("tick", tick),
		zap.String("phase", string(snap.Phase)),
		zap.String("workers", summarize(snap)))

	out := c.cfg.Engine.Evaluate(ctx, c.state, c.prev, snap)
	for _, d := range out.Decisions {
		c.metrics.RecordDecision(d.Kind)
	}

	next := out.State
	published := snap.Clone()
	next.LastTick = tick
	next.LastSnapshotTime = now
	next.LastSnapshot = &published
	c.prev = &published

	result := TickResult{
		Tick:        tick,
		Snapshot:    &published,
		Decisions:   out.Decisions,
		Launched:    out.Launched,
		AllComplete: next.AllComplete,
	}

	c.metrics.UpdateWorkers(phase.Counts(snap))
	c.metrics.RecordTick(time.Since(began))

	if err := c.cfg.Store.Save(next); err != nil {
		c.pending = &next
		c.setPending(true)
		c.metrics.RecordPersistFailure()
		c.logger.Error("state write failed; holding state as pending",
			zap.Uint64("tick", tick), zap.Error(err))
		return result, fmt.Errorf("persist state: %w", err)
	}
	c.state = next
	c.metrics.SetPhase(c.cfg.Tracker.Position(next.ActivePhase), next.AllComplete)

	if len(out.Errs) > 0 {
		return result, errors.Join(out.Errs...)
	}
	return result, nil
}

func (c *Controller) setPending(pending bool) {
	c.metrics.SetPersistPending(pending)
	if c.cfg.Health != nil {
		c.cfg.Health.SetServing(!pending)
	}
}

// summarize renders "id=status" pairs in worker id order.
func summarize(snap types.StatusSnapshot) string {
	ids := snap.WorkerIDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s=%s", id, snap.Workers[id].Status)
	}
	return strings.Join(parts, " ")
}

// ============================================================================
// Loop
// ============================================================================

// Run ticks immediately and then on the configured cadence until ctx is
// cancelled, Stop is called, or (with StopWhenComplete) every phase is done.
// Tick errors are logged and never end the loop.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	var wake <-chan struct{}
	if len(c.cfg.WatchPaths) > 0 {
		w, err := newWatcher(c.cfg.WatchPaths, c.logger)
		if err != nil {
			c.logger.Warn("file watching disabled", zap.Error(err))
		} else {
			defer w.Close()
			go w.run(ctx)
			wake = w.wake
		}
	}
	limiter := rate.NewLimiter(rate.Every(c.cfg.WakeInterval), 1)

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	// Ticks never observe cancellation; stop lands between ticks.
	tickCtx := context.WithoutCancel(ctx)

	c.logger.Info("monitor loop started",
		zap.Duration("interval", c.cfg.CheckInterval),
		zap.Int("watched_paths", len(c.cfg.WatchPaths)))
	defer c.logger.Info("monitor loop stopped")

	for {
		c.tick(tickCtx)

		if c.cfg.StopWhenComplete && c.AllComplete() {
			c.logger.Info("all phases complete; stopping")
			return nil
		}

		if !c.wait(ctx, ticker.C, wake, limiter) {
			return nil
		}
	}
}

// wait blocks until the next tick is due. It returns false when the loop
// should stop. Wake-ups beyond the limiter's budget are dropped.
func (c *Controller) wait(ctx context.Context, tick <-chan time.Time, wake <-chan struct{}, limiter *rate.Limiter) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.stopCh:
			return false
		case <-tick:
			return true
		case <-wake:
			if limiter.Allow() {
				c.logger.Debug("early tick on file-system activity")
				return true
			}
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil {
		c.logger.Warn("tick finished with errors", zap.Error(err))
	}
}

// Stop asks Run to return after the current tick.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.cfg.Health != nil {
			c.cfg.Health.SetServing(false)
		}
	})
}

// ============================================================================
// Accessors
// ============================================================================

// State returns a copy of the authoritative state.
func (c *Controller) State() types.PersistedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// AllComplete reports whether every phase is complete.
func (c *Controller) AllComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AllComplete
}

// PersistPending reports whether a state write awaits retry.
func (c *Controller) PersistPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// ============================================================================
// Phase-Pilot Phase Tracker
// ============================================================================
//
// Package: internal/phase
// File: tracker.go
// Purpose: Owns the ordered phases and the runtime worker records, turns a
//          batch of probe results into an immutable StatusSnapshot and decides
//          phase completion.
//
// Worker lifecycle (within one phase):
//   pending -> active <-> idle <-> stuck
//      \________________________________-> complete (sticky)
//
//   "unknown" is a per-tick overlay for indeterminate probes and never
//   counts toward completion.
//
// Data layout:
//   phases  []PhaseDef           - configuration order is execution order
//   index   map[PhaseID]int      - position lookup
//   workers map[WorkerID]*Worker - single source of truth for runtime records
//   sticky  map[PhaseID]set      - workers already seen complete in a phase
//   streak  map[WorkerID]int     - consecutive stuck ticks (escalation)
//
// Concurrency:
//   sync.RWMutex guards every map. The monitor loop is the only writer; the
//   status endpoint and CLI read concurrently.
//
// ============================================================================

package phase

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/phase-pilot/internal/classify"
	"github.com/ChuLiYu/phase-pilot/internal/worker"
	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNoPhases          = errors.New("no phases configured")
	ErrUnknownPhase      = errors.New("unknown phase")
	ErrDuplicatePhase    = errors.New("duplicate phase id")
	ErrDuplicateWorker   = errors.New("duplicate worker id")
	ErrIncompleteResults = errors.New("probe results do not cover the phase")
)

// DefaultStuckEscalation is the number of consecutive stuck ticks after which
// a worker is escalated.
const DefaultStuckEscalation = 3

// Change is a worker status transition between two snapshots.
type Change struct {
	Worker types.WorkerID
	From   types.WorkerStatus
	To     types.WorkerStatus
}

// EscalationFunc is invoked once per stuck streak when it reaches the
// escalation threshold.
type EscalationFunc func(id types.WorkerID, consecutive int)

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for escalation warnings.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithStuckEscalation sets the consecutive stuck tick threshold. Values below
// 1 disable escalation.
func WithStuckEscalation(n int) Option {
	return func(t *Tracker) { t.escalateAfter = n }
}

// OnEscalation registers a hook called when a stuck streak is escalated.
func OnEscalation(fn EscalationFunc) Option {
	return func(t *Tracker) { t.onEscalation = fn }
}

// Tracker holds phase ordering and worker records.
type Tracker struct {
	mu            sync.RWMutex
	phases        []types.PhaseDef
	index         map[types.PhaseID]int
	workers       map[types.WorkerID]*types.Worker
	sticky        map[types.PhaseID]map[types.WorkerID]struct{}
	streak        map[types.WorkerID]int
	thresholds    classify.Thresholds
	escalateAfter int
	onEscalation  EscalationFunc
	logger        *zap.Logger
}

// NewTracker builds a tracker from the configured phases.
func NewTracker(phases []types.PhaseDef, thresholds classify.Thresholds, opts ...Option) (*Tracker, error) {
	if len(phases) == 0 {
		return nil, ErrNoPhases
	}

	t := &Tracker{
		phases:        make([]types.PhaseDef, 0, len(phases)),
		index:         make(map[types.PhaseID]int, len(phases)),
		workers:       make(map[types.WorkerID]*types.Worker),
		sticky:        make(map[types.PhaseID]map[types.WorkerID]struct{}),
		streak:        make(map[types.WorkerID]int),
		thresholds:    thresholds,
		escalateAfter: DefaultStuckEscalation,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	for i, p := range phases {
		if _, dup := t.index[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePhase, p.ID)
		}
		t.index[p.ID] = i
		p.Workers = append([]types.WorkerDef(nil), p.Workers...)
		t.phases = append(t.phases, p)

		for _, w := range p.Workers {
			if _, dup := t.workers[w.ID]; dup {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateWorker, w.ID)
			}
			t.workers[w.ID] = &types.Worker{
				ID:     w.ID,
				Branch: w.Branch,
				Phase:  p.ID,
				Status: types.WorkerPending,
			}
		}
	}
	return t, nil
}

// ============================================================================
// Phase ordering
// ============================================================================

// First returns the first configured phase.
func (t *Tracker) First() types.PhaseDef {
	return t.phases[0]
}

// Phase returns the definition of id.
func (t *Tracker) Phase(id types.PhaseID) (types.PhaseDef, bool) {
	i, ok := t.index[id]
	if !ok {
		return types.PhaseDef{}, false
	}
	return t.phases[i], true
}

// Next returns the phase following id, or false when id is the last phase.
func (t *Tracker) Next(id types.PhaseID) (types.PhaseDef, bool) {
	i, ok := t.index[id]
	if !ok || i+1 >= len(t.phases) {
		return types.PhaseDef{}, false
	}
	return t.phases[i+1], true
}

// Position returns the zero-based order of id, or -1 when unknown.
func (t *Tracker) Position(id types.PhaseID) int {
	i, ok := t.index[id]
	if !ok {
		return -1
	}
	return i
}

// Phases returns a copy of the configured phases in order.
func (t *Tracker) Phases() []types.PhaseDef {
	out := make([]types.PhaseDef, len(t.phases))
	copy(out, t.phases)
	return out
}

// PhaseViews derives the runtime phase records from the persisted state.
func (t *Tracker) PhaseViews(state types.PersistedState) []types.Phase {
	out := make([]types.Phase, 0, len(t.phases))
	for _, p := range t.phases {
		view := types.Phase{ID: p.ID, Name: p.Name, Status: types.PhasePending}
		for _, w := range p.Workers {
			view.Workers = append(view.Workers, w.ID)
		}
		switch {
		case state.IsCompleted(p.ID):
			view.Status = types.PhaseComplete
		case p.ID == state.ActivePhase:
			view.Status = types.PhaseActive
		}
		out = append(out, view)
	}
	return out
}

// ============================================================================
// Worker records
// ============================================================================

// Workers returns copies of the worker records of phase id in configuration
// order.
func (t *Tracker) Workers(id types.PhaseID) []types.Worker {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.Phase(id)
	if !ok {
		return nil
	}
	out := make([]types.Worker, 0, len(p.Workers))
	for _, w := range p.Workers {
		out = append(out, *t.workers[w.ID])
	}
	return out
}

// Restore seeds sticky completion and worker records from a persisted
// snapshot so a restart does not regress a completed worker.
func (t *Tracker) Restore(snap *types.StatusSnapshot) {
	if snap == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[snap.Phase]; !ok {
		return
	}
	for id, obs := range snap.Workers {
		rec, ok := t.workers[id]
		if !ok || rec.Phase != snap.Phase {
			continue
		}
		rec.Status = obs.Status
		rec.LastActivity = obs.LastActivity
		if obs.Status == types.WorkerComplete {
			t.markSticky(snap.Phase, id)
		}
	}
}

func (t *Tracker) markSticky(phase types.PhaseID, id types.WorkerID) {
	set, ok := t.sticky[phase]
	if !ok {
		set = make(map[types.WorkerID]struct{})
		t.sticky[phase] = set
	}
	set[id] = struct{}{}
}

func (t *Tracker) isSticky(phase types.PhaseID, id types.WorkerID) bool {
	_, ok := t.sticky[phase][id]
	return ok
}

// ============================================================================
// Snapshot construction
// ============================================================================

// BuildSnapshot classifies a complete batch of probe results for phaseID
// against the shared reference time now.
//
// The batch must contain exactly one result per worker of the phase.
func (t *Tracker) BuildSnapshot(tick uint64, now time.Time, phaseID types.PhaseID, results []worker.Result) (types.StatusSnapshot, error) {
	p, ok := t.Phase(phaseID)
	if !ok {
		return types.StatusSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownPhase, phaseID)
	}

	byID := make(map[types.WorkerID]worker.Result, len(results))
	for _, r := range results {
		byID[r.Worker.ID] = r
	}
	if len(byID) != len(p.Workers) || len(results) != len(p.Workers) {
		return types.StatusSnapshot{}, fmt.Errorf("%w: %s has %d workers, got %d results",
			ErrIncompleteResults, phaseID, len(p.Workers), len(results))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	snap := types.StatusSnapshot{
		Tick:    tick,
		Phase:   phaseID,
		TakenAt: now,
		Workers: make(map[types.WorkerID]types.Observation, len(p.Workers)),
	}

	for _, w := range p.Workers {
		r, ok := byID[w.ID]
		if !ok {
			return types.StatusSnapshot{}, fmt.Errorf("%w: missing %s", ErrIncompleteResults, w.ID)
		}

		obs := types.Observation{ObservedAt: now}
		if r.Indeterminate() {
			obs.Status = classify.ClassifyIndeterminate()
			obs.Error = r.Err.Error()
		} else {
			obs.LastActivity = r.Signal.LastActivity
			obs.Status = t.thresholds.With(now, r.Signal.LastActivity, r.Signal.ExplicitComplete, r.Signal.HasActivity)
		}

		if obs.Status == types.WorkerComplete {
			t.markSticky(phaseID, w.ID)
		} else if t.isSticky(phaseID, w.ID) {
			obs.Status = types.WorkerComplete
		}

		rec := t.workers[w.ID]
		rec.Status = obs.Status
		if !obs.LastActivity.IsZero() {
			rec.LastActivity = obs.LastActivity
		}
		t.trackStuck(w.ID, obs.Status)

		snap.Workers[w.ID] = obs
	}
	return snap, nil
}

// trackStuck counts consecutive stuck ticks. Unknown ticks neither extend nor
// reset a streak.
func (t *Tracker) trackStuck(id types.WorkerID, status types.WorkerStatus) {
	switch status {
	case types.WorkerUnknown:
		return
	case types.WorkerStuck:
		t.streak[id]++
	default:
		t.streak[id] = 0
		return
	}

	n := t.streak[id]
	if t.escalateAfter < 1 || n != t.escalateAfter {
		return
	}
	t.logger.Warn("worker stuck on consecutive checks",
		zap.String("worker", string(id)),
		zap.Int("consecutive", n))
	if t.onEscalation != nil {
		t.onEscalation(id, n)
	}
}

// PhaseComplete reports whether every worker assigned to the snapshot's phase
// is complete.
func (t *Tracker) PhaseComplete(snap types.StatusSnapshot) bool {
	p, ok := t.Phase(snap.Phase)
	if !ok || len(p.Workers) == 0 {
		return false
	}
	for _, w := range p.Workers {
		if snap.Status(w.ID) != types.WorkerComplete {
			return false
		}
	}
	return true
}

// Changes lists status transitions from prev to next in worker id order.
// Without a comparable previous snapshot every worker is compared against
// pending.
func (t *Tracker) Changes(prev *types.StatusSnapshot, next types.StatusSnapshot) []Change {
	var changes []Change
	for _, id := range next.WorkerIDs() {
		from := types.WorkerPending
		if prev != nil && prev.Phase == next.Phase {
			if obs, ok := prev.Workers[id]; ok {
				from = obs.Status
			}
		}
		to := next.Workers[id].Status
		if from != to {
			changes = append(changes, Change{Worker: id, From: from, To: to})
		}
	}
	return changes
}

// Counts tallies snapshot statuses.
func Counts(snap types.StatusSnapshot) map[types.WorkerStatus]int {
	out := make(map[types.WorkerStatus]int)
	for _, obs := range snap.Workers {
		out[obs.Status]++
	}
	return out
}

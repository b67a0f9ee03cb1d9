// ============================================================================
// Phase-Pilot Decision Engine
// ============================================================================
//
// Package: internal/decision
// File: engine.go
// Purpose: Phase-transition state machine. Given the persisted state and a
//          fresh snapshot it decides what happens next and emits the
//          decision records that explain it.
//
// Per phase:   pending -> active -> complete
// Cross phase: TRIGGERED(phaseID), at most one launch per phase id.
//
// When the snapshot's phase is complete:
//   1. not yet recorded complete   -> phase-complete
//   2. next phase not triggered    -> Launch; success -> phase-transition-triggered
//                                              failure -> launch-attempt-failed
//   3. next phase already triggered -> launch-skipped (no external action)
//   4. no next phase               -> all-complete (once)
//
// Ordering for crash safety:
//   launch -> append record (fsync) -> caller persists state
//   A crash after the append is healed by Reconcile at start-up.
//   phase-complete and all-complete change state only once appended; a
//   failed append leaves them to be decided again next tick.
//
// The engine never mutates the state it is given; it returns a new one.
//
// ============================================================================

package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/phase-pilot/internal/launcher"
	"github.com/ChuLiYu/phase-pilot/internal/phase"
	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// Plan is the phase ordering the engine needs.
type Plan interface {
	First() types.PhaseDef
	Next(id types.PhaseID) (types.PhaseDef, bool)
	Position(id types.PhaseID) int
	PhaseComplete(snap types.StatusSnapshot) bool
	Changes(prev *types.StatusSnapshot, next types.StatusSnapshot) []phase.Change
}

// Recorder persists decision records. The decision log implements it.
type Recorder interface {
	Append(rec *types.DecisionRecord) error
}

// Outcome is the result of one evaluation.
type Outcome struct {
	State     types.PersistedState
	Decisions []types.DecisionRecord
	Launched  bool    // a launch succeeded this evaluation
	Changed   bool    // State differs from the input in a way worth persisting
	Errs      []error // launch and record errors; none of them are fatal
}

// Engine evaluates snapshots.
type Engine struct {
	plan     Plan
	launcher launcher.Trigger
	recorder Recorder
	logger   *zap.Logger
	newID    func() string
}

// NewEngine wires an engine. recorder may be nil, in which case records are
// only returned.
func NewEngine(plan Plan, trigger launcher.Trigger, recorder Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		plan:     plan,
		launcher: trigger,
		recorder: recorder,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// InitialState is the state of a fresh run: the first phase is active.
func InitialState(plan Plan, now time.Time) types.PersistedState {
	first := plan.First().ID
	return types.PersistedState{
		ActivePhase:      first,
		PhaseActivatedAt: map[types.PhaseID]time.Time{first: now},
	}
}

// Evaluate applies snap to state. prev is the previous snapshot (may be nil)
// and only drives status-change records.
func (e *Engine) Evaluate(ctx context.Context, state types.PersistedState, prev *types.StatusSnapshot, snap types.StatusSnapshot) Outcome {
	out := Outcome{State: state.Clone()}
	st := &out.State

	for _, c := range e.plan.Changes(prev, snap) {
		e.emit(&out, snap, types.DecisionRecord{
			Kind:      types.DecisionStatusChange,
			Phase:     snap.Phase,
			Worker:    c.Worker,
			Rationale: fmt.Sprintf("worker %s changed from %s to %s", c.Worker, c.From, c.To),
			Payload:   map[string]string{"from": string(c.From), "to": string(c.To)},
		})
	}

	if !e.plan.PhaseComplete(snap) {
		return out
	}

	current := snap.Phase
	if !st.IsCompleted(current) {
		err := e.emit(&out, snap, types.DecisionRecord{
			Kind:      types.DecisionPhaseComplete,
			Phase:     current,
			Rationale: fmt.Sprintf("all %d workers of phase %s reported completion", len(snap.Workers), current),
			Payload:   map[string]string{"workers": joinIDs(snap.WorkerIDs())},
		})
		if err != nil {
			return out
		}
		st.MarkCompleted(current)
		out.Changed = true
	}

	next, ok := e.plan.Next(current)
	if !ok {
		if !st.AllComplete {
			err := e.emit(&out, snap, types.DecisionRecord{
				Kind:      types.DecisionAllComplete,
				Phase:     current,
				Rationale: fmt.Sprintf("phase %s was the last phase; all phases complete", current),
			})
			if err == nil {
				st.AllComplete = true
				out.Changed = true
			}
		}
		return out
	}

	if st.IsTriggered(next.ID) {
		e.emit(&out, snap, types.DecisionRecord{
			Kind:      types.DecisionLaunchSkipped,
			Phase:     next.ID,
			Rationale: fmt.Sprintf("phase %s was already triggered; not launching again", next.ID),
			Payload:   map[string]string{"after": string(current)},
		})
		return out
	}

	if err := e.launcher.Launch(ctx, next.ID, next.Workers); err != nil {
		out.Errs = append(out.Errs, err)
		e.logger.Warn("launch failed; will retry next tick",
			zap.String("phase", string(next.ID)), zap.Error(err))
		e.emit(&out, snap, types.DecisionRecord{
			Kind:      types.DecisionLaunchFailed,
			Phase:     next.ID,
			Rationale: fmt.Sprintf("launch of phase %s failed; retrying next tick", next.ID),
			Payload:   map[string]string{"after": string(current), "error": err.Error()},
		})
		return out
	}

	out.Launched = true
	out.Changed = true
	st.MarkTriggered(next.ID)
	if e.plan.Position(next.ID) > e.plan.Position(st.ActivePhase) {
		st.ActivePhase = next.ID
	}
	if st.PhaseActivatedAt == nil {
		st.PhaseActivatedAt = make(map[types.PhaseID]time.Time)
	}
	st.PhaseActivatedAt[next.ID] = snap.TakenAt

	e.emit(&out, snap, types.DecisionRecord{
		Kind:      types.DecisionTransition,
		Phase:     next.ID,
		Rationale: fmt.Sprintf("phase %s complete; launched phase %s with %d workers", current, next.ID, len(next.Workers)),
		Payload: map[string]string{
			"after":   string(current),
			"workers": joinDefs(next.Workers),
		},
	})
	return out
}

// emit stamps rec and records it. Only recorded decisions reach the outcome;
// a record that could not be appended is returned as an error.
func (e *Engine) emit(out *Outcome, snap types.StatusSnapshot, rec types.DecisionRecord) error {
	rec.ID = e.newID()
	rec.Timestamp = snap.TakenAt
	rec.Tick = snap.Tick

	if e.recorder != nil {
		if err := e.recorder.Append(&rec); err != nil {
			err = fmt.Errorf("record %s: %w", rec.Kind, err)
			out.Errs = append(out.Errs, err)
			e.logger.Error("failed to append decision record",
				zap.String("kind", string(rec.Kind)),
				zap.String("phase", string(rec.Phase)),
				zap.Error(err))
			return err
		}
	}

	e.logger.Info(rec.Rationale,
		zap.String("kind", string(rec.Kind)),
		zap.Uint64("tick", rec.Tick),
		zap.String("phase", string(rec.Phase)))
	out.Decisions = append(out.Decisions, rec)
	return nil
}

// Reconcile folds a replayed decision trail into state so a crash between
// recording a decision and persisting state cannot cause a second launch.
func Reconcile(plan Plan, state types.PersistedState, records []types.DecisionRecord) (types.PersistedState, bool) {
	st := state.Clone()
	changed := false

	for _, rec := range records {
		switch rec.Kind {
		case types.DecisionPhaseComplete:
			if !st.IsCompleted(rec.Phase) {
				st.MarkCompleted(rec.Phase)
				changed = true
			}
		case types.DecisionTransition:
			if !st.IsTriggered(rec.Phase) {
				st.MarkTriggered(rec.Phase)
				changed = true
			}
			if plan.Position(rec.Phase) > plan.Position(st.ActivePhase) {
				st.ActivePhase = rec.Phase
				if st.PhaseActivatedAt == nil {
					st.PhaseActivatedAt = make(map[types.PhaseID]time.Time)
				}
				st.PhaseActivatedAt[rec.Phase] = rec.Timestamp
				changed = true
			}
		case types.DecisionAllComplete:
			if !st.AllComplete {
				st.AllComplete = true
				changed = true
			}
		}
		if rec.Tick > st.LastTick {
			st.LastTick = rec.Tick
			changed = true
		}
	}
	return st, changed
}

func joinIDs(ids []types.WorkerID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func joinDefs(defs []types.WorkerDef) string {
	parts := make([]string, len(defs))
	for i, d := range defs {
		parts[i] = string(d.ID)
	}
	return strings.Join(parts, ",")
}

// Package types defines the core domain model shared by the phase-pilot daemon.
package types

import (
	"sort"
	"time"
)

// WorkerID identifies one worker (an agent progressing a task on its own branch).
type WorkerID string

// PhaseID identifies an ordered group of workers.
type PhaseID string

// WorkerStatus is the health classification of a worker for one tick.
type WorkerStatus string

const (
	WorkerPending  WorkerStatus = "pending"  // no activity observed within the current phase
	WorkerActive   WorkerStatus = "active"   // recent activity
	WorkerIdle     WorkerStatus = "idle"     // quiet for at least the idle threshold
	WorkerStuck    WorkerStatus = "stuck"    // quiet for at least the stuck threshold
	WorkerComplete WorkerStatus = "complete" // explicit completion marker seen; terminal within a phase
	WorkerUnknown  WorkerStatus = "unknown"  // probe was indeterminate this tick
)

// PhaseStatus is the lifecycle state of a phase.
type PhaseStatus string

const (
	PhasePending  PhaseStatus = "pending"
	PhaseActive   PhaseStatus = "active"
	PhaseComplete PhaseStatus = "complete"
)

// WorkerDef is the static configuration of one worker.
type WorkerDef struct {
	ID     WorkerID `json:"id" yaml:"id" koanf:"id"`
	Branch string   `json:"branch" yaml:"branch" koanf:"branch"`
	Agent  string   `json:"agent,omitempty" yaml:"agent,omitempty" koanf:"agent"`
	Role   string   `json:"role,omitempty" yaml:"role,omitempty" koanf:"role"`
}

// PhaseDef is the static configuration of one phase, in execution order.
type PhaseDef struct {
	ID      PhaseID     `json:"id" yaml:"id" koanf:"id"`
	Name    string      `json:"name,omitempty" yaml:"name,omitempty" koanf:"name"`
	Workers []WorkerDef `json:"workers" yaml:"workers" koanf:"workers"`
}

// Worker is the runtime record of a worker, owned by the phase tracker.
type Worker struct {
	ID           WorkerID     `json:"id"`
	Branch       string       `json:"branch"`
	Phase        PhaseID      `json:"phase"`
	Status       WorkerStatus `json:"status"`
	LastActivity time.Time    `json:"last_activity,omitempty"`
}

// Phase is the runtime record of a phase.
type Phase struct {
	ID      PhaseID     `json:"id"`
	Name    string      `json:"name,omitempty"`
	Workers []WorkerID  `json:"workers"`
	Status  PhaseStatus `json:"status"`
}

// Observation is the classified state of one worker inside a snapshot.
type Observation struct {
	Status       WorkerStatus `json:"status"`
	ObservedAt   time.Time    `json:"observed_at"`
	LastActivity time.Time    `json:"last_activity,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// StatusSnapshot is the immutable result of one polling pass over the
// workers of a phase. All observations share TakenAt as their reference time.
type StatusSnapshot struct {
	Tick    uint64                   `json:"tick"`
	Phase   PhaseID                  `json:"phase"`
	TakenAt time.Time                `json:"taken_at"`
	Workers map[WorkerID]Observation `json:"workers"`
}

// Status returns the observed status of a worker, or WorkerUnknown when the
// worker is not part of the snapshot.
func (s StatusSnapshot) Status(id WorkerID) WorkerStatus {
	obs, ok := s.Workers[id]
	if !ok {
		return WorkerUnknown
	}
	return obs.Status
}

// WorkerIDs returns the snapshot's worker ids in sorted order.
func (s StatusSnapshot) WorkerIDs() []WorkerID {
	ids := make([]WorkerID, 0, len(s.Workers))
	for id := range s.Workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy so callers can never mutate a published snapshot.
func (s StatusSnapshot) Clone() StatusSnapshot {
	out := s
	out.Workers = make(map[WorkerID]Observation, len(s.Workers))
	for id, obs := range s.Workers {
		out.Workers[id] = obs
	}
	return out
}

// DecisionKind classifies a decision record.
type DecisionKind string

const (
	DecisionStatusChange  DecisionKind = "status-change"
	DecisionPhaseComplete DecisionKind = "phase-complete"
	DecisionTransition    DecisionKind = "phase-transition-triggered"
	DecisionLaunchSkipped DecisionKind = "launch-skipped"
	DecisionLaunchFailed  DecisionKind = "launch-attempt-failed"
	DecisionAllComplete   DecisionKind = "all-complete"
)

// DecisionRecord is one entry of the append-only decision trail.
type DecisionRecord struct {
	Seq       uint64            `json:"seq"`
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Tick      uint64            `json:"tick"`
	Kind      DecisionKind      `json:"kind"`
	Phase     PhaseID           `json:"phase,omitempty"`
	Worker    WorkerID          `json:"worker,omitempty"`
	Rationale string            `json:"rationale"`
	Payload   map[string]string `json:"payload,omitempty"`
	Checksum  uint32            `json:"checksum"`
}

// PersistedState is the durable orchestration state that survives restarts.
// TriggeredPhases and CompletedPhases only ever grow.
type PersistedState struct {
	SchemaVer        int                   `json:"schema_ver"`
	ActivePhase      PhaseID               `json:"active_phase"`
	TriggeredPhases  []PhaseID             `json:"triggered_phases"`
	CompletedPhases  []PhaseID             `json:"completed_phases"`
	PhaseActivatedAt map[PhaseID]time.Time `json:"phase_activated_at,omitempty"`
	AllComplete      bool                  `json:"all_complete"`
	LastTick         uint64                `json:"last_tick"`
	LastSnapshotTime time.Time             `json:"last_snapshot_time,omitempty"`
	LastSnapshot     *StatusSnapshot       `json:"last_snapshot,omitempty"`
}

// IsTriggered reports whether the transition into phase id was already requested.
func (s *PersistedState) IsTriggered(id PhaseID) bool {
	return containsPhase(s.TriggeredPhases, id)
}

// IsCompleted reports whether phase id was already recorded complete.
func (s *PersistedState) IsCompleted(id PhaseID) bool {
	return containsPhase(s.CompletedPhases, id)
}

// MarkTriggered adds id to the triggered set; it is a no-op when already present.
func (s *PersistedState) MarkTriggered(id PhaseID) {
	if !s.IsTriggered(id) {
		s.TriggeredPhases = append(s.TriggeredPhases, id)
	}
}

// MarkCompleted adds id to the completed set; it is a no-op when already present.
func (s *PersistedState) MarkCompleted(id PhaseID) {
	if !s.IsCompleted(id) {
		s.CompletedPhases = append(s.CompletedPhases, id)
	}
}

// Clone returns a deep copy of the state.
func (s PersistedState) Clone() PersistedState {
	out := s
	out.TriggeredPhases = append([]PhaseID(nil), s.TriggeredPhases...)
	out.CompletedPhases = append([]PhaseID(nil), s.CompletedPhases...)
	if s.PhaseActivatedAt != nil {
		out.PhaseActivatedAt = make(map[PhaseID]time.Time, len(s.PhaseActivatedAt))
		for id, t := range s.PhaseActivatedAt {
			out.PhaseActivatedAt[id] = t
		}
	}
	if s.LastSnapshot != nil {
		snap := s.LastSnapshot.Clone()
		out.LastSnapshot = &snap
	}
	return out
}

func containsPhase(ids []PhaseID, id PhaseID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phase-pilot/internal/classify"
	"github.com/ChuLiYu/phase-pilot/internal/decision"
	"github.com/ChuLiYu/phase-pilot/internal/launcher"
	"github.com/ChuLiYu/phase-pilot/internal/logging"
	"github.com/ChuLiYu/phase-pilot/internal/phase"
	"github.com/ChuLiYu/phase-pilot/internal/snapshot"
	"github.com/ChuLiYu/phase-pilot/internal/storage/decisionlog"
	"github.com/ChuLiYu/phase-pilot/internal/worker"
	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func twoPhases() []types.PhaseDef {
	return []types.PhaseDef{
		{ID: "p1", Name: "rebrand+architect+integrator", Workers: []types.WorkerDef{
			{ID: "rebrand"}, {ID: "architect"}, {ID: "integrator"},
		}},
		{ID: "p2", Workers: []types.WorkerDef{{ID: "docs"}}},
	}
}

func completeSignal() worker.Signal {
	return worker.Signal{LastActivity: testNow.Add(-time.Minute), HasActivity: true, ExplicitComplete: true}
}

func activeSignal() worker.Signal {
	return worker.Signal{LastActivity: testNow.Add(-time.Minute), HasActivity: true}
}

// fakeProber returns canned signals and records which workers it was asked for.
type fakeProber struct {
	mu      sync.Mutex
	signals map[types.WorkerID]worker.Signal
	errs    map[types.WorkerID]error
	calls   [][]types.WorkerID
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		signals: make(map[types.WorkerID]worker.Signal),
		errs:    make(map[types.WorkerID]error),
	}
}

func (p *fakeProber) set(sig worker.Signal, ids ...types.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.signals[id] = sig
	}
}

func (p *fakeProber) ProbeAll(_ context.Context, workers []types.WorkerDef) ([]worker.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]types.WorkerID, len(workers))
	results := make([]worker.Result, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
		results[i] = worker.Result{Worker: w, Signal: p.signals[w.ID]}
		if err := p.errs[w.ID]; err != nil {
			results[i] = worker.Result{Worker: w, Err: &worker.ProbeError{Worker: w.ID, Err: err}}
		}
	}
	p.calls = append(p.calls, ids)
	return results, nil
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProber) lastCall() []types.WorkerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return p.calls[len(p.calls)-1]
}

// fakeTrigger records launches and fails the first `failures` attempts.
type fakeTrigger struct {
	mu       sync.Mutex
	launches []types.PhaseID
	failures int
}

func (f *fakeTrigger) Launch(_ context.Context, id types.PhaseID, _ []types.WorkerDef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return &launcher.LaunchError{Phase: id, Err: errors.New("spawn failed")}
	}
	f.launches = append(f.launches, id)
	return nil
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

// flakyStore fails the next `failures` saves.
type flakyStore struct {
	*snapshot.Manager
	failures int
}

func (s *flakyStore) Save(state types.PersistedState) error {
	if s.failures > 0 {
		s.failures--
		return &snapshot.PersistenceError{Op: "write", Path: s.Path(), Err: errors.New("disk full")}
	}
	return s.Manager.Save(state)
}

type fakeHealth struct {
	mu      sync.Mutex
	serving bool
}

func (h *fakeHealth) SetServing(serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serving = serving
}

func (h *fakeHealth) get() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serving
}

type harness struct {
	dir     string
	prober  *fakeProber
	trigger *fakeTrigger
	store   *flakyStore
	log     *decisionlog.Log
	health  *fakeHealth
	ctrl    *Controller
}

// createTestController wires a controller over real on-disk state in dir.
func createTestController(t *testing.T, dir string, phases []types.PhaseDef, prober *fakeProber, trigger *fakeTrigger) *harness {
	t.Helper()

	tracker, err := phase.NewTracker(phases, classify.DefaultThresholds())
	require.NoError(t, err)

	log, err := decisionlog.Open(filepath.Join(dir, "decisions.jsonl"), true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	h := &harness{
		dir:     dir,
		prober:  prober,
		trigger: trigger,
		store:   &flakyStore{Manager: snapshot.NewManagerInDir(dir)},
		log:     log,
		health:  &fakeHealth{},
	}
	h.ctrl, err = NewController(Config{
		CheckInterval: time.Hour,
		Tracker:       tracker,
		Prober:        prober,
		Engine:        decision.NewEngine(tracker, trigger, log, nil),
		Log:           log,
		Store:         h.store,
		Health:        h.health,
		Clock:         func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return h
}

func kinds(records []types.DecisionRecord) []types.DecisionKind {
	out := make([]types.DecisionKind, len(records))
	for i, r := range records {
		out[i] = r.Kind
	}
	return out
}

// ============================================================================
// Recovery Tests
// ============================================================================

func TestNewController_RequiresDependencies(t *testing.T) {
	_, err := NewController(Config{CheckInterval: time.Second})
	require.Error(t, err)
}

func TestController_StartFresh(t *testing.T) {
	dir := t.TempDir()
	h := createTestController(t, dir, twoPhases(), newFakeProber(), &fakeTrigger{})

	require.NoError(t, h.ctrl.Start())
	assert.ErrorIs(t, h.ctrl.Start(), ErrAlreadyStarted)

	st := h.ctrl.State()
	assert.Equal(t, types.PhaseID("p1"), st.ActivePhase)
	assert.Zero(t, st.LastTick)
	assert.True(t, h.store.Exists(), "initial state should be persisted")
	assert.True(t, h.health.get())
}

func TestController_RunOnceBeforeStart(t *testing.T) {
	h := createTestController(t, t.TempDir(), twoPhases(), newFakeProber(), &fakeTrigger{})
	_, err := h.ctrl.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestController_StartRejectsUnknownActivePhase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, snapshot.NewManagerInDir(dir).Save(types.PersistedState{ActivePhase: "gone"}))

	h := createTestController(t, dir, twoPhases(), newFakeProber(), &fakeTrigger{})
	err := h.ctrl.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, phase.ErrUnknownPhase)
}

// ============================================================================
// Tick Tests
// ============================================================================

func TestController_PhaseCompletionTriggersNextPhaseOnce(t *testing.T) {
	prober := newFakeProber()
	prober.set(completeSignal(), "rebrand", "architect", "integrator")
	prober.set(activeSignal(), "docs")
	trigger := &fakeTrigger{}

	h := createTestController(t, t.TempDir(), twoPhases(), prober, trigger)
	require.NoError(t, h.ctrl.Start())

	res, err := h.ctrl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Tick)
	assert.True(t, res.Launched)
	assert.Equal(t, []types.DecisionKind{
		types.DecisionStatusChange, types.DecisionStatusChange, types.DecisionStatusChange,
		types.DecisionPhaseComplete, types.DecisionTransition,
	}, kinds(res.Decisions))

	st := h.ctrl.State()
	assert.Equal(t, types.PhaseID("p2"), st.ActivePhase)
	assert.True(t, st.IsTriggered("p2"))
	assert.True(t, st.IsCompleted("p1"))
	assert.Equal(t, uint64(1), st.LastTick)
	require.NotNil(t, st.LastSnapshot)
	assert.Equal(t, types.PhaseID("p1"), st.LastSnapshot.Phase)

	// The next tick monitors the new phase and never relaunches.
	res, err = h.ctrl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Tick)
	assert.False(t, res.Launched)
	assert.Equal(t, []types.WorkerID{"docs"}, prober.lastCall())
	assert.Equal(t, 1, trigger.count())
}

func TestController_LogsTickSummary(t *testing.T) {
	prober := newFakeProber()
	prober.set(activeSignal(), "rebrand", "architect", "integrator")

	h := createTestController(t, t.TempDir(), twoPhases(), prober, &fakeTrigger{})
	logger, logs := logging.NewObserved()
	h.ctrl.logger = logger
	require.NoError(t, h.ctrl.Start())

	_, err := h.ctrl.RunOnce(context.Background())
	require.NoError(t, err)

	entries := logs.FilterMessage("tick").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, uint64(1), fields["tick"])
	assert.Equal(t, "p1", fields["phase"])
	assert.Equal(t, "architect=active integrator=active rebrand=active", fields["workers"])
}

func TestController_IndeterminateProbeIsUnknown(t *testing.T) {
	prober := newFakeProber()
	prober.set(completeSignal(), "rebrand", "architect")
	prober.errs["integrator"] = errors.New("repository locked")

	trigger := &fakeTrigger{}
	h := createTestController(t, t.TempDir(), twoPhases(), prober, trigger)
	require.NoError(t, h.ctrl.Start())

	res, err := h.ctrl.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, types.WorkerUnknown, res.Snapshot.Status("integrator"))
	assert.Equal(t, 0, trigger.count())
	assert.Equal(t, types.PhaseID("p1"), h.ctrl.State().ActivePhase)
}

func TestController_LaunchFailureIsRetried(t *testing.T) {
	prober := newFakeProber()
	prober.set(completeSignal(), "rebrand", "architect", "integrator")
	trigger := &fakeTrigger{failures: 1}

	h := createTestController(t, t.TempDir(), twoPhases(), prober, trigger)
	require.NoError(t, h.ctrl.Start())

	res, err := h.ctrl.RunOnce(context.Background())
	require.Error(t, err)
	var le *launcher.LaunchError
	assert.ErrorAs(t, err, &le)
	assert.Contains(t, kinds(res.Decisions), types.DecisionLaunchFailed)
	st := h.ctrl.State()
	assert.False(t, st.IsTriggered("p2"))
	assert.Equal(t, types.PhaseID("p1"), h.ctrl.State().ActivePhase)

	res, err = h.ctrl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Launched)
	assert.Contains(t, kinds(res.Decisions), types.DecisionTransition)
	assert.Equal(t, 1, trigger.count())
}

func TestController_TickNumbersContinueAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	prober := newFakeProber()
	prober.set(activeSignal(), "rebrand", "architect", "integrator")

	h := createTestController(t, dir, twoPhases(), prober, &fakeTrigger{})
	require.NoError(t, h.ctrl.Start())
	for i := 0; i < 3; i++ {
		_, err := h.ctrl.RunOnce(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, h.log.Close())

	h2 := createTestController(t, dir, twoPhases(), prober, &fakeTrigger{})
	require.NoError(t, h2.ctrl.Start())
	res, err := h2.ctrl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Tick)

	// The restored snapshot suppresses repeated status-change records.
	assert.Empty(t, res.Decisions)
}

// ============================================================================
// Persistence Failure Tests
// ============================================================================

func TestController_PendingStateIsRetriedBeforeDeciding(t *testing.T) {
	prober := newFakeProber()
	prober.set(activeSignal(), "rebrand", "architect", "integrator")

	h := createTestController(t, t.TempDir(), twoPhases(), prober, &fakeTrigger{})
	require.NoError(t, h.ctrl.Start())

	h.store.failures = 2
	_, err := h.ctrl.RunOnce(context.Background())
	require.Error(t, err)
	var pe *snapshot.PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.True(t, h.ctrl.PersistPending())
	assert.False(t, h.health.get())
	assert.Zero(t, h.ctrl.State().LastTick, "authoritative state only swaps after a successful write")

	// Retry fails again: nothing is probed.
	res, err := h.ctrl.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, 1, prober.callCount())

	// Retry succeeds: the pending state lands and the tick proceeds.
	res, err = h.ctrl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Suspended)
	assert.Equal(t, uint64(2), res.Tick)
	assert.False(t, h.ctrl.PersistPending())
	assert.True(t, h.health.get())

	st, found, err := h.store.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), st.LastTick)
}

func TestController_CrashAfterLaunchDoesNotRelaunch(t *testing.T) {
	dir := t.TempDir()
	prober := newFakeProber()
	prober.set(completeSignal(), "rebrand", "architect", "integrator")
	prober.set(activeSignal(), "docs")
	trigger := &fakeTrigger{}

	h := createTestController(t, dir, twoPhases(), prober, trigger)
	require.NoError(t, h.ctrl.Start())

	// Launch and record succeed, the state write does not; then the process dies.
	h.store.failures = 1
	res, err := h.ctrl.RunOnce(context.Background())
	require.Error(t, err)
	require.True(t, res.Launched)
	require.NoError(t, h.log.Close())

	st, _, err := snapshot.NewManagerInDir(dir).Load()
	require.NoError(t, err)
	require.Equal(t, types.PhaseID("p1"), st.ActivePhase, "state on disk predates the launch")

	h2 := createTestController(t, dir, twoPhases(), prober, trigger)
	require.NoError(t, h2.ctrl.Start())

	recovered := h2.ctrl.State()
	assert.Equal(t, types.PhaseID("p2"), recovered.ActivePhase)
	assert.True(t, recovered.IsTriggered("p2"))

	_, err = h2.ctrl.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, trigger.count())
	assert.Equal(t, []types.WorkerID{"docs"}, prober.lastCall())
}

// ============================================================================
// Loop Tests
// ============================================================================

func TestController_RunStopsWhenAllComplete(t *testing.T) {
	prober := newFakeProber()
	prober.set(completeSignal(), "solo")
	phases := []types.PhaseDef{{ID: "only", Workers: []types.WorkerDef{{ID: "solo"}}}}

	h := createTestController(t, t.TempDir(), phases, prober, &fakeTrigger{})
	h.ctrl.cfg.StopWhenComplete = true
	require.NoError(t, h.ctrl.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Run(ctx))
	assert.NoError(t, ctx.Err(), "Run should return on completion, not on timeout")
	assert.True(t, h.ctrl.AllComplete())
}

func TestController_StopEndsRun(t *testing.T) {
	prober := newFakeProber()
	prober.set(activeSignal(), "rebrand", "architect", "integrator")

	h := createTestController(t, t.TempDir(), twoPhases(), prober, &fakeTrigger{})
	require.NoError(t, h.ctrl.Start())

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(context.Background()) }()

	require.Eventually(t, func() bool { return prober.callCount() >= 1 }, 5*time.Second, 10*time.Millisecond)
	h.ctrl.Stop()
	h.ctrl.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.False(t, h.health.get())
}

func TestSummarize(t *testing.T) {
	snap := types.StatusSnapshot{Workers: map[types.WorkerID]types.Observation{
		"b": {Status: types.WorkerIdle},
		"a": {Status: types.WorkerActive},
	}}
	assert.Equal(t, "a=active b=idle", summarize(snap))
}

package snapshot

// ============================================================================
// State manager tests
// Covers: atomic write, load, version check, interrupted-write leftovers
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

func sampleState() types.PersistedState {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.PersistedState{
		ActivePhase:      "features",
		TriggeredPhases:  []types.PhaseID{"features"},
		CompletedPhases:  []types.PhaseID{"foundation"},
		PhaseActivatedAt: map[types.PhaseID]time.Time{"features": at},
		LastTick:         42,
		LastSnapshotTime: at,
		LastSnapshot: &types.StatusSnapshot{
			Tick: 42, Phase: "foundation", TakenAt: at,
			Workers: map[types.WorkerID]types.Observation{
				"rebrand": {Status: types.WorkerComplete, ObservedAt: at},
			},
		},
	}
}

// ============================================================================
// Basic behaviour
// ============================================================================

// TestSaveAndLoad round-trips a full state document.
func TestSaveAndLoad(t *testing.T) {
	m := NewManagerInDir(t.TempDir())

	require.NoError(t, m.Save(sampleState()))

	loaded, exists, err := m.Load()
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, types.PhaseID("features"), loaded.ActivePhase)
	assert.True(t, loaded.IsTriggered("features"))
	assert.True(t, loaded.IsCompleted("foundation"))
	assert.Equal(t, uint64(42), loaded.LastTick)
	require.NotNil(t, loaded.LastSnapshot)
	assert.Equal(t, types.WorkerComplete, loaded.LastSnapshot.Status("rebrand"))
}

// TestLoad_MissingFile starts from scratch.
func TestLoad_MissingFile(t *testing.T) {
	m := NewManagerInDir(t.TempDir())

	state, exists, err := m.Load()
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, SchemaVersion, state.SchemaVer)
	assert.Empty(t, state.ActivePhase)
}

// TestLoad_EmptyFileIsAbsent covers a crash between create and first write.
func TestLoad_EmptyFileIsAbsent(t *testing.T) {
	m := NewManagerInDir(t.TempDir())
	require.NoError(t, os.WriteFile(m.Path(), nil, 0o644))

	_, exists, err := m.Load()
	require.NoError(t, err)
	assert.False(t, exists)
}

// ============================================================================
// Atomicity
// ============================================================================

// TestSave_LeavesNoTempFile checks the rename consumed the temp file.
func TestSave_LeavesNoTempFile(t *testing.T) {
	m := NewManagerInDir(t.TempDir())
	require.NoError(t, m.Save(sampleState()))

	_, err := os.Stat(m.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

// TestLoad_IgnoresPartialTempFile simulates a crash mid-write: the previous
// state must still be what Load returns.
func TestLoad_IgnoresPartialTempFile(t *testing.T) {
	m := NewManagerInDir(t.TempDir())
	require.NoError(t, m.Save(sampleState()))
	require.NoError(t, os.WriteFile(m.Path()+".tmp", []byte(`{"schema_ver":1,"active_ph`), 0o644))

	loaded, exists, err := m.Load()
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, types.PhaseID("features"), loaded.ActivePhase)

	// The next save overwrites the leftover.
	next := sampleState()
	next.LastTick = 43
	require.NoError(t, m.Save(next))
	loaded, _, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(43), loaded.LastTick)
}

// TestLoad_TempOnlyIsAbsent: a first-ever write interrupted before rename.
func TestLoad_TempOnlyIsAbsent(t *testing.T) {
	m := NewManagerInDir(t.TempDir())
	require.NoError(t, os.WriteFile(m.Path()+".tmp", []byte(`{"schema`), 0o644))

	_, exists, err := m.Load()
	require.NoError(t, err)
	assert.False(t, exists)
}

// TestSave_Concurrent serialises concurrent writers.
func TestSave_Concurrent(t *testing.T) {
	m := NewManagerInDir(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(tick uint64) {
			defer wg.Done()
			s := sampleState()
			s.LastTick = tick
			assert.NoError(t, m.Save(s))
		}(uint64(i))
	}
	wg.Wait()

	_, exists, err := m.Load()
	require.NoError(t, err)
	assert.True(t, exists)
}

// ============================================================================
// Error handling
// ============================================================================

// TestLoad_CorruptedFile is a fatal PersistenceError.
func TestLoad_CorruptedFile(t *testing.T) {
	m := NewManagerInDir(t.TempDir())
	require.NoError(t, os.WriteFile(m.Path(), []byte("{not json"), 0o644))

	_, _, err := m.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedState)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "load", pe.Op)
}

// TestLoad_IncompatibleVersion rejects unknown layouts.
func TestLoad_IncompatibleVersion(t *testing.T) {
	m := NewManagerInDir(t.TempDir())
	data, err := json.Marshal(map[string]any{"schema_ver": 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.Path(), data, 0o644))

	_, _, err = m.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestSave_UnwritableDirectory surfaces a PersistenceError.
func TestSave_UnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	m := NewManager(filepath.Join(blocker, "state.json"))
	err := m.Save(sampleState())
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "save", pe.Op)
}

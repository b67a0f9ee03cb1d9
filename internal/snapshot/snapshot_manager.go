package snapshot

// ============================================================================
// Responsibilities:
// 1. Persist the orchestration state (PersistedState) as a JSON document
// 2. Atomic writes (temp file + fsync + rename) so a crash never leaves a
//    half-written state file behind
// 3. Verify schema version compatibility on load
// 4. Treat leftovers of an interrupted write as "no state yet"
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// SchemaVersion is the current state file layout.
const SchemaVersion = 1

// StateFileName is the state file inside the state directory.
const StateFileName = "state.json"

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedState      = errors.New("state file is corrupted")
	ErrIncompatibleVersion = errors.New("state schema version is incompatible")
)

// PersistenceError describes a failed state file operation.
type PersistenceError struct {
	Op   string // "load", "save", "lock"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ============================================================================
// Manager
// ============================================================================

// Manager owns the state file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for the state file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// NewManagerInDir returns a manager for <dir>/state.json.
func NewManagerInDir(dir string) *Manager {
	return NewManager(filepath.Join(dir, StateFileName))
}

// Path returns the state file path.
func (m *Manager) Path() string {
	return m.path
}

// Load reads the persisted state.
//
// A missing or empty file yields (zero state, false, nil). A temp file from an
// interrupted write is ignored. An unparsable file is a *PersistenceError
// wrapping ErrCorruptedState.
func (m *Manager) Load() (types.PersistedState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return types.PersistedState{SchemaVer: SchemaVersion}, false, nil
	}
	if err != nil {
		return types.PersistedState{}, false, &PersistenceError{Op: "load", Path: m.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return types.PersistedState{SchemaVer: SchemaVersion}, false, nil
	}

	var state types.PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return types.PersistedState{}, false, &PersistenceError{
			Op: "load", Path: m.path, Err: fmt.Errorf("%w: %v", ErrCorruptedState, err),
		}
	}
	if state.SchemaVer != SchemaVersion {
		return types.PersistedState{}, false, &PersistenceError{
			Op: "load", Path: m.path,
			Err: fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, state.SchemaVer, SchemaVersion),
		}
	}
	return state, true, nil
}

// Save atomically replaces the state file with state.
func (m *Manager) Save(state types.PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.SchemaVer = SchemaVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "save", Path: m.path, Err: err}
	}
	data = append(data, '\n')

	if err := AtomicWrite(m.path, data); err != nil {
		return &PersistenceError{Op: "save", Path: m.path, Err: err}
	}
	return nil
}

// Exists reports whether a state file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// AtomicWrite writes data to path via a temp file in the same directory,
// fsyncs it, renames it over path and fsyncs the directory.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	// Directory fsync makes the rename durable; not every platform supports it.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

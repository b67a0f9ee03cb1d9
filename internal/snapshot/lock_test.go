package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_Exclusive(t *testing.T) {
	dir := t.TempDir()
	first := NewFileLockInDir(dir)
	require.NoError(t, first.TryLock())
	defer first.Unlock()

	second := NewFileLockInDir(dir)
	err := second.TryLock()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "lock", pe.Op)
}

func TestFileLock_RecordsPID(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLockInDir(dir)
	require.NoError(t, l.TryLock())

	pid, err := ReadPID(l.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, l.Unlock())
	pid, err = ReadPID(l.Path())
	require.NoError(t, err)
	assert.Zero(t, pid)
}

func TestFileLock_ReacquireAfterUnlock(t *testing.T) {
	dir := t.TempDir()
	first := NewFileLockInDir(dir)
	require.NoError(t, first.TryLock())
	require.NoError(t, first.Unlock())
	require.NoError(t, first.Unlock())

	second := NewFileLockInDir(dir)
	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	pid, err := ReadPID(filepath.Join(dir, "missing.lock"))
	require.NoError(t, err)
	assert.Zero(t, pid)

	bad := filepath.Join(dir, "bad.lock")
	require.NoError(t, os.WriteFile(bad, []byte("abc\n"), 0o644))
	_, err = ReadPID(bad)
	assert.Error(t, err)
}

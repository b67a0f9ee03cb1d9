package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

func writeEvents(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestEventsProvider_MissingFile(t *testing.T) {
	p := NewEventsProvider(filepath.Join(t.TempDir(), "absent.jsonl"), nil)

	sig, err := p.Probe(context.Background(), types.WorkerDef{ID: "w1"})
	require.NoError(t, err)
	assert.False(t, sig.HasActivity)
}

func TestEventsProvider_LatestEventWins(t *testing.T) {
	path := writeEvents(t,
		`{"ts":"2025-03-01T10:00:00Z","source":"w1","event":"started"}`,
		`{"ts":"2025-03-01T10:30:00Z","source":"w2","event":"started"}`,
		`{"timestamp":"2025-03-01T10:20:00Z","worker":"w1","event":"commit"}`,
		`{"ts":"2025-03-01T10:05:00Z","source":"w1","event":"note"}`,
	)
	p := NewEventsProvider(path, nil)

	sig, err := p.Probe(context.Background(), types.WorkerDef{ID: "w1"})
	require.NoError(t, err)
	assert.True(t, sig.HasActivity)
	assert.False(t, sig.ExplicitComplete)
	assert.True(t, sig.LastActivity.Equal(time.Date(2025, 3, 1, 10, 20, 0, 0, time.UTC)))
}

func TestEventsProvider_CompletionEvent(t *testing.T) {
	path := writeEvents(t,
		`{"ts":"2025-03-01T10:00:00Z","source":"w1","event":"started"}`,
		`{"ts":"2025-03-01T11:00:00Z","source":"w1","event":"worker_complete"}`,
	)

	sig, err := NewEventsProvider(path, nil).Probe(context.Background(), types.WorkerDef{ID: "w1"})
	require.NoError(t, err)
	assert.True(t, sig.ExplicitComplete)

	sig, err = NewEventsProvider(path, []string{"done"}).Probe(context.Background(), types.WorkerDef{ID: "w1"})
	require.NoError(t, err)
	assert.False(t, sig.ExplicitComplete)
}

func TestEventsProvider_SkipsMalformedLines(t *testing.T) {
	path := writeEvents(t,
		`not json at all`,
		`{"ts":"garbage","source":"w1","event":"x"}`,
		`{"ts":1740823200,"source":"w1","event":"numeric"}`,
	)

	sig, err := NewEventsProvider(path, nil).Probe(context.Background(), types.WorkerDef{ID: "w1"})
	require.NoError(t, err)
	assert.True(t, sig.HasActivity)
	assert.Equal(t, int64(1740823200), sig.LastActivity.Unix())
}

func TestParseEventTime_NaiveISO(t *testing.T) {
	ts, ok := parseEventTime([]byte(`"2025-03-01T10:00:00.123456"`))
	require.True(t, ok)
	assert.Equal(t, 10, ts.Hour())

	_, ok = parseEventTime(nil)
	assert.False(t, ok)
}

func TestEventsProvider_SkipsOversizedLine(t *testing.T) {
	huge := `{"ts":"2025-03-01T12:00:00Z","source":"w1","event":"note","blob":"` +
		strings.Repeat("x", maxEventLine) + `"}`
	path := writeEvents(t,
		`{"ts":"2025-03-01T10:00:00Z","source":"w1","event":"started"}`,
		huge,
		`{"ts":"2025-03-01T11:00:00Z","source":"w1","event":"worker_complete"}`,
	)

	sig, err := NewEventsProvider(path, nil).Probe(context.Background(), types.WorkerDef{ID: "w1"})
	require.NoError(t, err)
	assert.True(t, sig.ExplicitComplete)
	assert.True(t, sig.LastActivity.Equal(time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)))
}

func TestEventsProvider_LastLineWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"ts":"2025-03-01T10:00:00Z","source":"w1","event":"worker_complete"}`), 0o644))

	sig, err := NewEventsProvider(path, nil).Probe(context.Background(), types.WorkerDef{ID: "w1"})
	require.NoError(t, err)
	assert.True(t, sig.HasActivity)
	assert.True(t, sig.ExplicitComplete)
}

package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// DefaultCompletionEvents are the event names that mark a worker complete.
var DefaultCompletionEvents = []string{"worker_complete", "complete"}

// maxEventLine bounds a single events.jsonl line; longer lines are skipped.
const maxEventLine = 1 << 20

// EventsProvider reads worker activity from an events.jsonl stream written by
// the workers themselves. Each line is a JSON object with a timestamp
// ("ts" or "timestamp"), the emitting worker ("source" or "worker") and an
// "event" name.
type EventsProvider struct {
	path       string
	completion map[string]struct{}
}

// NewEventsProvider returns a provider reading path. A nil completion list
// selects DefaultCompletionEvents.
func NewEventsProvider(path string, completionEvents []string) *EventsProvider {
	if len(completionEvents) == 0 {
		completionEvents = DefaultCompletionEvents
	}
	set := make(map[string]struct{}, len(completionEvents))
	for _, name := range completionEvents {
		set[name] = struct{}{}
	}
	return &EventsProvider{path: path, completion: set}
}

type eventLine struct {
	TS        json.RawMessage `json:"ts"`
	Timestamp json.RawMessage `json:"timestamp"`
	Source    string          `json:"source"`
	Worker    string          `json:"worker"`
	Event     string          `json:"event"`
}

func (l eventLine) workerID() types.WorkerID {
	if l.Source != "" {
		return types.WorkerID(l.Source)
	}
	return types.WorkerID(l.Worker)
}

// Probe implements Provider.
func (p *EventsProvider) Probe(ctx context.Context, w types.WorkerDef) (Signal, error) {
	f, err := os.Open(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return Signal{}, nil
	}
	if err != nil {
		return Signal{}, probeErr(w.ID, "open events file: %w", err)
	}
	defer f.Close()

	var sig Signal
	reader := bufio.NewReaderSize(f, 64*1024)
	for lineNo := 0; ; lineNo++ {
		if lineNo%512 == 0 {
			if err := ctx.Err(); err != nil {
				return Signal{}, &ProbeError{Worker: w.ID, Err: err}
			}
		}

		raw, readErr := readEventLine(reader)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return Signal{}, probeErr(w.ID, "read events file: %w", readErr)
		}
		p.apply(&sig, w.ID, raw)
		if readErr != nil {
			return sig, nil
		}
	}
}

// apply folds one events line into sig. Malformed and foreign lines are
// skipped.
func (p *EventsProvider) apply(sig *Signal, id types.WorkerID, raw []byte) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return
	}
	var line eventLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return
	}
	if line.workerID() != id {
		return
	}

	tsRaw := line.TS
	if len(tsRaw) == 0 {
		tsRaw = line.Timestamp
	}
	ts, ok := parseEventTime(tsRaw)
	if !ok {
		return
	}

	sig.HasActivity = true
	if ts.After(sig.LastActivity) {
		sig.LastActivity = ts
	}
	if _, done := p.completion[line.Event]; done {
		sig.ExplicitComplete = true
	}
}

// readEventLine returns the next line without its line ending. A line longer
// than maxEventLine is consumed and returned as nil.
func readEventLine(r *bufio.Reader) ([]byte, error) {
	var (
		line      []byte
		oversized bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > maxEventLine {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if oversized {
			return nil, err
		}
		return bytes.TrimRight(line, "\r\n"), err
	}
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseEventTime accepts RFC3339, naive ISO timestamps (local time) and unix
// seconds.
func parseEventTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		secs, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return time.Time{}, false
		}
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)), true
	}

	for _, layout := range eventTimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// String describes the provider for logs.
func (p *EventsProvider) String() string {
	return fmt.Sprintf("events(%s)", p.path)
}

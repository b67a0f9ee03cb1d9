package worker

import (
	"time"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// Result is the outcome of probing one worker during a tick.
type Result struct {
	Worker   types.WorkerDef // worker that was probed
	Signal   Signal          // zero value when Err != nil
	Err      error           // non-nil means indeterminate
	Duration time.Duration   // wall time spent in the probe
}

// Indeterminate reports whether the probe failed to produce a signal.
func (r Result) Indeterminate() bool {
	return r.Err != nil
}

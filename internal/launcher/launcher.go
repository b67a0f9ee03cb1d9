// ============================================================================
// Phase-Pilot Launch Trigger
// ============================================================================
//
// Package: internal/launcher
// File: launcher.go
// Purpose: External boundary invoked when the next phase must start.
//
// The daemon only decides; how workers are actually spawned is a pluggable
// strategy:
//   - LogTrigger:     records the request and reports success (development).
//   - CommandTrigger: runs a configured command for the phase.
//
// A Trigger must be safe to call again for the same phase after a failure:
// the decision engine retries on the next tick.
//
// ============================================================================

package launcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// Trigger launches the workers of a phase. A nil error means the launch was
// accepted.
type Trigger interface {
	Launch(ctx context.Context, phase types.PhaseID, workers []types.WorkerDef) error
}

// LaunchError wraps a failed launch.
type LaunchError struct {
	Phase types.PhaseID
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch phase %s: %v", e.Phase, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// LogTrigger only logs launch requests.
type LogTrigger struct {
	logger *zap.Logger
}

// NewLogTrigger returns a LogTrigger writing to logger.
func NewLogTrigger(logger *zap.Logger) *LogTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTrigger{logger: logger}
}

// Launch implements Trigger.
func (t *LogTrigger) Launch(ctx context.Context, phase types.PhaseID, workers []types.WorkerDef) error {
	if err := ctx.Err(); err != nil {
		return &LaunchError{Phase: phase, Err: err}
	}
	t.logger.Info("launch requested",
		zap.String("phase", string(phase)),
		zap.Strings("workers", workerIDs(workers)))
	return nil
}

func workerIDs(workers []types.WorkerDef) []string {
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = string(w.ID)
	}
	return ids
}

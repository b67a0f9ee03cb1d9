// ============================================================================
// Phase-Pilot Worker Status Provider
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for reading the raw activity signal of a
//          single worker.
//
// Motivation:
//   Workers leave traces in different places. Git branches carry commits,
//   while an events.jsonl stream carries self-reported progress. The probe
//   pool and the classifier must not care which one is in use.
//
//   - GitProvider:       inspects the worker's branch tip.
//   - EventsProvider:    scans an events.jsonl file.
//   - CompositeProvider: merges several providers.
//
// Providers are strictly read-only. A provider error is never fatal: the
// worker is reported as indeterminate for that tick.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// ErrProbeTimeout is wrapped by a ProbeError when a probe overran its budget.
var ErrProbeTimeout = errors.New("probe timed out")

// Signal is the raw activity signal of one worker.
type Signal struct {
	LastActivity     time.Time // most recent activity attributable to the worker
	HasActivity      bool      // false when the worker has not started in this phase
	ExplicitComplete bool      // worker marked itself complete
}

// Provider reads the activity signal for one worker.
type Provider interface {
	// Probe inspects the worker's trace. It must honour ctx cancellation.
	//
	// Returns:
	//   - Signal: the observed activity.
	//   - error: a *ProbeError when the signal could not be determined.
	Probe(ctx context.Context, w types.WorkerDef) (Signal, error)
}

// ProviderFunc adapts a plain function into a Provider.
type ProviderFunc func(ctx context.Context, w types.WorkerDef) (Signal, error)

// Probe calls f(ctx, w).
func (f ProviderFunc) Probe(ctx context.Context, w types.WorkerDef) (Signal, error) {
	return f(ctx, w)
}

// ProbeError reports an indeterminate probe.
type ProbeError struct {
	Worker types.WorkerID
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Worker, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

func probeErr(id types.WorkerID, format string, args ...any) error {
	return &ProbeError{Worker: id, Err: fmt.Errorf(format, args...)}
}

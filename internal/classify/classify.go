// ============================================================================
// Phase-Pilot Worker State Classifier
// ============================================================================
//
// Package: internal/classify
// File: classify.go
// Purpose: Maps a raw activity signal onto a WorkerStatus.
//
// Priority (first match wins):
//   1. no activity at all          -> pending
//   2. explicit completion marker  -> complete
//   3. age = now - lastActivity:
//        age <  idle               -> active
//        idle <= age < stuck       -> idle
//        age >= stuck              -> stuck
//
// The function is pure. Every worker in a tick is classified against the same
// reference time so a snapshot is internally consistent.
//
// ============================================================================

package classify

import (
	"time"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

const (
	DefaultIdleThreshold  = 10 * time.Minute
	DefaultStuckThreshold = 30 * time.Minute
)

// Thresholds bundles the two age boundaries used by Classify.
type Thresholds struct {
	Idle  time.Duration
	Stuck time.Duration
}

// DefaultThresholds returns the 10m / 30m boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Idle: DefaultIdleThreshold, Stuck: DefaultStuckThreshold}
}

// Classify returns the status of a worker whose probe succeeded.
//
// A negative age (activity stamped after now, usually clock skew) counts as
// active.
func Classify(now, lastActivity time.Time, explicitComplete bool, idleThreshold, stuckThreshold time.Duration, hasAnyActivity bool) types.WorkerStatus {
	if !hasAnyActivity {
		return types.WorkerPending
	}
	if explicitComplete {
		return types.WorkerComplete
	}

	age := now.Sub(lastActivity)
	switch {
	case age < idleThreshold:
		return types.WorkerActive
	case age < stuckThreshold:
		return types.WorkerIdle
	default:
		return types.WorkerStuck
	}
}

// ClassifyIndeterminate is the status of a worker whose probe failed or timed out.
func ClassifyIndeterminate() types.WorkerStatus {
	return types.WorkerUnknown
}

// With is a convenience wrapper applying t to Classify.
func (t Thresholds) With(now, lastActivity time.Time, explicitComplete, hasAnyActivity bool) types.WorkerStatus {
	return Classify(now, lastActivity, explicitComplete, t.Idle, t.Stuck, hasAnyActivity)
}

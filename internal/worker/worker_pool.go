// ============================================================================
// Phase-Pilot Probe Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Probes every worker of a phase in parallel and gathers the
//          results into one batch (the per-tick barrier).
//
// Concurrency:
//   - errgroup with SetLimit bounds the number of probes in flight.
//   - Each probe runs under its own timeout. The provider call happens in a
//     separate goroutine so a provider that ignores ctx cannot hold the tick;
//     the overrun is reported as ErrProbeTimeout and the late result dropped.
//   - Results are returned in worker definition order.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

const (
	DefaultParallelism  = 4
	DefaultProbeTimeout = 20 * time.Second
)

// ErrPoolClosed is returned by ProbeAll after Close.
var ErrPoolClosed = errors.New("probe pool is closed")

// Pool runs provider probes with bounded parallelism.
type Pool struct {
	provider    Provider
	parallelism int
	timeout     time.Duration
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewPool builds a pool over provider. Non-positive values select defaults.
func NewPool(provider Provider, parallelism int, timeout time.Duration) *Pool {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Pool{
		provider:    provider,
		parallelism: parallelism,
		timeout:     timeout,
		closed:      make(chan struct{}),
	}
}

// ProbeAll probes every worker and returns once all results are in.
// Individual probe failures are carried in Result.Err; the returned error is
// non-nil only when the pool was closed or ctx was cancelled before the batch
// started.
func (p *Pool) ProbeAll(ctx context.Context, workers []types.WorkerDef) ([]Result, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]Result, len(workers))
	g := new(errgroup.Group)
	g.SetLimit(p.parallelism)

	for i, w := range workers {
		g.Go(func() error {
			results[i] = p.probeOne(ctx, w)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (p *Pool) probeOne(ctx context.Context, w types.WorkerDef) Result {
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		sig Signal
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		sig, err := p.provider.Probe(probeCtx, w)
		done <- outcome{sig: sig, err: err}
	}()

	select {
	case out := <-done:
		res := Result{Worker: w, Signal: out.sig, Err: out.err, Duration: time.Since(start)}
		if res.Err != nil {
			res.Signal = Signal{}
			var pe *ProbeError
			if !errors.As(res.Err, &pe) {
				res.Err = &ProbeError{Worker: w.ID, Err: res.Err}
			}
		}
		return res
	case <-probeCtx.Done():
		err := probeCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrProbeTimeout
		}
		return Result{Worker: w, Err: &ProbeError{Worker: w.ID, Err: err}, Duration: time.Since(start)}
	}
}

// Close rejects further batches. Probes already running are unaffected.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

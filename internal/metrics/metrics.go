// ============================================================================
// Phase-Pilot Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes daemon metrics for Prometheus.
//
// Metric families:
//
//   1. Counters (monotonic):
//      - phasepilot_ticks_total: completed monitoring ticks
//      - phasepilot_probe_errors_total: indeterminate probes
//      - phasepilot_decisions_total{kind}: decision records by kind
//      - phasepilot_launch_failures_total: failed launch attempts
//      - phasepilot_persist_failures_total: failed state writes
//      - phasepilot_stuck_escalations_total: stuck streak escalations
//
//   2. Histograms:
//      - phasepilot_tick_duration_seconds: wall time of one tick
//      - phasepilot_probe_duration_seconds: wall time of one probe
//
//   3. Gauges:
//      - phasepilot_workers{status}: workers of the active phase per status
//      - phasepilot_active_phase_index: zero-based position of the active phase
//      - phasepilot_all_complete: 1 once every phase is complete
//      - phasepilot_persist_pending: 1 while a state write awaits retry
//      - phasepilot_recovery_time_seconds: duration of the last start-up recovery
//
// Example queries:
//
//   # workers stuck right now
//   phasepilot_workers{status="stuck"}
//
//   # probe error ratio
//   rate(phasepilot_probe_errors_total[15m]) / rate(phasepilot_ticks_total[15m])
//
// HTTP endpoint:
//   /metrics on metrics.addr (default :9090) when metrics.enabled is set.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

var allStatuses = []types.WorkerStatus{
	types.WorkerPending, types.WorkerActive, types.WorkerIdle,
	types.WorkerStuck, types.WorkerComplete, types.WorkerUnknown,
}

// Collector holds the daemon metrics.
type Collector struct {
	ticks            prometheus.Counter
	probeErrors      prometheus.Counter
	decisions        *prometheus.CounterVec
	launchFailures   prometheus.Counter
	persistFailures  prometheus.Counter
	stuckEscalations prometheus.Counter

	tickDuration  prometheus.Histogram
	probeDuration prometheus.Histogram

	workers        *prometheus.GaugeVec
	activePhase    prometheus.Gauge
	allComplete    prometheus.Gauge
	persistPending prometheus.Gauge
	recoveryTime   prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phasepilot_ticks_total",
			Help: "Total number of completed monitoring ticks",
		}),
		probeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phasepilot_probe_errors_total",
			Help: "Total number of indeterminate worker probes",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phasepilot_decisions_total",
			Help: "Total number of decision records by kind",
		}, []string{"kind"}),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phasepilot_launch_failures_total",
			Help: "Total number of failed launch attempts",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phasepilot_persist_failures_total",
			Help: "Total number of failed state writes",
		}),
		stuckEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phasepilot_stuck_escalations_total",
			Help: "Total number of escalated stuck streaks",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phasepilot_tick_duration_seconds",
			Help:    "Wall time of one monitoring tick in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phasepilot_probe_duration_seconds",
			Help:    "Wall time of one worker probe in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "phasepilot_workers",
			Help: "Workers of the active phase by status",
		}, []string{"status"}),
		activePhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phasepilot_active_phase_index",
			Help: "Zero-based position of the active phase",
		}),
		allComplete: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phasepilot_all_complete",
			Help: "1 once every phase is complete",
		}),
		persistPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phasepilot_persist_pending",
			Help: "1 while a state write awaits retry",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phasepilot_recovery_time_seconds",
			Help: "Duration of the last start-up recovery in seconds",
		}),
	}

	reg.MustRegister(
		c.ticks, c.probeErrors, c.decisions, c.launchFailures,
		c.persistFailures, c.stuckEscalations, c.tickDuration,
		c.probeDuration, c.workers, c.activePhase, c.allComplete,
		c.persistPending, c.recoveryTime,
	)
	return c
}

// RecordTick records one completed tick.
func (c *Collector) RecordTick(d time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
}

// RecordProbe records one probe and whether it was indeterminate.
func (c *Collector) RecordProbe(d time.Duration, failed bool) {
	c.probeDuration.Observe(d.Seconds())
	if failed {
		c.probeErrors.Inc()
	}
}

// RecordDecision counts a decision record; failed launches are also counted
// separately.
func (c *Collector) RecordDecision(kind types.DecisionKind) {
	c.decisions.WithLabelValues(string(kind)).Inc()
	if kind == types.DecisionLaunchFailed {
		c.launchFailures.Inc()
	}
}

// RecordPersistFailure counts a failed state write.
func (c *Collector) RecordPersistFailure() {
	c.persistFailures.Inc()
}

// RecordEscalation counts an escalated stuck streak.
func (c *Collector) RecordEscalation() {
	c.stuckEscalations.Inc()
}

// UpdateWorkers replaces the per-status worker gauges.
func (c *Collector) UpdateWorkers(counts map[types.WorkerStatus]int) {
	for _, s := range allStatuses {
		c.workers.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// SetPhase updates the phase gauges.
func (c *Collector) SetPhase(index int, allComplete bool) {
	c.activePhase.Set(float64(index))
	if allComplete {
		c.allComplete.Set(1)
	} else {
		c.allComplete.Set(0)
	}
}

// SetPersistPending flags a state write awaiting retry.
func (c *Collector) SetPersistPending(pending bool) {
	if pending {
		c.persistPending.Set(1)
	} else {
		c.persistPending.Set(0)
	}
}

// SetRecoveryTime records the start-up recovery duration.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// Serve exposes /metrics from gatherer on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ChuLiYu/phase-pilot/internal/classify"
	"github.com/ChuLiYu/phase-pilot/internal/config"
	"github.com/ChuLiYu/phase-pilot/internal/controller"
	"github.com/ChuLiYu/phase-pilot/internal/decision"
	"github.com/ChuLiYu/phase-pilot/internal/launcher"
	"github.com/ChuLiYu/phase-pilot/internal/metrics"
	"github.com/ChuLiYu/phase-pilot/internal/phase"
	"github.com/ChuLiYu/phase-pilot/internal/snapshot"
	"github.com/ChuLiYu/phase-pilot/internal/storage/decisionlog"
	"github.com/ChuLiYu/phase-pilot/internal/worker"
	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// daemon is the fully wired monitor: everything run and tick need.
type daemon struct {
	ctrl    *controller.Controller
	pool    *worker.Pool
	log     *decisionlog.Log
	lock    *snapshot.FileLock
	metrics *metrics.Collector
}

// newDaemon takes the state directory lock and wires every component.
// health may be nil.
func newDaemon(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer, health controller.HealthReporter) (*daemon, error) {
	lock := snapshot.NewFileLock(cfg.LockPath())
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, snapshot.ErrLocked) {
			pid, _ := snapshot.ReadPID(cfg.LockPath())
			return nil, fmt.Errorf("another phasepilot (pid %d) owns %s: %w", pid, cfg.StateDir, err)
		}
		return nil, err
	}

	d := &daemon{lock: lock, metrics: metrics.NewCollector(reg)}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	tracker, err := phase.NewTracker(cfg.Phases,
		classify.Thresholds{Idle: cfg.Thresholds.Idle, Stuck: cfg.Thresholds.Stuck},
		phase.WithLogger(logger.Named("phase")),
		phase.WithStuckEscalation(cfg.Thresholds.StuckEscalation),
		phase.OnEscalation(func(_ types.WorkerID, _ int) { d.metrics.RecordEscalation() }),
	)
	if err != nil {
		return nil, err
	}

	trigger, err := newTrigger(cfg, logger.Named("launcher"))
	if err != nil {
		return nil, err
	}

	d.log, err = decisionlog.Open(cfg.DecisionLogPath(), true)
	if err != nil {
		return nil, &snapshot.PersistenceError{Op: "open", Path: cfg.DecisionLogPath(), Err: err}
	}

	d.pool = worker.NewPool(newProvider(cfg), cfg.Probe.Parallelism, cfg.Thresholds.ProbeTimeout)

	d.ctrl, err = controller.NewController(controller.Config{
		CheckInterval:    cfg.Thresholds.CheckInterval,
		StopWhenComplete: cfg.Daemon.StopWhenComplete,
		WatchPaths:       watchPaths(cfg),
		WakeInterval:     cfg.Daemon.WakeInterval,
		Tracker:          tracker,
		Prober:           d.pool,
		Engine:           decision.NewEngine(tracker, trigger, d.log, logger.Named("decision")),
		Log:              d.log,
		Store:            snapshot.NewManager(cfg.StatePath()),
		Metrics:          d.metrics,
		Health:           health,
		Logger:           logger.Named("controller"),
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return d, nil
}

// Close releases the pool, the decision log and the lock, in that order.
func (d *daemon) Close() error {
	var errs []error
	if d.pool != nil {
		d.pool.Close()
	}
	if d.log != nil {
		errs = append(errs, d.log.Close())
	}
	if d.lock != nil {
		errs = append(errs, d.lock.Unlock())
	}
	return errors.Join(errs...)
}

func newProvider(cfg *config.Config) worker.Provider {
	git := worker.NewGitProvider(worker.GitConfig{
		RepoPath:        cfg.Probe.Repo,
		BaseBranch:      cfg.Probe.BaseBranch,
		Remote:          cfg.Probe.Remote,
		CompletionToken: cfg.Probe.CompletionToken,
		MarkerFile:      cfg.Probe.MarkerFile,
	})
	switch cfg.Probe.Kind {
	case config.ProbeEvents:
		return worker.NewEventsProvider(cfg.Probe.EventsFile, cfg.Probe.CompletionEvents)
	case config.ProbeComposite:
		return worker.NewCompositeProvider(git, worker.NewEventsProvider(cfg.Probe.EventsFile, cfg.Probe.CompletionEvents))
	default:
		return git
	}
}

func newTrigger(cfg *config.Config, logger *zap.Logger) (launcher.Trigger, error) {
	if cfg.Launch.Kind == config.LaunchCommand {
		return launcher.NewCommandTrigger(cfg.Launch.Command, cfg.Probe.Repo, cfg.Launch.Timeout, logger)
	}
	return launcher.NewLogTrigger(logger), nil
}

// watchPaths lists the paths whose changes wake the loop early: the ref
// store of the repository and the events stream.
func watchPaths(cfg *config.Config) []string {
	if !cfg.Daemon.Watch {
		return nil
	}
	var paths []string
	if cfg.Probe.Kind != config.ProbeEvents {
		refs := filepath.Join(cfg.Probe.Repo, ".git", "refs")
		if info, err := os.Stat(refs); err == nil && info.IsDir() {
			paths = append(paths, refs)
		}
	}
	if cfg.Probe.Kind != config.ProbeGit {
		paths = append(paths, cfg.Probe.EventsFile)
	}
	return paths
}

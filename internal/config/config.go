// Package config loads and validates the phasepilot configuration.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/phase-pilot/internal/logging"
	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// Probe kinds.
const (
	ProbeGit       = "git"
	ProbeEvents    = "events"
	ProbeComposite = "composite"
)

// Launch kinds.
const (
	LaunchLog     = "log"
	LaunchCommand = "command"
)

// Config is the full daemon configuration.
type Config struct {
	Project    string           `koanf:"project" yaml:"project"`
	StateDir   string           `koanf:"state_dir" yaml:"state_dir"`
	Thresholds ThresholdsConfig `koanf:"thresholds" yaml:"thresholds"`
	Probe      ProbeConfig      `koanf:"probe" yaml:"probe"`
	Launch     LaunchConfig     `koanf:"launch" yaml:"launch"`
	Daemon     DaemonConfig     `koanf:"daemon" yaml:"daemon"`
	Metrics    MetricsConfig    `koanf:"metrics" yaml:"metrics"`
	Health     HealthConfig     `koanf:"health" yaml:"health"`
	Logging    logging.Config   `koanf:"logging" yaml:"logging"`
	Phases     []types.PhaseDef `koanf:"phases" yaml:"phases"`
}

// ThresholdsConfig holds classification and cadence settings.
type ThresholdsConfig struct {
	Idle            time.Duration `koanf:"idle" yaml:"idle"`
	Stuck           time.Duration `koanf:"stuck" yaml:"stuck"`
	CheckInterval   time.Duration `koanf:"check_interval" yaml:"check_interval"`
	ProbeTimeout    time.Duration `koanf:"probe_timeout" yaml:"probe_timeout"`
	StuckEscalation int           `koanf:"stuck_escalation" yaml:"stuck_escalation"`
}

// ProbeConfig selects and configures the worker status provider.
type ProbeConfig struct {
	Kind             string   `koanf:"kind" yaml:"kind"`
	Repo             string   `koanf:"repo" yaml:"repo"`
	BaseBranch       string   `koanf:"base_branch" yaml:"base_branch"`
	Remote           string   `koanf:"remote" yaml:"remote"`
	CompletionToken  string   `koanf:"completion_token" yaml:"completion_token"`
	MarkerFile       string   `koanf:"marker_file" yaml:"marker_file"`
	EventsFile       string   `koanf:"events_file" yaml:"events_file"`
	CompletionEvents []string `koanf:"completion_events" yaml:"completion_events"`
	Parallelism      int      `koanf:"parallelism" yaml:"parallelism"`
}

// LaunchConfig selects the launch trigger.
type LaunchConfig struct {
	Kind    string        `koanf:"kind" yaml:"kind"`
	Command []string      `koanf:"command" yaml:"command"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// DaemonConfig holds loop behaviour switches.
type DaemonConfig struct {
	StopWhenComplete bool          `koanf:"stop_when_complete" yaml:"stop_when_complete"`
	Watch            bool          `koanf:"watch" yaml:"watch"`
	WakeInterval     time.Duration `koanf:"wake_interval" yaml:"wake_interval"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

// HealthConfig enables the gRPC health endpoint.
type HealthConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

// ConfigError is a fatal configuration problem.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.StateDir == "" {
		errs = append(errs, invalid("state_dir", "must not be empty"))
	}

	t := c.Thresholds
	if t.Idle <= 0 {
		errs = append(errs, invalid("thresholds.idle", "must be positive, got %s", t.Idle))
	}
	if t.Stuck <= t.Idle {
		errs = append(errs, invalid("thresholds.stuck", "must be greater than idle (%s), got %s", t.Idle, t.Stuck))
	}
	if t.CheckInterval <= 0 {
		errs = append(errs, invalid("thresholds.check_interval", "must be positive, got %s", t.CheckInterval))
	}
	if t.ProbeTimeout <= 0 || (t.CheckInterval > 0 && t.ProbeTimeout >= t.CheckInterval) {
		errs = append(errs, invalid("thresholds.probe_timeout", "must be positive and below check_interval (%s), got %s", t.CheckInterval, t.ProbeTimeout))
	}
	if t.StuckEscalation < 0 {
		errs = append(errs, invalid("thresholds.stuck_escalation", "must not be negative"))
	}

	switch c.Probe.Kind {
	case ProbeGit, ProbeComposite:
		if c.Probe.Repo == "" {
			errs = append(errs, invalid("probe.repo", "required for %s probes", c.Probe.Kind))
		}
	case ProbeEvents:
	default:
		errs = append(errs, invalid("probe.kind", "must be git, events or composite, got %q", c.Probe.Kind))
	}
	if (c.Probe.Kind == ProbeEvents || c.Probe.Kind == ProbeComposite) && c.Probe.EventsFile == "" {
		errs = append(errs, invalid("probe.events_file", "required for %s probes", c.Probe.Kind))
	}
	if c.Probe.Parallelism < 1 {
		errs = append(errs, invalid("probe.parallelism", "must be at least 1"))
	}

	switch c.Launch.Kind {
	case LaunchLog:
	case LaunchCommand:
		if len(c.Launch.Command) == 0 || c.Launch.Command[0] == "" {
			errs = append(errs, invalid("launch.command", "required when launch.kind is command"))
		}
	default:
		errs = append(errs, invalid("launch.kind", "must be log or command, got %q", c.Launch.Kind))
	}

	if c.Daemon.Watch && c.Daemon.WakeInterval <= 0 {
		errs = append(errs, invalid("daemon.wake_interval", "must be positive when watch is enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, invalid("metrics.addr", "required when metrics are enabled"))
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		errs = append(errs, invalid("health.addr", "required when health is enabled"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, invalid("logging", "%v", err))
	}

	errs = append(errs, c.validatePhases()...)
	return errors.Join(errs...)
}

func (c *Config) validatePhases() []error {
	if len(c.Phases) == 0 {
		return []error{invalid("phases", "at least one phase is required")}
	}

	var errs []error
	phaseIDs := make(map[types.PhaseID]bool)
	workerIDs := make(map[types.WorkerID]types.PhaseID)
	needsBranch := c.Probe.Kind == ProbeGit || c.Probe.Kind == ProbeComposite

	for i, p := range c.Phases {
		field := fmt.Sprintf("phases[%d]", i)
		if p.ID == "" {
			errs = append(errs, invalid(field+".id", "must not be empty"))
		} else if phaseIDs[p.ID] {
			errs = append(errs, invalid(field+".id", "duplicate phase id %q", p.ID))
		}
		phaseIDs[p.ID] = true

		if len(p.Workers) == 0 {
			errs = append(errs, invalid(field+".workers", "phase %q has no workers", p.ID))
		}
		for j, w := range p.Workers {
			wf := fmt.Sprintf("%s.workers[%d]", field, j)
			if w.ID == "" {
				errs = append(errs, invalid(wf+".id", "must not be empty"))
				continue
			}
			if other, dup := workerIDs[w.ID]; dup {
				errs = append(errs, invalid(wf+".id", "worker %q already assigned to phase %q", w.ID, other))
			}
			workerIDs[w.ID] = p.ID
			if needsBranch && w.Branch == "" {
				errs = append(errs, invalid(wf+".branch", "required for %s probes", c.Probe.Kind))
			}
		}
	}
	return errs
}

// StatePath returns <state_dir>/state.json.
func (c *Config) StatePath() string { return filepath.Join(c.StateDir, "state.json") }

// DecisionLogPath returns <state_dir>/decisions.jsonl.
func (c *Config) DecisionLogPath() string { return filepath.Join(c.StateDir, "decisions.jsonl") }

// LockPath returns <state_dir>/phasepilot.lock.
func (c *Config) LockPath() string { return filepath.Join(c.StateDir, "phasepilot.lock") }

// WorkerCount returns the number of workers across all phases.
func (c *Config) WorkerCount() int {
	n := 0
	for _, p := range c.Phases {
		n += len(p.Workers)
	}
	return n
}

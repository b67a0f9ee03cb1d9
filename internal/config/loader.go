package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	// EnvPrefix marks environment overrides, e.g. PHASEPILOT_THRESHOLDS_IDLE.
	EnvPrefix = "PHASEPILOT_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// defaultsYAML is loaded first so file and environment values override it.
const defaultsYAML = `
state_dir: .phasepilot
thresholds:
  idle: 10m
  stuck: 30m
  check_interval: 300s
  probe_timeout: 20s
  stuck_escalation: 3
probe:
  kind: git
  repo: .
  base_branch: main
  remote: origin
  completion_token: "[worker-complete]"
  marker_file: .worker-complete
  events_file: logs/events.jsonl
  completion_events: [worker_complete, complete]
  parallelism: 4
launch:
  kind: log
  timeout: 2m
daemon:
  stop_when_complete: false
  watch: true
  wake_interval: 30s
metrics:
  enabled: false
  addr: ":9090"
health:
  enabled: false
  addr: ":50051"
logging:
  level: info
  format: console
  stdout: true
`

// topLevelKeys are root keys that contain an underscore and must not be split
// into section.field by the environment transformer.
var topLevelKeys = map[string]bool{"state_dir": true}

// Load reads the YAML file at path, applies defaults and PHASEPILOT_*
// environment overrides, resolves relative paths against the file's directory
// and validates the result.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PHASEPILOT_THRESHOLDS_IDLE, PHASEPILOT_STATE_DIR, ...)
//  2. YAML config file
//  3. Built-in defaults
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Field: "file", Reason: err.Error()}
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, &ConfigError{Field: "file", Reason: err.Error()}
	}
	if len(content) > maxConfigFileSize {
		return nil, &ConfigError{Field: "file", Reason: "larger than 1MB"}
	}

	absDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve config directory: %w", err)
	}
	return LoadBytes(content, absDir)
}

// LoadBytes is Load for an in-memory document. Relative paths are resolved
// against baseDir.
func LoadBytes(content []byte, baseDir string) (*Config, error) {
	if err := strictCheck(content); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaultsYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if len(bytes.TrimSpace(content)) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, &ConfigError{Field: "file", Reason: err.Error()}
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, &ConfigError{Field: "file", Reason: err.Error()}
	}

	cfg.resolvePaths(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps PHASEPILOT_SECTION_FIELD_NAME to section.field_name.
// Strategy: split on the first underscore only (section.field_name pattern).
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if topLevelKeys[lower] {
		return lower
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// strictCheck rejects unknown keys with their line numbers before the
// permissive koanf merge runs.
func strictCheck(content []byte) error {
	dec := yamlv3.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var probe Config
	if err := dec.Decode(&probe); err != nil && !errors.Is(err, io.EOF) {
		return &ConfigError{Field: "file", Reason: err.Error()}
	}
	return nil
}

func (c *Config) resolvePaths(baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || baseDir == "" {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.StateDir = abs(c.StateDir)
	c.Probe.Repo = abs(c.Probe.Repo)
	c.Probe.EventsFile = abs(c.Probe.EventsFile)
	if c.Logging.File == "" && c.StateDir != "" {
		c.Logging.File = filepath.Join(c.StateDir, "phasepilot.log")
	} else {
		c.Logging.File = abs(c.Logging.File)
	}
}

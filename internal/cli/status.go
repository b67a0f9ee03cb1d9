package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/phase-pilot/internal/classify"
	"github.com/ChuLiYu/phase-pilot/internal/config"
	"github.com/ChuLiYu/phase-pilot/internal/controller"
	"github.com/ChuLiYu/phase-pilot/internal/phase"
	"github.com/ChuLiYu/phase-pilot/internal/server"
	"github.com/ChuLiYu/phase-pilot/internal/snapshot"
	"github.com/ChuLiYu/phase-pilot/internal/storage/decisionlog"
	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

const (
	outputText = "text"
	outputYAML = "yaml"
	outputJSON = "json"
)

func checkOutput(format string) error {
	switch format {
	case outputText, outputYAML, outputJSON:
		return nil
	}
	return fmt.Errorf("unknown output format %q: must be text, yaml or json", format)
}

// ============================================================================
// status
// ============================================================================

// statusReport is the status command's view of the persisted state.
type statusReport struct {
	Project          string                 `json:"project,omitempty" yaml:"project,omitempty"`
	StateDir         string                 `json:"state_dir" yaml:"state_dir"`
	Running          bool                   `json:"running" yaml:"running"`
	PID              int                    `json:"pid,omitempty" yaml:"pid,omitempty"`
	ActivePhase      types.PhaseID          `json:"active_phase" yaml:"active_phase"`
	AllComplete      bool                   `json:"all_complete" yaml:"all_complete"`
	LastTick         uint64                 `json:"last_tick" yaml:"last_tick"`
	LastSnapshotTime *time.Time             `json:"last_snapshot_time,omitempty" yaml:"last_snapshot_time,omitempty"`
	Phases           []phaseReport          `json:"phases" yaml:"phases"`
	Workers          []workerReport         `json:"workers,omitempty" yaml:"workers,omitempty"`
	Recent           []types.DecisionRecord `json:"recent_decisions,omitempty" yaml:"-"`
	RecentText       []string               `json:"-" yaml:"recent_decisions,omitempty"`
}

type phaseReport struct {
	ID      types.PhaseID     `json:"id" yaml:"id"`
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	Status  types.PhaseStatus `json:"status" yaml:"status"`
	Workers int               `json:"workers" yaml:"workers"`
}

type workerReport struct {
	ID           types.WorkerID     `json:"id" yaml:"id"`
	Status       types.WorkerStatus `json:"status" yaml:"status"`
	LastActivity *time.Time         `json:"last_activity,omitempty" yaml:"last_activity,omitempty"`
	Error        string             `json:"error,omitempty" yaml:"error,omitempty"`
}

func buildStatusCommand(load configLoader) *cobra.Command {
	var (
		output string
		recent int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current phase, last snapshot and recent decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			report, err := buildStatusReport(cfg, recent)
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), output, report)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, yaml or json")
	cmd.Flags().IntVar(&recent, "recent", 5, "number of recent decisions to show")
	return cmd
}

func buildStatusReport(cfg *config.Config, recent int) (*statusReport, error) {
	tracker, err := phase.NewTracker(cfg.Phases, classify.Thresholds{Idle: cfg.Thresholds.Idle, Stuck: cfg.Thresholds.Stuck})
	if err != nil {
		return nil, err
	}

	state, found, err := snapshot.NewManager(cfg.StatePath()).Load()
	if err != nil {
		return nil, err
	}
	if !found {
		state.ActivePhase = tracker.First().ID
	}

	report := &statusReport{
		Project:     cfg.Project,
		StateDir:    cfg.StateDir,
		ActivePhase: state.ActivePhase,
		AllComplete: state.AllComplete,
		LastTick:    state.LastTick,
	}
	if pid, err := snapshot.ReadPID(cfg.LockPath()); err == nil && processAlive(pid) {
		report.Running = true
		report.PID = pid
	}
	if !state.LastSnapshotTime.IsZero() {
		ts := state.LastSnapshotTime
		report.LastSnapshotTime = &ts
	}

	for _, p := range tracker.PhaseViews(state) {
		report.Phases = append(report.Phases, phaseReport{ID: p.ID, Name: p.Name, Status: p.Status, Workers: len(p.Workers)})
	}

	if snap := state.LastSnapshot; snap != nil {
		for _, id := range snap.WorkerIDs() {
			obs := snap.Workers[id]
			wr := workerReport{ID: id, Status: obs.Status, Error: obs.Error}
			if !obs.LastActivity.IsZero() {
				ts := obs.LastActivity
				wr.LastActivity = &ts
			}
			report.Workers = append(report.Workers, wr)
		}
	}

	if recent > 0 {
		records, err := decisionlog.ReadAll(cfg.DecisionLogPath())
		if err != nil {
			return nil, err
		}
		if len(records) > recent {
			records = records[len(records)-recent:]
		}
		report.Recent = records
		for _, rec := range records {
			report.RecentText = append(report.RecentText, formatRecord(rec))
		}
	}
	return report, nil
}

// processAlive reports whether pid names a live process. A PID left behind
// by a crashed daemon does not count.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func writeStatus(w io.Writer, format string, r *statusReport) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(r)
	}

	project := r.Project
	if project == "" {
		project = "(unnamed)"
	}
	fmt.Fprintf(w, "Project:      %s\n", project)
	if r.Running {
		fmt.Fprintf(w, "Daemon:       running (pid %d)\n", r.PID)
	} else {
		fmt.Fprintln(w, "Daemon:       not running")
	}
	fmt.Fprintf(w, "Active phase: %s\n", r.ActivePhase)
	fmt.Fprintf(w, "Last tick:    %d", r.LastTick)
	if r.LastSnapshotTime != nil {
		fmt.Fprintf(w, " at %s", r.LastSnapshotTime.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	if r.AllComplete {
		fmt.Fprintln(w, "All phases complete.")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nPHASE\tSTATUS\tWORKERS\tNAME")
	for _, p := range r.Phases {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ID, p.Status, p.Workers, p.Name)
	}
	if len(r.Workers) > 0 {
		fmt.Fprintln(tw, "\nWORKER\tSTATUS\tLAST ACTIVITY\t")
		for _, wr := range r.Workers {
			last := "-"
			if wr.LastActivity != nil {
				last = wr.LastActivity.Format(time.RFC3339)
			}
			if wr.Error != "" {
				last += " (" + wr.Error + ")"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t\n", wr.ID, wr.Status, last)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.RecentText) > 0 {
		fmt.Fprintln(w, "\nRecent decisions:")
		for _, line := range r.RecentText {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	return nil
}

// ============================================================================
// decisions
// ============================================================================

func buildDecisionsCommand(load configLoader) *cobra.Command {
	var (
		verify bool
		tail   int
		output string
	)
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Print or verify the decision trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			records, err := decisionlog.ReadAll(cfg.DecisionLogPath())
			if err != nil {
				return fmt.Errorf("decision log %s: %w", cfg.DecisionLogPath(), err)
			}

			out := cmd.OutOrStdout()
			if verify {
				fmt.Fprintf(out, "%d records verified in %s\n", len(records), cfg.DecisionLogPath())
				return nil
			}
			if tail > 0 && len(records) > tail {
				records = records[len(records)-tail:]
			}
			return writeRecords(out, output, records)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "only verify checksums and sequence numbers")
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "show only the last N records")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, yaml or json")
	return cmd
}

func writeRecords(w io.Writer, format string, records []types.DecisionRecord) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	case outputYAML:
		lines := make([]string, len(records))
		for i, rec := range records {
			lines[i] = formatRecord(rec)
		}
		return yaml.NewEncoder(w).Encode(lines)
	}
	for _, rec := range records {
		fmt.Fprintln(w, formatRecord(rec))
	}
	return nil
}

// formatRecord renders one record as a single human-readable line.
func formatRecord(rec types.DecisionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s tick=%d %s", rec.Seq, rec.Timestamp.Format(time.RFC3339), rec.Tick, rec.Kind)
	if rec.Phase != "" {
		fmt.Fprintf(&b, " phase=%s", rec.Phase)
	}
	if rec.Worker != "" {
		fmt.Fprintf(&b, " worker=%s", rec.Worker)
	}
	fmt.Fprintf(&b, ": %s", rec.Rationale)
	return b.String()
}

func printTick(cmd *cobra.Command, res controller.TickResult) {
	out := cmd.OutOrStdout()
	switch {
	case res.Suspended:
		fmt.Fprintf(out, "tick %d suspended: pending state write failed\n", res.Tick)
		return
	case res.Snapshot == nil && res.AllComplete:
		fmt.Fprintln(out, "all phases complete")
		return
	case res.Snapshot == nil:
		return
	}
	fmt.Fprintf(out, "tick %d phase %s\n", res.Tick, res.Snapshot.Phase)
	for _, id := range res.Snapshot.WorkerIDs() {
		fmt.Fprintf(out, "  %-20s %s\n", id, res.Snapshot.Workers[id].Status)
	}
	for _, rec := range res.Decisions {
		fmt.Fprintf(out, "  -> %s\n", formatRecord(rec))
	}
}

// ============================================================================
// health
// ============================================================================

func buildHealthCommand(load configLoader) *cobra.Command {
	var (
		addr    string
		service string
		output  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health endpoint of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != outputText && output != outputJSON {
				return fmt.Errorf("unknown output format %q: must be text or json", output)
			}
			if addr == "" {
				cfg, err := load()
				if err != nil {
					return err
				}
				addr = cfg.Health.Addr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := server.Check(ctx, addr, service)
			if err != nil {
				return fmt.Errorf("health check %s: %w", addr, err)
			}

			out := cmd.OutOrStdout()
			if output == outputJSON {
				data, err := protojson.Marshal(resp)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			} else {
				fmt.Fprintln(out, resp.GetStatus().String())
			}
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("daemon at %s is %s", addr, resp.GetStatus())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "health endpoint address (default: health.addr from the config)")
	cmd.Flags().StringVar(&service, "service", server.MonitorService, "service name to check")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or json")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

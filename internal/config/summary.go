package config

import (
	"fmt"
	"strings"
)

// Summary renders a human-readable overview of the configuration.
func (c *Config) Summary() string {
	var b strings.Builder

	project := c.Project
	if project == "" {
		project = "(unnamed)"
	}
	fmt.Fprintf(&b, "Project: %s\n", project)
	fmt.Fprintf(&b, "State dir: %s\n", c.StateDir)
	fmt.Fprintf(&b, "Phases: %d, workers: %d\n", len(c.Phases), c.WorkerCount())
	fmt.Fprintf(&b, "Thresholds: idle=%s stuck=%s interval=%s probe_timeout=%s escalation=%d\n",
		c.Thresholds.Idle, c.Thresholds.Stuck, c.Thresholds.CheckInterval,
		c.Thresholds.ProbeTimeout, c.Thresholds.StuckEscalation)

	fmt.Fprintf(&b, "Probe: %s", c.Probe.Kind)
	if c.Probe.Kind != ProbeEvents {
		fmt.Fprintf(&b, " repo=%s base=%s", c.Probe.Repo, c.Probe.BaseBranch)
	}
	if c.Probe.Kind != ProbeGit {
		fmt.Fprintf(&b, " events=%s", c.Probe.EventsFile)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Launch: %s", c.Launch.Kind)
	if c.Launch.Kind == LaunchCommand {
		fmt.Fprintf(&b, " %q", strings.Join(c.Launch.Command, " "))
	}
	b.WriteString("\n")

	for i, p := range c.Phases {
		name := ""
		if p.Name != "" {
			name = " (" + p.Name + ")"
		}
		fmt.Fprintf(&b, "\n%d. %s%s\n", i+1, p.ID, name)
		for _, w := range p.Workers {
			fmt.Fprintf(&b, "   - %s", w.ID)
			if w.Branch != "" {
				fmt.Fprintf(&b, " [%s]", w.Branch)
			}
			if w.Agent != "" {
				fmt.Fprintf(&b, " agent=%s", w.Agent)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

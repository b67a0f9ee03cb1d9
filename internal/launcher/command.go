package launcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// DefaultCommandTimeout bounds a launch command.
const DefaultCommandTimeout = 2 * time.Minute

// maxOutput caps how much combined output is kept for logs and errors.
const maxOutput = 4096

var ErrEmptyCommand = errors.New("launch command is empty")

// CommandTrigger runs an external command for each launch. The argv may use
// the placeholders {phase} and {workers} (comma separated ids). The phase and
// workers are also exported as PHASEPILOT_PHASE and PHASEPILOT_WORKERS.
type CommandTrigger struct {
	argv    []string
	dir     string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandTrigger returns a trigger running argv in dir.
func NewCommandTrigger(argv []string, dir string, timeout time.Duration, logger *zap.Logger) (*CommandTrigger, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandTrigger{
		argv:    append([]string(nil), argv...),
		dir:     dir,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Launch implements Trigger.
func (t *CommandTrigger) Launch(ctx context.Context, phase types.PhaseID, workers []types.WorkerDef) error {
	ids := strings.Join(workerIDs(workers), ",")
	replacer := strings.NewReplacer("{phase}", string(phase), "{workers}", ids)

	args := make([]string, len(t.argv))
	for i, a := range t.argv {
		args[i] = replacer.Replace(a)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = t.dir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"PHASEPILOT_PHASE="+string(phase),
		"PHASEPILOT_WORKERS="+ids,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	output := truncate(out.String())

	if err != nil {
		t.logger.Warn("launch command failed",
			zap.String("phase", string(phase)),
			zap.Strings("argv", args),
			zap.Duration("duration", time.Since(start)),
			zap.String("output", output),
			zap.Error(err))
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
		}
		return &LaunchError{Phase: phase, Err: err}
	}

	t.logger.Info("launch command succeeded",
		zap.String("phase", string(phase)),
		zap.Strings("argv", args),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "...(truncated)"
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	jobs "github.com/softchor/jobdispatch/internal/domain"
	"github.com/softchor/jobdispatch/internal/objectkey"
)

// stderrTail bounds how much processor output ends up in an error message
const stderrTail = 4096

// Runner executes the processor for one job message
type Runner interface {
	Run(ctx context.Context, msg jobs.JobMessage) error
}

// CommandRunner runs an external processor per task type. The processor
// receives the job through JOB_ID, TASK_TYPE, INPUT_KEY and OUTPUT_PREFIX.
type CommandRunner struct {
	commands map[jobs.TaskType][]string
	logger   *slog.Logger
}

// NewCommandRunner creates a CommandRunner from task type to argv
func NewCommandRunner(commands map[jobs.TaskType][]string, logger *slog.Logger) *CommandRunner {
	return &CommandRunner{
		commands: commands,
		logger:   logger.With(slog.String("component", "command-runner")),
	}
}

// Run starts the processor and waits for it. A non-zero exit or ctx expiry is
// an error carrying the tail of the processor's stderr.
func (r *CommandRunner) Run(ctx context.Context, msg jobs.JobMessage) error {
	argv, ok := r.commands[msg.TaskType]
	if !ok || len(argv) == 0 {
		return fmt.Errorf("no processor configured for task type %q", msg.TaskType)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"JOB_ID="+msg.JobID,
		"TASK_TYPE="+string(msg.TaskType),
		"INPUT_KEY="+msg.TaskParams.InputKey,
		"OUTPUT_PREFIX="+objectkey.OutputPrefix(msg.JobID),
	)
	cmd.WaitDelay = 5 * time.Second

	stderr := newTailWriter(stderrTail)
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	r.logger.Debug("Processor finished",
		slog.String("job_id", msg.JobID),
		slog.String("processor", argv[0]),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil),
	)

	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}

	if tail := strings.TrimSpace(stderr.String()); tail != "" {
		return fmt.Errorf("processor %s failed: %w: %s", argv[0], err, tail)
	}

	return fmt.Errorf("processor %s failed: %w", argv[0], err)
}

// tailWriter keeps only the last max bytes written to it
type tailWriter struct {
	buf []byte
	max int
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{buf: make([]byte, 0, max), max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n >= w.max {
		w.buf = append(w.buf[:0], p[n-w.max:]...)
		return n, nil
	}

	if overflow := len(w.buf) + n - w.max; overflow > 0 {
		copy(w.buf, w.buf[overflow:])
		w.buf = w.buf[:len(w.buf)-overflow]
	}
	w.buf = append(w.buf, p...)
	return n, nil
}

func (w *tailWriter) String() string {
	return string(w.buf)
}

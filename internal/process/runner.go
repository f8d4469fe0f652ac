// Package process runs the PostgreSQL client tools. Standard input and output
// are streamed so a dump never has to fit in memory; only the tail of stderr
// is kept for error reporting.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/batmantechnologies/databasetool/internal/logging"
)

// DefaultStderrLimit bounds how much stderr a Result keeps.
const DefaultStderrLimit = 64 * 1024

// Command describes one invocation.
type Command struct {
	Path string
	Args []string
	// Env entries are appended to the current environment.
	Env []string
	// Stdin, when set, is copied to the process' standard input.
	Stdin io.Reader
	// Stdout, when set, receives the process' standard output. Otherwise it
	// is discarded.
	Stdout io.Writer
}

// String renders the command line for messages.
func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Result is what a finished process reports.
type Result struct {
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// ExitError is returned when the process ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLines(s, 5)
	}
	return msg
}

// Runner invokes external programs.
type Runner interface {
	Invoke(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct {
	logger      *logging.Logger
	stderrLimit int
}

// NewExecRunner returns a Runner that logs every invocation.
func NewExecRunner(logger *logging.Logger) *ExecRunner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ExecRunner{logger: logger, stderrLimit: DefaultStderrLimit}
}

// Invoke runs cmd to completion. A non-zero exit yields both a populated
// Result and an *ExitError; a failure to start yields only an error.
func (r *ExecRunner) Invoke(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdin = cmd.Stdin
	c.Stdout = cmd.Stdout
	stderr := newTailBuffer(r.stderrLimit)
	c.Stderr = stderr
	c.WaitDelay = 5 * time.Second

	err := c.Run()
	res := Result{ExitCode: c.ProcessState.ExitCode(), Stderr: stderr.String(), Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		err = fmt.Errorf("%s interrupted: %w", cmd.Path, ctx.Err())
	case errors.As(err, &exitErr):
		err = &ExitError{Command: cmd.Path, ExitCode: res.ExitCode, Stderr: res.Stderr}
	default:
		res.ExitCode = -1
		err = fmt.Errorf("failed to run %s: %w", cmd.Path, err)
	}

	r.logger.LogToolInvocation(cmd.Path, cmd.Args, res.ExitCode, res.Duration, err)
	return res, err
}

// LookPath resolves each tool on PATH and returns their absolute paths in the
// same order. The error names every missing tool.
func LookPath(tools ...string) ([]string, error) {
	paths := make([]string, len(tools))
	var missing []string
	for i, t := range tools {
		p, err := exec.LookPath(t)
		if err != nil {
			missing = append(missing, t)
			continue
		}
		paths[i] = p
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required executable(s) not found on PATH: %s", strings.Join(missing, ", "))
	}
	return paths, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		t.truncated = true
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "...\n" + string(t.buf)
	}
	return string(t.buf)
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

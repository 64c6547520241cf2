package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// stderr lines kept for an error message
	stderrTail = 5
	waitDelay  = 5 * time.Second
)

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, shellQuote(c.Path))
	for _, a := range c.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Stderr  []string // last lines of stderr
	Err     error
}

// Failed returns an error describing why the command did not succeed,
// nil if it exited with zero
func (r Result) Failed() error {
	var reason string
	switch {
	case r.Err != nil:
		reason = r.Err.Error()
	case r.State == nil:
		reason = "state is nil"
	case r.State.ExitCode() != 0:
		reason = "exit code " + strconv.Itoa(r.State.ExitCode())
	default:
		return nil
	}
	if len(r.Stderr) > 0 {
		reason += ": " + strings.Join(r.Stderr, "; ")
	}
	return fmt.Errorf("%s: %s", r.Path, reason)
}

// Run starts the command and waits for it to finish. The process is
// killed when ctx is canceled or the timeout expires. Every stderr line
// is passed to stderrFunc if not nil.
func Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	result := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, proto.Path, result.Args...)
	// do not wait forever for grandchildren keeping the pipes open
	cmd.WaitDelay = waitDelay
	if proto.Env != nil {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	tail := &tailBuffer{n: stderrTail}
	stderr := &lineWriter{fn: func(line string) {
		tail.add(line)
		if stderrFunc != nil {
			stderrFunc(ctx, line)
		}
	}}
	cmd.Stderr = stderr
	var buf bytes.Buffer
	result.Stdout = &buf
	cmd.Stdout = &buf

	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		result.Stopped = time.Now().UTC()
		result.Err = err
		return result
	}

	err := cmd.Wait()
	stderr.flush()
	result.Stopped = time.Now().UTC()
	result.State = cmd.ProcessState
	result.Stderr = tail.lines
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			result.Err = fmt.Errorf("%w: %w", ctx.Err(), err)
		case !errors.As(err, &exitErr):
			result.Err = err
		}
	}
	return result
}

// lineWriter calls fn for every complete line written to it
type lineWriter struct {
	buf []byte
	fn  func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.fn(strings.TrimRight(string(w.buf[:idx]), "\r"))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}

type tailBuffer struct {
	n     int
	lines []string
}

func (t *tailBuffer) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=,:+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Package shell runs external tools (docker, ansible-playbook) with a
// timeout, capturing their output and optionally streaming it line by line.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound = errors.New("not found in PATH")
	ErrTimeout  = errors.New("timed out")
)

// MaxLine caps one captured output line.
const MaxLine = 1024 * 1024

const (
	truncatedMark = " ...(line truncated)"
	waitDelay     = 5 * time.Second
)

// drainGrace is how long output is still read after the command exits.
var drainGrace = 2 * time.Second

// Cmd describes one invocation.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to os.Environ()
	Stdin   io.Reader
	Timeout time.Duration
	// Stream receives every output line as it arrives. Nil discards.
	Stream io.Writer
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stderr followed by stdout.
func (r Result) Combined() string { return r.Stderr + r.Stdout }

// ExitError is returned when the command ran and exited non-zero.
type ExitError struct {
	Name   string
	Code   int
	Result Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited %d", e.Name, e.Code)
}

// Run executes c. ErrNotFound and ErrTimeout are wrapped so callers can
// errors.Is them; a non-zero exit is an *ExitError.
func Run(ctx context.Context, c Cmd) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin

	// Plain *os.File pipes: exec hands them to the child and does not wait
	// on them, so a grandchild holding a write end cannot block Wait.
	outR, outW, err := os.Pipe()
	if err != nil {
		return Result{}, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return Result{}, err
	}
	cmd.Stdout, cmd.Stderr = outW, errW
	cmd.WaitDelay = waitDelay
	startErr := cmd.Start()
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		if errors.Is(startErr, exec.ErrNotFound) {
			return Result{}, fmt.Errorf("%s %w", c.Name, ErrNotFound)
		}
		return Result{}, startErr
	}

	w := c.Stream
	if w == nil {
		w = io.Discard
	}
	sw := &syncWriter{w: w}
	var outBuf, errBuf strings.Builder
	var g errgroup.Group
	g.Go(func() error { return capture(outR, &outBuf, sw) })
	g.Go(func() error { return capture(errR, &errBuf, sw) })
	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	waitErr := cmd.Wait()
	var streamErr error
	select {
	case streamErr = <-drained:
	case <-time.After(drainGrace):
		// Something the child started still holds the pipes.
		_ = outR.Close()
		_ = errR.Close()
		streamErr = <-drained
	}
	_ = outR.Close()
	_ = errR.Close()

	res := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr == nil && streamErr != nil {
		return res, streamErr
	}
	if waitErr == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%s %w after %s", c.Name, ErrTimeout, c.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return res, &ExitError{Name: c.Name, Code: exitErr.ExitCode(), Result: res}
	}
	return res, waitErr
}

// capture copies r line by line into buf and w until EOF. Lines longer
// than MaxLine are cut but the rest of the line is still read, so the
// writer never blocks on a full pipe.
func capture(r io.Reader, buf *strings.Builder, w io.Writer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	cut := false
	emit := func() {
		if cut {
			line = append(line, truncatedMark...)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		fmt.Fprintln(w, string(line))
		line, cut = line[:0], false
	}
	for {
		frag, isPrefix, err := br.ReadLine()
		if room := MaxLine - len(line); room < len(frag) {
			frag, cut = frag[:max(room, 0)], true
		}
		line = append(line, frag...)
		if err != nil {
			if len(line) > 0 || cut {
				emit()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
		if !isPrefix {
			emit()
		}
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Available reports whether name resolves on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Tail returns at most the last n bytes of s, starting on a rune boundary.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

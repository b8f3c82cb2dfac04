package web

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/store"
)

const drainGrace = 2 * time.Second

// launch starts the stackcrew binary with args for run id and streams its
// combined output into the store until it exits. extraEnv is laid over the
// server's environment.
func (s *Server) launch(id string, args, extraEnv []string) error {
	ctx, cancel := context.WithCancel(s.ctx)

	cmd := exec.CommandContext(ctx, s.cfg.Binary, args...)
	cmd.Dir = s.cfg.WorkRoot
	cmd.Env = append(append([]string{}, s.cfg.Env...), extraEnv...)
	// Interrupt first so the child can stop its own terraform or docker
	// processes; WaitDelay kills it if it does not exit.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second

	pr, pw, err := os.Pipe()
	if err != nil {
		cancel()
		return err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		cancel()
		_ = pr.Close()
		_ = pw.Close()
		return err
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	s.mu.Lock()
	s.active[id] = cancel
	s.mu.Unlock()

	s.log.Info("run started", zap.String("id", id), zap.Strings("args", args), zap.Int("pid", cmd.Process.Pid))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			s.drain(id, pr)
		}()
		waitErr := cmd.Wait()
		// Grandchildren may still hold the write end after the child exits.
		select {
		case <-drained:
		case <-time.After(drainGrace):
			_ = pr.Close()
			<-drained
		}
		_ = pr.Close()

		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()

		status, code := outcome(ctx, cmd, waitErr)
		// The run context may already be cancelled here.
		if err := s.store.Finish(context.Background(), id, status, code); err != nil {
			s.log.Error("failed to finish run", zap.String("id", id), zap.Error(err))
		}
		s.metrics.IncRun(runResult(status))
		s.log.Info("run finished", zap.String("id", id), zap.String("status", status), zap.Int("exit_code", code))
	}()
	return nil
}

// drain appends r to the run log line by line.
func (s *Server) drain(id string, r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if aerr := s.store.AppendLog(context.Background(), id, line); aerr != nil {
				s.log.Warn("failed to append run log", zap.String("id", id), zap.Error(aerr))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Warn("run output read failed", zap.String("id", id), zap.Error(err))
			}
			return
		}
	}
}

func outcome(ctx context.Context, cmd *exec.Cmd, waitErr error) (string, int) {
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	switch {
	case ctx.Err() != nil && waitErr != nil:
		return store.StatusCancelled, code
	case waitErr == nil && code == 0:
		return store.StatusSucceeded, 0
	default:
		return store.StatusFailed, code
	}
}

func runResult(status string) string {
	switch status {
	case store.StatusSucceeded:
		return "success"
	case store.StatusCancelled:
		return "cancelled"
	default:
		return "failure"
	}
}

// cancelRun stops a running child. It reports false when id is not running.
func (s *Server) cancelRun(id string) bool {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

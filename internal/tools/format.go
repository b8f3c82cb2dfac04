package tools

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bgdnvk/stackcrew/internal/shell"
	"github.com/bgdnvk/stackcrew/internal/terraform"
)

const outputTail = 2000

func errorf(format string, a ...any) string {
	return "Error: " + fmt.Sprintf(format, a...)
}

// tf returns a client for rel carrying the run's region and profile.
func (e *Env) tf(rel string) *terraform.Client {
	env := []string{"AWS_REGION=" + e.Settings.Region, "AWS_DEFAULT_REGION=" + e.Settings.Region}
	if e.Settings.Profile != "" {
		env = append(env, "AWS_PROFILE="+e.Settings.Profile)
	}
	return terraform.NewClient(e.Settings.Path(rel)).WithEnv(env...)
}

func (e *Env) dirExists(rel string) (string, bool) {
	dir := e.Settings.Path(rel)
	st, err := os.Stat(dir)
	return dir, err == nil && st.IsDir()
}

// tfFailure renders a terraform error the way every terraform tool reports it.
func tfFailure(op, rel string, res terraform.Result, err error) string {
	switch {
	case errors.Is(err, terraform.ErrNotInstalled):
		return "Error: terraform not found in PATH."
	case errors.Is(err, terraform.ErrDirNotFound):
		return "Error: " + err.Error()
	case errors.Is(err, terraform.ErrTimeout):
		return fmt.Sprintf("Error: terraform %s timed out in %s", op, rel)
	}
	var ce *terraform.CommandError
	if !errors.As(err, &ce) {
		return fmt.Sprintf("Error: terraform %s in %s: %v", op, rel, err)
	}
	return fmt.Sprintf("terraform %s in %s: FAIL\nstderr: %s\nstdout: %s",
		op, rel, terraform.Tail(res.Stderr, outputTail), terraform.Tail(res.Stdout, outputTail))
}

// dockerFailure maps shell errors from the docker client.
func dockerFailure(prefix string, res shell.Result, err error) string {
	switch {
	case errors.Is(err, shell.ErrNotFound):
		return "Error: docker not found in PATH."
	case errors.Is(err, shell.ErrTimeout):
		return fmt.Sprintf("Error: %s timed out", prefix)
	}
	var ee *shell.ExitError
	if !errors.As(err, &ee) {
		return fmt.Sprintf("Error: %s: %v", prefix, err)
	}
	return fmt.Sprintf("%s FAIL\nstderr: %s\nstdout: %s", prefix, shell.Tail(res.Stderr, outputTail), shell.Tail(res.Stdout, outputTail))
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

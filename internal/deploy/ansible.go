// Package deploy rolls a pushed image onto the environment's hosts, through
// Ansible over SSM, plain SSH or an ECS service update.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/bgdnvk/stackcrew/internal/shell"
)

const (
	AnsibleTimeout = 600 * time.Second
	// MaxAnsibleWait caps ANSIBLE_WAIT_BEFORE_DEPLOY.
	MaxAnsibleWait = 300 * time.Second
	outputTail     = 1500
)

var (
	ErrNoHosts        = errors.New("no hosts matched")
	ErrWSLUnreachable = errors.New("WSL unreachable")
	ErrWSLSocket      = errors.New("WSL socket/buffer error 0x80072747")
)

// sleep is swapped out in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AnsibleOptions configures one playbook run.
type AnsibleOptions struct {
	Env       string
	SSMBucket string
	// Dir is the generated ansible/ directory.
	Dir    string
	Region string
	Wait   time.Duration
	// UseWSL is nil when unset; WSL is then used on Windows only.
	UseWSL *bool
	// CredentialEnv holds KEY=value AWS credentials exported into WSL,
	// where the host's AWS config is not visible.
	CredentialEnv []string
	Stream        io.Writer
}

// AnsibleResult is a finished playbook run.
type AnsibleResult struct {
	Output string
	WSL    bool
	Waited time.Duration
}

// AnsibleError is a failed run. Kind is one of the sentinel errors above
// when the failure was recognized, nil otherwise.
type AnsibleError struct {
	Kind   error
	WSL    bool
	Waited time.Duration
	Stdout string
	Stderr string
	Err    error
}

func (e *AnsibleError) Error() string {
	switch {
	case e.Kind != nil:
		return "ansible-playbook failed: " + e.Kind.Error()
	case e.Err != nil:
		return "ansible-playbook failed: " + e.Err.Error()
	}
	return "ansible-playbook failed"
}

func (e *AnsibleError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.Kind, e.Err} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// InventoryPath is the dynamic inventory for env, relative to the ansible dir.
func InventoryPath(env string) string {
	return fmt.Sprintf("inventory/ec2_%s.aws_ec2.yml", env)
}

func (o AnsibleOptions) useWSL() bool {
	if o.UseWSL != nil {
		return *o.UseWSL
	}
	return runtime.GOOS == "windows"
}

// RunAnsible runs playbooks/deploy.yml against the env's EC2 inventory.
func RunAnsible(ctx context.Context, opts AnsibleOptions) (*AnsibleResult, error) {
	if strings.TrimSpace(opts.SSMBucket) == "" {
		return nil, errors.New("ssm_bucket is required (terraform output -raw artifacts_bucket in infra/envs/<env>)")
	}
	if st, err := os.Stat(opts.Dir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("ansible directory not found: %s", opts.Dir)
	}
	inv := InventoryPath(opts.Env)
	if _, err := os.Stat(filepath.Join(opts.Dir, filepath.FromSlash(inv))); err != nil {
		return nil, fmt.Errorf("inventory not found: %s", filepath.Join(opts.Dir, filepath.FromSlash(inv)))
	}

	wait := opts.Wait
	if wait > MaxAnsibleWait {
		wait = MaxAnsibleWait
	}
	if wait > 0 {
		if opts.Stream != nil {
			fmt.Fprintf(opts.Stream, "[deploy] waiting %s for instances before ansible\n", wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	extraVars := fmt.Sprintf("ssm_bucket=%s env=%s ssm_region=%s", opts.SSMBucket, opts.Env, opts.Region)
	wsl := opts.useWSL()

	var cmd shell.Cmd
	if wsl {
		cmd = shell.Cmd{
			Name: "wsl",
			Args: []string{"bash", "-c", wslScript(opts.CredentialEnv, opts.Region, WSLPath(opts.Dir), inv, extraVars)},
		}
	} else {
		cmd = shell.Cmd{
			Name: "ansible-playbook",
			Args: []string{"-i", inv, "playbooks/deploy.yml", "-e", extraVars},
			Dir:  opts.Dir,
			Env:  []string{"AWS_REGION=" + opts.Region, "AWS_DEFAULT_REGION=" + opts.Region},
		}
	}
	cmd.Timeout = AnsibleTimeout
	cmd.Stream = opts.Stream

	res, err := shell.Run(ctx, cmd)
	fail := func(kind, cause error) *AnsibleError {
		return &AnsibleError{Kind: kind, WSL: wsl, Waited: wait, Stdout: res.Stdout, Stderr: res.Stderr, Err: cause}
	}
	if err != nil {
		var exitErr *shell.ExitError
		if wsl && errors.As(err, &exitErr) {
			return nil, fail(classifyWSL(res.Combined()), err)
		}
		if wsl && !errors.Is(err, shell.ErrNotFound) && !errors.Is(err, shell.ErrTimeout) {
			return nil, fail(classifyWSL(err.Error()), err)
		}
		return nil, fail(nil, err)
	}
	if NoHostsMatched(res.Stdout) {
		return nil, fail(ErrNoHosts, nil)
	}
	return &AnsibleResult{Output: shell.Tail(res.Stdout, outputTail), WSL: wsl, Waited: wait}, nil
}

// NoHostsMatched reports a playbook run whose dynamic inventory was empty.
// ansible-playbook exits 0 in that case.
func NoHostsMatched(stdout string) bool {
	return strings.Contains(strings.ToLower(stdout), "no hosts matched")
}

func classifyWSL(out string) error {
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "0x8007274c"),
		strings.Contains(lower, "connected party did not properly respond"),
		strings.Contains(lower, "connection attempt failed"):
		return ErrWSLUnreachable
	case strings.Contains(lower, "0x80072747"),
		strings.Contains(lower, "buffer space"),
		strings.Contains(lower, "queue was full"):
		return ErrWSLSocket
	}
	return nil
}

// WSLPath maps a Windows path (C:\work\ansible) to its WSL mount
// (/mnt/c/work/ansible). Other paths only get forward slashes.
func WSLPath(p string) string {
	if len(p) >= 2 && p[1] == ':' {
		drive := strings.ToLower(p[:1])
		rest := strings.Trim(strings.ReplaceAll(p[2:], `\`, "/"), "/")
		if rest == "" {
			return "/mnt/" + drive
		}
		return "/mnt/" + drive + "/" + rest
	}
	return strings.ReplaceAll(p, `\`, "/")
}

// wslScript builds the bash -c line run inside WSL: credential exports, a
// boto3 install for the aws_ec2 inventory plugin, then the playbook.
func wslScript(credEnv []string, region, dir, inv, extraVars string) string {
	var b strings.Builder
	for _, kv := range credEnv {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "AWS_REGION" || key == "AWS_DEFAULT_REGION" {
			continue
		}
		fmt.Fprintf(&b, "export %s=%s; ", key, bashQuote(val))
	}
	fmt.Fprintf(&b, "export AWS_DEFAULT_REGION=%s; export AWS_REGION=%s; ", bashQuote(region), bashQuote(region))
	b.WriteString(`export ANSIBLE_PYTHON_INTERPRETER=$(which python3 2>/dev/null || echo /usr/bin/python3); `)
	b.WriteString(`"$ANSIBLE_PYTHON_INTERPRETER" -m pip install -q --user boto3 2>/dev/null || true; `)
	fmt.Fprintf(&b, "cd %s && ansible-playbook -i %s playbooks/deploy.yml -e %s",
		bashQuote(dir), bashQuote(inv), bashQuote(extraVars))
	return b.String()
}

func bashQuote(v string) string {
	if v == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(v, "'", `'"'"'`) + "'"
}

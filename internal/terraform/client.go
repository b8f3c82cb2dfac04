package terraform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	InitTimeout     = 300 * time.Second
	PlanTimeout     = 300 * time.Second
	ApplyTimeout    = 1200 * time.Second
	DestroyTimeout  = 1200 * time.Second
	OutputTimeout   = 45 * time.Second
	ImportTimeout   = 30 * time.Second
	ValidateInit    = 60 * time.Second
	ValidateTimeout = 30 * time.Second
	reinitTimeout   = 90 * time.Second
)

var (
	ErrNotInstalled = errors.New("terraform not found in PATH")
	ErrDirNotFound  = errors.New("directory not found")
	ErrTimeout      = errors.New("timed out")
)

// Result is the captured output of one terraform invocation.
type Result struct {
	Stdout string
	Stderr string
}

// Combined returns stderr followed by stdout, the order error matchers expect.
func (r Result) Combined() string {
	return r.Stderr + r.Stdout
}

// CommandError is returned when terraform ran but exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Result   Result
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("terraform %s exited %d", strings.Join(e.Args, " "), e.ExitCode)
}

type Client struct {
	dir string
	bin string
	env []string
}

func NewClient(dir string) *Client {
	return &Client{dir: dir, bin: "terraform"}
}

func (c *Client) Dir() string {
	return c.dir
}

// WithEnv returns a copy that adds KEY=value pairs to every invocation.
func (c *Client) WithEnv(env ...string) *Client {
	cp := *c
	cp.env = append(append([]string(nil), c.env...), env...)
	return &cp
}

func (c *Client) run(ctx context.Context, timeout time.Duration, args ...string) (Result, error) {
	if st, err := os.Stat(c.dir); err != nil || !st.IsDir() {
		return Result{}, fmt.Errorf("%w: %s", ErrDirNotFound, c.dir)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = c.dir
	cmd.Env = append(append(os.Environ(), "TF_IN_AUTOMATION=1"), c.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("terraform %s in %s %w after %s", args[0], c.dir, ErrTimeout, timeout)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return res, ErrNotInstalled
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &CommandError{Args: args, ExitCode: exitErr.ExitCode(), Result: res}
	}
	return res, fmt.Errorf("terraform %s: %w", args[0], err)
}

// Init runs terraform init; a backend config file also forces -reconfigure.
func (c *Client) Init(ctx context.Context, backendConfig string) (Result, error) {
	args := []string{"init", "-input=false"}
	if backendConfig != "" {
		args = append(args, "-backend-config", backendConfig, "-reconfigure")
	}
	return c.run(ctx, InitTimeout, args...)
}

// Reinit always reconfigures and only passes the backend config when the file exists.
func (c *Client) Reinit(ctx context.Context, backendConfig string) (Result, error) {
	args := []string{"init", "-input=false", "-reconfigure"}
	if backendConfig != "" {
		if _, err := os.Stat(filepath.Join(c.dir, backendConfig)); err == nil {
			args = append(args, "-backend-config", backendConfig)
		}
	}
	return c.run(ctx, InitTimeout, args...)
}

func (c *Client) Plan(ctx context.Context, varFile string) (Result, error) {
	args := []string{"plan", "-input=false"}
	if varFile != "" {
		args = append(args, "-var-file", varFile)
	}
	return c.run(ctx, PlanTimeout, args...)
}

func (c *Client) Apply(ctx context.Context, varFile string) (Result, error) {
	args := []string{"apply", "-auto-approve", "-input=false"}
	if varFile != "" {
		args = append(args, "-var-file", varFile)
	}
	return c.run(ctx, ApplyTimeout, args...)
}

func (c *Client) Destroy(ctx context.Context, varFile string) (Result, error) {
	args := []string{"destroy", "-auto-approve", "-input=false"}
	if varFile != "" {
		if _, err := os.Stat(filepath.Join(c.dir, varFile)); err == nil {
			args = append(args, "-var-file", varFile)
		}
	}
	return c.run(ctx, DestroyTimeout, args...)
}

// Validate installs providers without touching any configured backend, then validates.
func (c *Client) Validate(ctx context.Context) (Result, error) {
	if res, err := c.run(ctx, ValidateInit, "init", "-backend=false", "-reconfigure", "-input=false"); err != nil {
		return res, fmt.Errorf("init: %w", err)
	}
	return c.run(ctx, ValidateTimeout, "validate", "-no-color")
}

func (c *Client) Import(ctx context.Context, addr, id string) (Result, error) {
	return c.run(ctx, ImportTimeout, "import", "-input=false", addr, id)
}

// Output returns the trimmed raw value of a single output.
func (c *Client) Output(ctx context.Context, name string) (string, error) {
	res, err := c.run(ctx, OutputTimeout, "output", "-raw", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// OutputWithInit retries once after init when the backend has not been initialised
// in this working copy yet.
func (c *Client) OutputWithInit(ctx context.Context, name, backendConfig string) (string, error) {
	v, err := c.Output(ctx, name)
	var ce *CommandError
	if err == nil || !errors.As(err, &ce) || !IsBackendInitRequired(ce.Result.Combined()) || backendConfig == "" {
		return v, err
	}
	if _, statErr := os.Stat(filepath.Join(c.dir, backendConfig)); statErr != nil {
		return v, err
	}
	if _, initErr := c.run(ctx, reinitTimeout, "init", "-input=false", "-backend-config", backendConfig, "-reconfigure"); initErr != nil {
		return "", err
	}
	return c.Output(ctx, name)
}

// Outputs returns every output value keyed by name.
func (c *Client) Outputs(ctx context.Context) (map[string]interface{}, error) {
	res, err := c.run(ctx, OutputTimeout, "output", "-json")
	if err != nil {
		return nil, err
	}

	var outputs map[string]interface{}
	if err := json.Unmarshal([]byte(res.Stdout), &outputs); err != nil {
		return nil, fmt.Errorf("failed to parse terraform outputs: %w", err)
	}

	// Extract just the values from terraform output format
	result := make(map[string]interface{})
	for key, value := range outputs {
		if valueMap, ok := value.(map[string]interface{}); ok {
			if val, exists := valueMap["value"]; exists {
				result[key] = val
			}
		}
	}

	return result, nil
}

// StateSummary counts the resources in state grouped by type.
func (c *Client) StateSummary(ctx context.Context) (string, error) {
	res, err := c.run(ctx, OutputTimeout, "state", "list")
	if err != nil {
		return "", err
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return "No resources in state", nil
	}

	resourceTypes := make(map[string]int)
	for _, line := range lines {
		if line == "" {
			continue
		}
		resourceTypes[resourceType(line)]++
	}

	types := make([]string, 0, len(resourceTypes))
	for t := range resourceTypes {
		types = append(types, t)
	}
	sort.Strings(types)

	var info strings.Builder
	info.WriteString(fmt.Sprintf("Total resources: %d\n", len(lines)))
	info.WriteString("Resource types:\n")
	for _, t := range types {
		info.WriteString(fmt.Sprintf("  %s: %d\n", t, resourceTypes[t]))
	}
	return info.String(), nil
}

// resourceType maps module.platform.aws_instance.web to aws_instance and
// data.aws_ami.al2023 to data.aws_ami.
func resourceType(addr string) string {
	parts := strings.Split(addr, ".")
	for len(parts) > 2 && parts[0] == "module" {
		parts = parts[2:]
	}
	if len(parts) > 1 && parts[0] == "data" {
		return "data." + parts[1]
	}
	return parts[0]
}

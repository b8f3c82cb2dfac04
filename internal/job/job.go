// Package job runs the full pipeline from a job file, the unit of work the
// web UI hands to a `stackcrew job` subprocess.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/agent"
	"github.com/bgdnvk/stackcrew/internal/ai"
	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/crew"
	"github.com/bgdnvk/stackcrew/internal/deploy"
	"github.com/bgdnvk/stackcrew/internal/generate"
	"github.com/bgdnvk/stackcrew/internal/metrics"
	"github.com/bgdnvk/stackcrew/internal/requirements"
	"github.com/bgdnvk/stackcrew/internal/terraform"
	"github.com/bgdnvk/stackcrew/internal/tools"
)

// Job is the JSON document describing one pipeline run.
type Job struct {
	Requirements        json.RawMessage `json:"requirements"`
	OutputDir           string          `json:"output_dir,omitempty"`
	ProdURL             string          `json:"prod_url,omitempty"`
	AWSRegion           string          `json:"aws_region,omitempty"`
	DeployMethod        string          `json:"deploy_method,omitempty"`
	AllowTerraformApply bool            `json:"allow_terraform_apply"`
	KeyName             string          `json:"key_name,omitempty"`
	SSHKeyPath          string          `json:"ssh_key_path,omitempty"`
	AppDir              string          `json:"app_dir,omitempty"`
}

var ErrNoRequirements = errors.New("job must contain 'requirements'")

// Load reads a job file.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("job file not found: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("invalid job JSON: %w", err)
	}
	if len(j.Requirements) == 0 || string(j.Requirements) == "null" {
		return nil, ErrNoRequirements
	}
	return &j, nil
}

// Save writes j to path as indented JSON.
func (j *Job) Save(path string) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Apply returns a copy of base with the job's values laid over it, and the
// parsed requirements. key_name fills the dev and prod key names that the
// requirements leave empty.
func (j *Job) Apply(base *config.Settings) (*config.Settings, *requirements.Requirements, error) {
	if len(j.Requirements) == 0 || string(j.Requirements) == "null" {
		return nil, nil, ErrNoRequirements
	}
	req, err := requirements.Parse(j.Requirements)
	if err != nil {
		return nil, nil, err
	}
	if k := strings.TrimSpace(j.KeyName); k != "" {
		if req.Dev.KeyName == "" {
			req.Dev.KeyName = k
		}
		if req.Prod.KeyName == "" {
			req.Prod.KeyName = k
		}
	}

	s := base.Clone()
	if j.OutputDir != "" {
		s.OutputDir = j.OutputDir
	}
	if s.OutputDir == "" {
		s.OutputDir = "output"
	}
	abs, err := filepath.Abs(s.OutputDir)
	if err != nil {
		return nil, nil, err
	}
	s.OutputDir, s.RepoRoot = abs, abs

	s.ProdURL = strings.TrimSpace(j.ProdURL)
	if r := strings.TrimSpace(j.AWSRegion); r != "" {
		s.Region = r
	}
	if req.Project != "" {
		s.Project = req.Project
	}
	if j.DeployMethod != "" {
		s.DeployMethod = string(deploy.ParseMethod(j.DeployMethod))
	}
	s.AllowApply = j.AllowTerraformApply
	if p := strings.TrimSpace(j.SSHKeyPath); p != "" {
		s.SSH.KeyPath = p
	}
	if d := strings.TrimSpace(j.AppDir); d != "" {
		s.AppPath = d
	}
	return s, req, nil
}

// Runner holds what a pipeline run needs beyond its settings.
type Runner struct {
	Log     *zap.Logger
	Metrics *metrics.Recorder
	Verbose bool
	// NewLLM builds the model client. Defaults to ai.FromSettings.
	NewLLM func(ctx context.Context, s *config.Settings) (agent.LLM, error)
	// Configure adjusts the tool environment before the crew starts.
	Configure func(*tools.Env)
}

// Run applies j over base and runs the five-stage crew with the default runner.
func Run(ctx context.Context, j *Job, base *config.Settings, w io.Writer) (*agent.Result, error) {
	return (&Runner{}).Run(ctx, j, base, w)
}

func (r *Runner) Run(ctx context.Context, j *Job, base *config.Settings, w io.Writer) (*agent.Result, error) {
	s, req, err := j.Apply(base)
	if err != nil {
		return nil, err
	}
	return r.RunCombined(ctx, s, req, w)
}

// RunCombined generates into s.RepoRoot and takes the project through
// Infra, Build, Deploy and Verify.
func (r *Runner) RunCombined(ctx context.Context, s *config.Settings, req *requirements.Requirements, w io.Writer) (*agent.Result, error) {
	w = orDiscard(w)
	if err := os.MkdirAll(s.RepoRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	var opts []generate.Option
	if s.PlatformSource != "" {
		opts = append(opts, generate.WithPlatformSource(s.PlatformSource))
	}
	if s.AppPath != "" {
		opts = append(opts, generate.WithAppSource(s.AppPath))
	}
	gen := generate.New(*req, s.RepoRoot, opts...)

	fmt.Fprintf(w, "Output directory: %s\n", s.RepoRoot)
	r.banner(s, w)
	fmt.Fprintf(w, "\nStarting crew (Generate -> Infra -> Build -> Deploy -> Verify)...\n")
	return r.kickoff(ctx, s, gen, w, crew.NewCombined)
}

// RunPipeline runs Infra, Build, Deploy and Verify on an already generated
// project.
func (r *Runner) RunPipeline(ctx context.Context, s *config.Settings, w io.Writer) (*agent.Result, error) {
	w = orDiscard(w)
	if st, err := os.Stat(filepath.Join(s.RepoRoot, "infra")); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("no infra/ directory under %s: generate the project first", s.RepoRoot)
	}
	fmt.Fprintf(w, "Repo root: %s\n", s.RepoRoot)
	if p := ProjectOf(s.RepoRoot); p != "" && p != s.Project {
		s = s.Clone()
		s.Project = p
	}
	fmt.Fprintf(w, "Project: %s\n", s.Project)
	r.banner(s, w)
	fmt.Fprintf(w, "\nStarting crew (Infra -> Build -> Deploy -> Verify)...\n")
	return r.kickoff(ctx, s, nil, w, crew.NewPipeline)
}

// ProjectOf reads the project name a generated project was rendered with
// from its env tfvars, prod first. It returns "" when neither has one.
func ProjectOf(root string) string {
	for _, env := range []string{"prod", "dev"} {
		vars, err := terraform.ParseTFVars(filepath.Join(root, "infra", "envs", env, env+".tfvars"))
		if err != nil {
			continue
		}
		if p := strings.TrimSpace(vars["project"]); p != "" {
			return p
		}
	}
	return ""
}

func (r *Runner) banner(s *config.Settings, w io.Writer) {
	fmt.Fprintf(w, "AWS region: %s\n", s.Region)
	fmt.Fprintf(w, "Deploy method: %s\n", deploy.ParseMethod(s.DeployMethod))
	if s.ProdURL != "" {
		fmt.Fprintf(w, "Prod URL (verify): %s\n", s.ProdURL)
	} else {
		fmt.Fprintln(w, "Prod URL: not set (verify step will skip health check)")
	}
	if !s.AllowApply {
		fmt.Fprintln(w, "Terraform: plan only (set ALLOW_TERRAFORM_APPLY=1 to allow apply)")
	}
}

func (r *Runner) kickoff(ctx context.Context, s *config.Settings, gen *generate.Generator, w io.Writer, build func(crew.Options) (*agent.Crew, error)) (*agent.Result, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	llm, err := r.llm(ctx, s)
	if err != nil {
		r.Metrics.IncRun("error")
		return nil, err
	}

	env := tools.NewEnv(s, gen, w, log, r.Metrics)
	if r.Configure != nil {
		r.Configure(env)
	}
	c, err := build(crew.Options{
		Settings: s,
		Tools:    tools.All(env),
		LLM:      llm,
		Out:      w,
		Log:      log,
		Metrics:  r.Metrics,
		Verbose:  r.Verbose,
	})
	if err != nil {
		r.Metrics.IncRun("error")
		return nil, err
	}

	res, err := c.Kickoff(ctx)
	if err != nil {
		r.Metrics.IncRun("failure")
		log.Error("pipeline failed", zap.String("repo_root", s.RepoRoot), zap.Error(err))
		return res, err
	}
	r.Metrics.IncRun("success")
	fmt.Fprintf(w, "\n--- Result ---\n%s\n\nGenerated project: %s\n", res.Output, s.RepoRoot)
	return res, nil
}

func (r *Runner) llm(ctx context.Context, s *config.Settings) (agent.LLM, error) {
	if r.NewLLM != nil {
		return r.NewLLM(ctx, s)
	}
	c, err := ai.FromSettings(ctx, s, r.Log, r.Metrics)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

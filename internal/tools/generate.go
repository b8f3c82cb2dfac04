package tools

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bgdnvk/stackcrew/internal/generate"
	"github.com/bgdnvk/stackcrew/internal/shell"
	"github.com/bgdnvk/stackcrew/internal/terraform"
)

// checkImage is the throwaway tag docker_build_check builds.
const checkImage = "orchestrator-test:latest"

func relPathParam(desc string) Param {
	return Param{Name: "relative_path", Type: "string", Description: desc, Required: true}
}

func registerGenerate(r *Registry, env *Env) {
	gen := func(name, desc string, step func(*generate.Generator) (string, error)) Tool {
		return Tool{
			Name:        name,
			Description: desc,
			Run: func(context.Context, Args) string {
				if env.Generator == nil {
					return "Error: no requirements loaded; generation is unavailable in this run."
				}
				msg, err := step(env.Generator)
				if err != nil {
					return errorf("%s: %v", name, err)
				}
				return msg
			},
		}
	}

	r.mustRegister(
		gen("generate_bootstrap",
			"Generate Terraform bootstrap (S3 state bucket, DynamoDB lock, KMS, CloudTrail bucket, build runner). No input. Writes to the configured output directory.",
			(*generate.Generator).Bootstrap),
		gen("generate_platform",
			"Generate platform Terraform module (VPC, ALB, ASG, ECR, SSM). No input. Writes to output directory.",
			(*generate.Generator).Platform),
		gen("generate_dev_env",
			"Generate dev environment Terraform (main.tf, variables, backend.hcl, dev.tfvars). No input.",
			(*generate.Generator).DevEnv),
		gen("generate_prod_env",
			"Generate prod environment Terraform (main.tf, variables, backend.hcl, prod.tfvars). No input.",
			(*generate.Generator).ProdEnv),
		gen("generate_app",
			"Generate sample Node.js app and Dockerfile (package.json, server.js, Dockerfile), or copy the configured app. No input.",
			(*generate.Generator).App),
		gen("generate_deploy",
			"Generate deploy bundle (appspec.yml, install/stop/start/validate scripts) and the Ansible inventory and playbook. No input.",
			(*generate.Generator).Deploy),
		gen("generate_workflows",
			"Generate GitHub Actions workflows. No input. Currently disabled.",
			(*generate.Generator).Workflows),
		Tool{
			Name:        "terraform_validate",
			Description: "Run 'terraform init' then 'terraform validate' in a Terraform directory. Input: path relative to output dir, e.g. 'infra/bootstrap' or 'infra/envs/dev'. Uses -backend=false so validation works without bootstrap apply.",
			Params:      []Param{relPathParam("Terraform directory relative to the output dir")},
			Run: func(ctx context.Context, a Args) string {
				return env.terraformValidate(ctx, a.String("relative_path", ""))
			},
		},
		Tool{
			Name:        "docker_build_check",
			Description: "Run 'docker build' in an app directory to validate the Dockerfile. Input: path relative to output dir, e.g. 'app'.",
			Params:      []Param{relPathParam("app directory relative to the output dir")},
			Run: func(ctx context.Context, a Args) string {
				return env.dockerBuildCheck(ctx, a.String("relative_path", "app"))
			},
		},
		Tool{
			Name:        "write_run_order",
			Description: "Write RUN_ORDER.md with the command sequence. Input: optional extra text to append to the run order.",
			Params:      []Param{{Name: "extra_text", Type: "string", Description: "text appended to RUN_ORDER.md"}},
			Run: func(_ context.Context, a Args) string {
				if env.Generator == nil {
					return "Error: no requirements loaded; generation is unavailable in this run."
				}
				msg, err := env.Generator.RunOrder(a.String("extra_text", ""))
				if err != nil {
					return errorf("write_run_order: %v", err)
				}
				return msg
			},
		},
		Tool{
			Name:        "read_file",
			Description: "Read a file from the output directory. Input: path relative to output dir, e.g. 'infra/bootstrap/main.tf'.",
			Params:      []Param{relPathParam("file path relative to the output dir")},
			Run: func(_ context.Context, a Args) string {
				rel := a.String("relative_path", "")
				path := env.Settings.Path(rel)
				st, err := os.Stat(path)
				if err != nil || st.IsDir() {
					return errorf("file not found: %s", path)
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return errorf("reading %s: %v", rel, err)
				}
				return string(data)
			},
		},
	)
}

func (e *Env) terraformValidate(ctx context.Context, rel string) string {
	dir, ok := e.dirExists(rel)
	if !ok {
		return errorf("directory not found: %s", dir)
	}
	res, err := terraform.NewClient(dir).Validate(ctx)
	if err == nil {
		return fmt.Sprintf("terraform validate in %s: OK", rel)
	}
	if errors.Is(err, terraform.ErrNotInstalled) {
		// Still catch syntax errors without the binary.
		if synErr := generate.Validate(dir); synErr != nil {
			return fmt.Sprintf("Error: terraform not found in PATH. Install Terraform to validate. HCL syntax check: FAIL\n%v", synErr)
		}
		return "Error: terraform not found in PATH. Install Terraform to validate. HCL syntax check: OK"
	}
	if errors.Is(err, terraform.ErrTimeout) {
		return fmt.Sprintf("Error: terraform init or validate timed out in %s", rel)
	}
	var ce *terraform.CommandError
	if errors.As(err, &ce) && len(ce.Args) > 0 && ce.Args[0] == "init" {
		return fmt.Sprintf("terraform init in %s: FAIL\nstdout: %s\nstderr: %s", rel, res.Stdout, res.Stderr)
	}
	return fmt.Sprintf("terraform validate in %s: FAIL\nstdout: %s\nstderr: %s", rel, res.Stdout, res.Stderr)
}

func (e *Env) dockerBuildCheck(ctx context.Context, rel string) string {
	dir, ok := e.dirExists(rel)
	if !ok {
		return errorf("directory not found: %s", dir)
	}
	res, err := e.Docker.BuildImage(ctx, dir, checkImage)
	switch {
	case err == nil:
		return fmt.Sprintf("docker build in %s: OK", rel)
	case errors.Is(err, shell.ErrNotFound):
		return "Error: docker not found in PATH. Docker build skipped."
	case errors.Is(err, shell.ErrTimeout):
		return fmt.Sprintf("Error: docker build timed out in %s", rel)
	}
	return fmt.Sprintf("docker build in %s: FAIL\nstdout: %s\nstderr: %s", rel, shell.Tail(res.Stdout, outputTail), shell.Tail(res.Stderr, outputTail))
}

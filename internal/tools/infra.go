package tools

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/bgdnvk/stackcrew/internal/maintenance"
	"github.com/bgdnvk/stackcrew/internal/terraform"
)

// applyAttempts bounds the dev/prod apply retries of run_full_infra_pipeline.
const applyAttempts = 3

const applySkipped = "terraform apply skipped: set ALLOW_TERRAFORM_APPLY=1 to allow apply. Run terraform plan first to review changes."

func registerInfra(r *Registry, env *Env) {
	region := Param{Name: "region", Type: "string", Description: "AWS region, e.g. us-east-1 (defaults to the configured region)"}
	varFile := Param{Name: "var_file", Type: "string", Description: "tfvars file relative to the directory, e.g. prod.tfvars"}

	r.mustRegister(
		Tool{
			Name:        "terraform_init",
			Description: "Run 'terraform init' in a Terraform directory. Input: relative_path from repo root, e.g. 'infra/bootstrap' or 'infra/envs/dev'. Optional backend_config, e.g. 'backend.hcl' for envs.",
			Params: []Param{
				relPathParam("Terraform directory relative to the repo root"),
				{Name: "backend_config", Type: "string", Description: "backend config file, e.g. backend.hcl"},
			},
			Run: func(ctx context.Context, a Args) string {
				out, _ := env.tfInit(ctx, a.String("relative_path", ""), a.String("backend_config", ""))
				return out
			},
		},
		Tool{
			Name:        "terraform_plan",
			Description: "Run 'terraform plan' in a Terraform directory. Input: relative_path (e.g. infra/envs/prod), var_file (e.g. prod.tfvars) optional.",
			Params:      []Param{relPathParam("Terraform directory relative to the repo root"), varFile},
			Run: func(ctx context.Context, a Args) string {
				out, _ := env.tfPlan(ctx, a.String("relative_path", ""), a.String("var_file", ""), true)
				return out
			},
		},
		Tool{
			Name:        "terraform_apply",
			Description: "Run 'terraform apply -auto-approve' in a Terraform directory. Only runs if ALLOW_TERRAFORM_APPLY=1. Input: relative_path, var_file optional.",
			Params:      []Param{relPathParam("Terraform directory relative to the repo root"), varFile},
			Run: func(ctx context.Context, a Args) string {
				if !env.Settings.AllowApply {
					return applySkipped
				}
				out, _ := env.tfApply(ctx, a.String("relative_path", ""), a.String("var_file", ""))
				return out
			},
		},
		Tool{
			Name:        "update_backend_from_bootstrap",
			Description: "After bootstrap apply: read tfstate_bucket, tflock_table, cloudtrail_bucket from infra/bootstrap terraform output and write them into infra/envs/dev and infra/envs/prod backend.hcl and tfvars. Call this after terraform_apply('infra/bootstrap'). No input.",
			Run: func(ctx context.Context, _ Args) string {
				out, _ := env.updateBackend(ctx)
				return out
			},
		},
		Tool{
			Name:        "run_resolve_aws_limits",
			Description: "Diagnose VPC/EIP usage and optionally release unassociated EIPs. Call before dev/prod Terraform apply to free quota. Input: region, release_eips (default true).",
			Params: []Param{region, {Name: "release_eips", Type: "boolean", Description: "release unassociated Elastic IPs", Default: true}},
			Run: func(ctx context.Context, a Args) string {
				return env.resolveLimits(ctx, a.String("region", ""), a.Bool("release_eips", true))
			},
		},
		Tool{
			Name:        "run_remove_terraform_blockers",
			Description: "Delete the project's CloudTrail trails that make apply fail with ResourceAlreadyExists. Call before dev/prod Terraform apply. Input: region.",
			Params:      []Param{region},
			Run: func(ctx context.Context, a Args) string {
				return env.removeBlockers(ctx, a.String("region", ""))
			},
		},
		Tool{
			Name:        "run_import_platform_iam_on_conflict",
			Description: "When terraform apply fails with EntityAlreadyExists for IAM Role: import existing ec2_role and codedeploy_role into state, then retry apply. Input: relative_path (e.g. infra/envs/prod), var_file (e.g. prod.tfvars). Only applies when enable_ecs=false.",
			Params:      []Param{relPathParam("env directory, e.g. infra/envs/prod"), varFile},
			Run: func(ctx context.Context, a Args) string {
				return env.importPlatformIAM(ctx, a.String("relative_path", ""), a.String("var_file", ""))
			},
		},
		Tool{
			Name:        "run_full_infra_pipeline",
			Description: "Run the whole infrastructure sequence: resolve limits, remove blockers, bootstrap init/plan/apply, update_backend_from_bootstrap, then dev and prod init/plan/apply with retries. Input: region.",
			Params:      []Param{region},
			Run: func(ctx context.Context, a Args) string {
				return env.fullInfraPipeline(ctx, a.String("region", ""))
			},
		},
	)
}

func (e *Env) tfInit(ctx context.Context, rel, backendConfig string) (string, bool) {
	res, err := e.tf(rel).Init(ctx, backendConfig)
	if err != nil {
		return tfFailure("init", rel, res, err), false
	}
	return fmt.Sprintf("terraform init in %s: OK", rel), true
}

func (e *Env) tfPlan(ctx context.Context, rel, varFile string, withOutput bool) (string, bool) {
	res, err := e.tf(rel).Plan(ctx, varFile)
	if err != nil {
		return tfFailure("plan", rel, res, err), false
	}
	if !withOutput {
		return fmt.Sprintf("terraform plan in %s: OK", rel), true
	}
	return fmt.Sprintf("terraform plan in %s: OK\n%s", rel, terraform.Tail(res.Stdout, outputTail)), true
}

func (e *Env) tfApply(ctx context.Context, rel, varFile string) (string, bool) {
	fmt.Fprintf(e.Out, "[infra] terraform apply in %s\n", rel)
	res, err := e.tf(rel).Apply(ctx, varFile)
	if err != nil {
		return tfFailure("apply", rel, res, err), false
	}
	return fmt.Sprintf("terraform apply in %s: OK", rel), true
}

func (e *Env) updateBackend(ctx context.Context) (string, bool) {
	outs, updated, err := terraform.UpdateBackendFromBootstrap(ctx, e.Settings.RepoRoot)
	if err != nil {
		return errorf("update_backend_from_bootstrap: %v", err), false
	}
	files := "none"
	if len(updated) > 0 {
		files = strings.Join(updated, ", ")
	}
	return fmt.Sprintf("update_backend_from_bootstrap: OK. tfstate_bucket=%s, tflock_table=%s, cloudtrail_bucket=%s. Updated: %s",
		outs.TFStateBucket, outs.TFLockTable, outs.CloudTrailBucket, files), true
}

func (e *Env) maint(ctx context.Context, region string, buf *bytes.Buffer) (*maintenance.Runner, error) {
	api, err := e.aws(ctx, region)
	if err != nil {
		return nil, err
	}
	return maintenance.New(api, e.Settings.Project, e.Settings.RegionOr(region), buf), nil
}

func (e *Env) resolveLimits(ctx context.Context, region string, release bool) string {
	var buf bytes.Buffer
	m, err := e.maint(ctx, region, &buf)
	if err != nil {
		return errorf("%v", err)
	}
	if _, err := m.ResolveLimits(ctx, release); err != nil {
		return fmt.Sprintf("resolve-aws-limits FAIL\n%v\n%s", err, strings.TrimSpace(buf.String()))
	}
	return "resolve-aws-limits OK\n" + strings.TrimSpace(buf.String())
}

func (e *Env) removeBlockers(ctx context.Context, region string) string {
	var buf bytes.Buffer
	m, err := e.maint(ctx, region, &buf)
	if err != nil {
		return errorf("%v", err)
	}
	if err := m.RemoveBlockers(ctx, false); err != nil {
		return fmt.Sprintf("remove-terraform-blockers FAIL\n%v\n%s", err, strings.TrimSpace(buf.String()))
	}
	return "remove-terraform-blockers OK\n" + strings.TrimSpace(buf.String())
}

func (e *Env) importPlatformIAM(ctx context.Context, rel, varFile string) string {
	dir, ok := e.dirExists(rel)
	if !ok {
		return errorf("directory not found: %s", dir)
	}
	imports, skipped, err := terraform.ImportPlatformIAM(ctx, e.tf(rel), rel, varFile)
	if err != nil {
		return tfFailure("import", rel, terraform.Result{}, err)
	}
	if skipped {
		return "Skipped: enable_ecs=true (ECS path); ec2_role and codedeploy_role have count=0."
	}
	lines := []string{"import_platform_iam:"}
	for _, im := range imports {
		if im.Err == nil {
			lines = append(lines, im.Address+": imported OK")
		} else {
			lines = append(lines, im.Address+": "+im.Detail)
		}
	}
	return strings.Join(lines, "\n")
}

// fullInfraPipeline runs every infra step in order and stops at the first
// step that cannot be recovered. Each step's report is kept in the result.
func (e *Env) fullInfraPipeline(ctx context.Context, region string) string {
	if !e.Settings.AllowApply {
		return "run_full_infra_pipeline skipped: set ALLOW_TERRAFORM_APPLY=1 to allow apply."
	}
	region = e.Settings.RegionOr(region)
	var report []string
	add := func(s string) {
		report = append(report, s)
		first, _, _ := strings.Cut(s, "\n")
		fmt.Fprintf(e.Out, "[infra] %s\n", first)
	}
	fail := func() string {
		return "run_full_infra_pipeline: FAIL\n" + strings.Join(report, "\n")
	}

	add(e.resolveLimits(ctx, region, true))
	add(e.removeBlockers(ctx, region))

	const bootstrap = "infra/bootstrap"
	for _, step := range []func() (string, bool){
		func() (string, bool) { return e.tfInit(ctx, bootstrap, "") },
		func() (string, bool) { return e.tfPlan(ctx, bootstrap, "", false) },
		func() (string, bool) { return e.tfApply(ctx, bootstrap, "") },
		func() (string, bool) { return e.updateBackend(ctx) },
	} {
		out, ok := step()
		add(out)
		if !ok {
			return fail()
		}
	}

	for _, env := range terraform.Envs {
		rel := "infra/envs/" + env
		vars := env + ".tfvars"
		out, ok := e.tfInit(ctx, rel, "backend.hcl")
		add(out)
		if !ok {
			return fail()
		}
		out, ok = e.tfPlan(ctx, rel, vars, false)
		add(out)
		if !ok {
			return fail()
		}
		if !e.applyWithRetry(ctx, rel, vars, region, add) {
			return fail()
		}
	}
	return "run_full_infra_pipeline: OK\n" + strings.Join(report, "\n")
}

// applyWithRetry applies rel up to applyAttempts times. Between attempts it
// removes blockers and, when the failure is an IAM role conflict, imports
// the platform roles.
func (e *Env) applyWithRetry(ctx context.Context, rel, varFile, region string, add func(string)) bool {
	for attempt := 1; attempt <= applyAttempts; attempt++ {
		out, ok := e.tfApply(ctx, rel, varFile)
		if ok {
			add(out)
			return true
		}
		add(fmt.Sprintf("attempt %d/%d: %s", attempt, applyAttempts, out))
		if attempt == applyAttempts || ctx.Err() != nil {
			return false
		}
		add(e.removeBlockers(ctx, region))
		if terraform.IsIAMRoleAlreadyExists(out) {
			add(e.importPlatformIAM(ctx, rel, varFile))
		}
	}
	return false
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bgdnvk/stackcrew/internal/terraform"
)

func registerShared(r *Registry, env *Env) {
	region := Param{Name: "region", Type: "string", Description: "AWS region (defaults to the configured region)"}
	envParam := Param{Name: "env", Type: "string", Description: "dev or prod", Default: "prod"}

	r.mustRegister(
		Tool{
			Name:        "read_ssm_parameter",
			Description: "Read an AWS SSM Parameter Store value. Input: parameter name (e.g. /{project}/prod/image_tag), region optional.",
			Params:      []Param{{Name: "name", Type: "string", Description: "parameter name", Required: true}, region},
			Run: func(ctx context.Context, a Args) string {
				return env.readSSM(ctx, a.String("name", ""), a.String("region", ""))
			},
		},
		Tool{
			Name:        "read_ssm_image_tag",
			Description: "Read the image tag the deploy will roll out from /{project}/{env}/image_tag. Input: env (default prod), region optional.",
			Params:      []Param{envParam, region},
			Run: func(ctx context.Context, a Args) string {
				return env.readSSM(ctx, env.Settings.ImageTagParam(a.String("env", "prod")), a.String("region", ""))
			},
		},
		Tool{
			Name:        "read_ssm_ecr_repo_name",
			Description: "Read the ECR repository name from /{project}/{env}/ecr_repo_name. Input: env (default prod), region optional.",
			Params:      []Param{envParam, region},
			Run: func(ctx context.Context, a Args) string {
				return env.readSSM(ctx, env.Settings.ECRRepoParam(a.String("env", "prod")), a.String("region", ""))
			},
		},
		Tool{
			Name:        "get_terraform_output",
			Description: "Read a Terraform output value. Input: output_name (e.g. artifacts_bucket, https_url), relative_path (e.g. infra/envs/prod). Runs 'terraform output -raw <output_name>' in that directory. Use this to get ssm_bucket for run_ansible_deploy.",
			Params: []Param{
				{Name: "output_name", Type: "string", Description: "output name", Required: true},
				relPathParam("Terraform directory, e.g. infra/envs/prod"),
			},
			Run: func(ctx context.Context, a Args) string {
				return env.terraformOutput(ctx, a.String("output_name", ""), a.String("relative_path", ""))
			},
		},
	)
}

func (e *Env) readSSM(ctx context.Context, name, region string) string {
	api, err := e.aws(ctx, region)
	if err != nil {
		return fmt.Sprintf("SSM %s error: %s", name, clip(err.Error(), 200))
	}
	v, err := api.GetParameter(ctx, name)
	if err != nil {
		return fmt.Sprintf("SSM %s error: %s", name, clip(err.Error(), 200))
	}
	return fmt.Sprintf("SSM %s = %s", name, v)
}

// outputValue reads one output, initialising env roots against backend.hcl
// when terraform asks for it.
func (e *Env) outputValue(ctx context.Context, name, rel string) (string, error) {
	c := e.tf(rel)
	if strings.HasPrefix(rel, "infra/envs/") {
		return c.OutputWithInit(ctx, name, "backend.hcl")
	}
	return c.Output(ctx, name)
}

func (e *Env) terraformOutput(ctx context.Context, name, rel string) string {
	if dir, ok := e.dirExists(rel); !ok {
		return errorf("directory not found: %s", dir)
	}
	v, err := e.outputValue(ctx, name, rel)
	if err != nil {
		var ce *terraform.CommandError
		if errors.As(err, &ce) {
			detail := ce.Result.Stderr
			if strings.TrimSpace(detail) == "" {
				detail = ce.Result.Stdout
			}
			return fmt.Sprintf("terraform output %s in %s: FAIL\nstderr: %s", name, rel, terraform.Tail(detail, outputTail))
		}
		return tfFailure("output", rel, terraform.Result{}, err)
	}
	if v == "" {
		return fmt.Sprintf("terraform output %s in %s: empty value", name, rel)
	}
	return fmt.Sprintf("terraform output %s in %s = %s", name, rel, v)
}

package crew

import (
	"fmt"
	"strings"

	"github.com/bgdnvk/stackcrew/internal/deploy"
	"github.com/bgdnvk/stackcrew/internal/tools"
)

func generateStage(o Options) stage {
	s := o.Settings
	return stage{
		name:  StageGenerate,
		role:  "Full Stack DevOps Orchestrator",
		goal:  "Generate the complete deployment project (Terraform bootstrap, platform, dev and prod environments, app, deploy bundle), validate the Terraform and the Docker build, and write RUN_ORDER.md.",
		tools: tools.GenerateTools,
		backstory: "You are an expert DevOps engineer. You generate a project in a fixed order: bootstrap, platform, dev, prod, app, deploy, workflows. " +
			"Then you validate the Terraform roots and check that the app image builds, and finish by writing RUN_ORDER.md. " +
			"You report validation failures precisely instead of hiding them.",
		description: fmt.Sprintf(`Generate the full deployment project for %q into: %s.

Do in order:
1. generate_bootstrap()
2. generate_platform()
3. generate_dev_env()
4. generate_prod_env()
5. generate_app()
6. generate_deploy()
7. generate_workflows()
8. terraform_validate(relative_path="infra/bootstrap"), terraform_validate(relative_path="infra/envs/dev"), terraform_validate(relative_path="infra/envs/prod")
9. docker_build_check(relative_path="app")
10. write_run_order(extra_text=<one paragraph summarising the validation results>)

If a validation fails, use read_file to look at the file it names and report the problem.`, s.Project, s.RepoRoot),
		expectedOutput: "Summary: all components generated, validation results, and pointer to RUN_ORDER.md.",
	}
}

func infraStage(o Options) stage {
	s := o.Settings
	var steps string
	if s.AllowApply {
		steps = fmt.Sprintf(`Call run_full_infra_pipeline(region=%q). It resolves AWS limits, removes Terraform blockers, applies bootstrap, points the env backends at the bootstrap state bucket, then applies dev and prod with retries.

If it reports a failure, you may retry single steps:
- run_remove_terraform_blockers(region=%[1]q) for CloudTrail "already exists" errors
- run_import_platform_iam_on_conflict(relative_path="infra/envs/<env>", var_file="<env>.tfvars") for IAM EntityAlreadyExists
- terraform_init / terraform_plan / terraform_apply on the failing directory`, s.Region)
	} else {
		steps = `Do in order:
1. infra/bootstrap: terraform_init(relative_path="infra/bootstrap"), then terraform_plan(relative_path="infra/bootstrap").
2. infra/envs/dev: terraform_init(relative_path="infra/envs/dev", backend_config="backend.hcl"), terraform_plan(relative_path="infra/envs/dev", var_file="dev.tfvars").
3. infra/envs/prod: terraform_init(relative_path="infra/envs/prod", backend_config="backend.hcl"), terraform_plan(relative_path="infra/envs/prod", var_file="prod.tfvars").

The env backends only work after bootstrap was applied; an init failure there is expected on a fresh account.`
	}
	return stage{
		name:  StageInfra,
		role:  "Infrastructure Engineer",
		goal:  "Run the Terraform pipeline so the infrastructure is ready for the app.",
		tools: tools.InfraTools,
		backstory: "You run Terraform for bootstrap, dev and prod in that order. run_full_infra_pipeline does the whole sequence in one call when apply is enabled. " +
			"You know the usual failures: CloudTrail trails that already exist, IAM roles left over from an earlier run, and the VPC or Elastic IP limit.",
		description: fmt.Sprintf("Run Terraform in the repo at: %s.\n\n%s\n\n%s\n\nSummarize what was planned and applied and any errors.",
			s.RepoRoot, applyGate(s), steps),
		expectedOutput: "Summary of Terraform init/plan/(apply) for bootstrap, dev, prod: success or failure for each, and whether apply was run or skipped.",
	}
}

func buildStage(o Options) stage {
	s := o.Settings
	tag := o.imageTag()
	var steps string
	if pre := strings.TrimSpace(s.PreBuiltImageTag); pre != "" {
		steps = fmt.Sprintf(`The image was built outside the pipeline (PRE_BUILT_IMAGE_TAG=%s). Do not build.
1. read_pre_built_image_tag() to confirm the tag.
2. write_ssm_image_tag(image_tag=%[1]q, env="prod", aws_region=%q).
3. ecr_list_image_tags(ecr_repo_name=<from read_ssm_ecr_repo_name>) if you need to confirm the tag exists.`, pre, s.Region)
	} else {
		steps = fmt.Sprintf(`1. docker_build(app_relative_path="app", tag=%q).
2. read_ssm_ecr_repo_name(env="prod", region=%q). If the parameter is missing, use get_terraform_output(output_name="ecr_repo", relative_path="infra/envs/prod").
3. ecr_push_and_ssm(ecr_repo_name=<repo>, image_tag=%[1]q, aws_region=%[2]q, env="prod").

If the push fails because the tag is immutable, pick a new tag with ecr_list_image_tags and build again.
If Docker is not available, call remote_build_and_push(ecr_repo_name=<repo>, image_tag=%[1]q, aws_region=%[2]q) to build on the bootstrap build runner instead.`, tag, s.Region)
	}
	return stage{
		name:  StageBuild,
		role:  "Build Engineer",
		goal:  "Build the Docker image for the app, push it to ECR, and update the SSM image_tag parameter so the deploy step can use the new image.",
		tools: tools.BuildTools,
		backstory: fmt.Sprintf("You are a CI/CD build engineer. You build the app image, push it to ECR and record the tag in SSM %s. "+
			"The ECR repository name is in SSM %s. When Docker is unavailable you build on the remote build runner, and as a last resort you reuse an existing tag from ECR and write it to SSM.",
			s.ImageTagParam("prod"), s.ECRRepoParam("prod")),
		description:    fmt.Sprintf("Build and push from the repo at %s.\n\n%s\n\nSummarize: build OK, push OK, SSM image_tag updated.", s.RepoRoot, steps),
		expectedOutput: fmt.Sprintf("Summary: Docker build result, ECR push result, SSM %s value set. Or a clear error message if a step failed.", s.ImageTagParam("prod")),
	}
}

func deployStage(o Options) stage {
	s := o.Settings
	method := deploy.ParseMethod(s.DeployMethod)
	var steps string
	switch method {
	case deploy.MethodSSH:
		steps = fmt.Sprintf(`DEPLOY_METHOD=ssh_script.
1. run_ssh_deploy(env="prod", region=%q). It finds the running instances tagged Env=prod and restarts the container on each over SSH.`, s.Region)
	case deploy.MethodECS:
		cluster, service := s.ECSCluster, s.ECSService
		if cluster == "" {
			cluster = `<get_terraform_output(output_name="ecs_cluster_name", relative_path="infra/envs/prod")>`
		}
		if service == "" {
			service = `<get_terraform_output(output_name="ecs_service_name", relative_path="infra/envs/prod")>`
		}
		steps = fmt.Sprintf(`DEPLOY_METHOD=ecs.
1. run_ecs_deploy(cluster_name=%s, service_name=%s, region=%q).`, cluster, service, s.Region)
	default:
		steps = fmt.Sprintf(`DEPLOY_METHOD=ansible.
1. get_terraform_output(output_name="artifacts_bucket", relative_path="infra/envs/prod") for the SSM transfer bucket.
2. run_ansible_deploy(env="prod", ssm_bucket=<bucket>, ansible_dir="ansible", region=%q).`, s.Region)
	}
	return stage{
		name:  StageDeploy,
		role:  "Deployment Engineer",
		goal:  fmt.Sprintf("Trigger the deployment so the new image runs in production using %s.", method.ToolName()),
		tools: tools.DeployTools,
		backstory: "You are a deployment engineer. You support three deploy methods: Ansible over SSM, an SSH script run on each instance, and an ECS service rollout. " +
			"You never ask the user for values you can read with get_terraform_output or from SSM.",
		description: fmt.Sprintf(`Trigger deployment so the new image runs in prod.

%s
%d. read_ssm_image_tag(env="prod", region=%q) to confirm which image was rolled out.

Summarize the deploy result per host or service.`, steps, strings.Count(steps, "\n")+1, s.Region),
		expectedOutput: fmt.Sprintf("Summary: deployment result from %s and the image_tag now in SSM.", method.ToolName()),
	}
}

func verifyStage(o Options) stage {
	s := o.Settings
	health := HealthURL(s.ProdURL)
	var instruction string
	if health != "" {
		instruction = fmt.Sprintf(`1. wait_seconds(seconds=30) to let the new containers start.
2. http_health_check(url=%q). If it fails, wait and check once more.
3. check_deployment_alarms(env="prod", region=%[2]q).
4. read_ssm_image_tag(env="prod", region=%[2]q).
5. read_ssm_ecr_repo_name(env="prod", region=%[2]q).`, health, s.Region)
	} else {
		instruction = fmt.Sprintf(`No PROD_URL is set: skip the HTTP health check. get_terraform_output(output_name="https_url", relative_path="infra/envs/prod") may give you one; use it only if it returns a URL.
1. check_deployment_alarms(env="prod", region=%[1]q).
2. read_ssm_image_tag(env="prod", region=%[1]q).
3. read_ssm_ecr_repo_name(env="prod", region=%[1]q).`, s.Region)
	}
	return stage{
		name:  StageVerify,
		role:  "Deployment Verifier",
		goal:  fmt.Sprintf("Verify that the production health endpoint returns 200 and that SSM %s and %s are set.", s.ImageTagParam("prod"), s.ECRRepoParam("prod")),
		tools: tools.VerifyTools,
		backstory: "You are a careful DevOps verifier. You use read_ssm_image_tag and read_ssm_ecr_repo_name for SSM and never build parameter paths by hand. " +
			"You call a deployment failed when the health check fails or an alarm is firing.",
		description:    "Verify the deployment.\n\n" + instruction + "\n\nSummarize each check and whether verification passed or failed.",
		expectedOutput: "Short report: health status (or skipped if no PROD_URL), SSM image_tag, SSM ecr_repo_name, pass/fail.",
	}
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/bgdnvk/stackcrew/internal/deploy"
	"github.com/bgdnvk/stackcrew/internal/shell"
	"github.com/bgdnvk/stackcrew/internal/terraform"
)

const (
	wslUnreachableAdvice = "Windows could not connect to the WSL service (0x8007274c). Try: 1) Open a WSL terminal first. 2) Run 'wsl --shutdown' then retry. 3) Restart the machine if WSL stays unresponsive. 4) Or run the playbook inside WSL manually."
	wslSocketAdvice      = "Windows had a socket buffer or queue issue calling WSL. Try: 1) Set ANSIBLE_USE_WSL=0 to run Ansible natively. 2) Run the pipeline from inside WSL. 3) Restart WSL: wsl --shutdown. 4) Use another deploy method: DEPLOY_METHOD=ssh_script or ecs."
)

func registerDeploy(r *Registry, env *Env) {
	envParam := Param{Name: "env", Type: "string", Description: "prod or dev", Default: "prod"}
	region := Param{Name: "region", Type: "string", Description: "AWS region (defaults to the configured region)"}

	r.mustRegister(
		Tool{
			Name:        "run_ansible_deploy",
			Description: "Run Ansible deploy playbook over SSM. Input: env (prod or dev), ssm_bucket (S3 bucket for SSM transfer, from terraform output artifacts_bucket), ansible_dir relative to repo (default ansible). Runs: ansible-playbook -i inventory/ec2_{env}.aws_ec2.yml playbooks/deploy.yml -e ssm_bucket=... env=...",
			Params: []Param{
				envParam,
				{Name: "ssm_bucket", Type: "string", Description: "artifacts bucket used by the SSM connection plugin"},
				{Name: "ansible_dir", Type: "string", Description: "ansible directory relative to the repo root", Default: "ansible"},
				region,
			},
			Run: func(ctx context.Context, a Args) string {
				return env.ansibleDeploy(ctx, a.String("env", "prod"), a.String("ssm_bucket", ""), a.String("ansible_dir", "ansible"), a.String("region", ""))
			},
		},
		Tool{
			Name:        "run_ssh_deploy",
			Description: "Deploy via SSH script (DEPLOY_METHOD=ssh_script). Input: env (prod or dev), region optional. Discovers EC2 instances by tag Env=<env>, connects to each (through the bastion when configured) and runs: read image from SSM, docker pull, restart container. Requires SSH_KEY_PATH or SSH_PRIVATE_KEY.",
			Params: []Param{
				envParam, region,
				{Name: "ssh_user", Type: "string", Description: "login user", Default: "ec2-user"},
				{Name: "ssh_key_path", Type: "string", Description: "private key path (defaults to SSH_KEY_PATH)"},
			},
			Run: func(ctx context.Context, a Args) string {
				return env.sshDeploy(ctx, a.String("env", "prod"), a.String("region", ""), a.String("ssh_user", ""), a.String("ssh_key_path", ""))
			},
		},
		Tool{
			Name:        "run_ecs_deploy",
			Description: "Deploy to ECS (DEPLOY_METHOD=ecs). Input: cluster_name, service_name, region optional. Reads image_tag and ecr_repo_name from SSM, registers a task definition revision with the new image and forces a new deployment.",
			Params: []Param{
				{Name: "cluster_name", Type: "string", Description: "ECS cluster (terraform output ecs_cluster_name)"},
				{Name: "service_name", Type: "string", Description: "ECS service (terraform output ecs_service_name)"},
				region,
			},
			Run: func(ctx context.Context, a Args) string {
				return env.ecsDeploy(ctx, a.String("cluster_name", ""), a.String("service_name", ""), a.String("region", ""))
			},
		},
	)
}

// envOutput reads a single env-root output, returning "" when it is unset
// or not a plain value.
func (e *Env) envOutput(ctx context.Context, env, name string) string {
	rel := "infra/envs/" + env
	if _, ok := e.dirExists(rel); !ok {
		return ""
	}
	v, err := e.outputValue(ctx, name, rel)
	if err != nil || !terraform.ValidOutputValue(v) {
		return ""
	}
	return v
}

func (e *Env) ansibleDeploy(ctx context.Context, env, bucket, rel, region string) string {
	region = e.Settings.RegionOr(region)
	if bucket == "" {
		bucket = e.envOutput(ctx, env, "artifacts_bucket")
	}
	if bucket == "" {
		return fmt.Sprintf("Error: ssm_bucket is required. Get it from terraform output -raw artifacts_bucket in infra/envs/%s.", env)
	}

	opts := deploy.AnsibleOptions{
		Env:       env,
		SSMBucket: bucket,
		Dir:       e.Settings.Path(rel),
		Region:    region,
		Wait:      e.Settings.Ansible.WaitBeforeDeploy,
		UseWSL:    e.Settings.Ansible.UseWSL,
		Stream:    e.Out,
	}
	useWSL := runtime.GOOS == "windows"
	if opts.UseWSL != nil {
		useWSL = *opts.UseWSL
	}
	if useWSL {
		// WSL does not see the host's AWS config, so credentials go in explicitly.
		if api, err := e.aws(ctx, region); err == nil {
			if creds, err := api.ExportCredentialsEnv(ctx); err == nil {
				opts.CredentialEnv = creds
			} else {
				e.logger().Sugar().Warnw("could not export AWS credentials for WSL", "error", err)
			}
		}
	}

	res, err := deploy.RunAnsible(ctx, opts)
	if err == nil {
		via := ""
		if res.WSL {
			via = " via WSL"
		}
		return fmt.Sprintf("Ansible deploy (%s)%s: OK\n%s", env, via, res.Output)
	}

	var ae *deploy.AnsibleError
	if !errors.As(err, &ae) {
		return errorf("%v", err)
	}
	via := ""
	if ae.WSL {
		via = " via WSL"
	}
	switch {
	case errors.Is(err, deploy.ErrNoHosts):
		msg := fmt.Sprintf("Ansible deploy (%s)%s: FAIL (no hosts matched)\nDynamic inventory found no EC2 instances. Check instance tags (Env=%s) and region.", env, via, env)
		if ae.Waited == 0 {
			msg += " Instances may still be starting: set ANSIBLE_WAIT_BEFORE_DEPLOY=120 and retry."
		}
		return msg + "\nstdout: " + shell.Tail(ae.Stdout, 1500)
	case errors.Is(err, deploy.ErrWSLUnreachable):
		return fmt.Sprintf("Ansible deploy (%s) via WSL: FAIL (WSL unreachable)\n%s\nstderr: %s\nstdout: %s", env, wslUnreachableAdvice, ae.Stderr, ae.Stdout)
	case errors.Is(err, deploy.ErrWSLSocket):
		return fmt.Sprintf("Ansible deploy (%s) via WSL: FAIL (WSL socket/buffer error 0x80072747)\n%s\nstderr: %s\nstdout: %s", env, wslSocketAdvice, ae.Stderr, ae.Stdout)
	case errors.Is(err, shell.ErrNotFound) && ae.WSL:
		return "Error: wsl not found. Install WSL and Ubuntu, or set ANSIBLE_USE_WSL=0 and run Ansible natively."
	case errors.Is(err, shell.ErrNotFound):
		return "Error: ansible-playbook not found in PATH. Install Ansible and community.aws collection (ansible-galaxy collection install community.aws)."
	case errors.Is(err, shell.ErrTimeout):
		return fmt.Sprintf("Ansible deploy (%s)%s: FAIL (timed out after %s)", env, via, deploy.AnsibleTimeout)
	}
	return fmt.Sprintf("Ansible deploy (%s)%s: FAIL\nstderr: %s\nstdout: %s", env, via, ae.Stderr, ae.Stdout)
}

func (e *Env) sshDeploy(ctx context.Context, env, region, user, keyPath string) string {
	region = e.Settings.RegionOr(region)
	ssh := e.Settings.SSH
	if user == "" {
		user = ssh.User
	}
	if keyPath == "" {
		keyPath = ssh.KeyPath
	}
	bastion := deploy.SanitizeBastionHost(ssh.BastionHost)
	if bastion == "" {
		bastion = deploy.SanitizeBastionHost(e.envOutput(ctx, env, "bastion_public_ip"))
	}
	if bastion != "" {
		fmt.Fprintf(e.Out, "[deploy] using bastion %s\n", bastion)
	}

	api, err := e.aws(ctx, region)
	if err != nil {
		return fmt.Sprintf("SSH deploy error: %s", clip(err.Error(), 250))
	}
	results, err := deploy.RunSSH(ctx, api, deploy.SSHOptions{
		Env:         env,
		Region:      region,
		Project:     e.Settings.Project,
		Container:   e.Settings.Project + "-app",
		User:        user,
		KeyPath:     keyPath,
		PrivateKey:  ssh.PrivateKey,
		BastionHost: bastion,
		BastionUser: ssh.BastionUser,
	})
	switch {
	case errors.Is(err, deploy.ErrNoInstances):
		return fmt.Sprintf("SSH deploy: no running EC2 instances found with tag Env=%s in %s. Apply Terraform and ensure instances are up.", env, region)
	case err != nil && strings.Contains(err.Error(), "SSH_KEY_PATH"):
		return "Error: " + err.Error()
	case err != nil:
		return fmt.Sprintf("SSH deploy error: %s", clip(err.Error(), 250))
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, r.Summary())
	}
	return fmt.Sprintf("SSH deploy (%s): %s", env, strings.Join(lines, "; "))
}

func (e *Env) ecsDeploy(ctx context.Context, cluster, service, region string) string {
	if cluster == "" {
		cluster = e.Settings.ECSCluster
	}
	if service == "" {
		service = e.Settings.ECSService
	}
	if cluster == "" {
		cluster = e.envOutput(ctx, "prod", "ecs_cluster_name")
	}
	if service == "" {
		service = e.envOutput(ctx, "prod", "ecs_service_name")
	}
	api, err := e.aws(ctx, region)
	if err != nil {
		return fmt.Sprintf("ECS deploy error: %s", clip(err.Error(), 250))
	}
	res, err := deploy.RunECS(ctx, api, e.Settings.Project, cluster, service)
	if err != nil {
		return fmt.Sprintf("ECS deploy error: %s", clip(err.Error(), 250))
	}
	fmt.Fprintf(e.Out, "[deploy] registered %s\n", res.TaskDefinition)
	return fmt.Sprintf("ECS deploy: OK. Service %s updated with %s; new deployment started.", service, res.Image)
}

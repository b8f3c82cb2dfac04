package tools

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	awsclient "github.com/bgdnvk/stackcrew/internal/aws"
	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/deploy"
	"github.com/bgdnvk/stackcrew/internal/docker"
	"github.com/bgdnvk/stackcrew/internal/generate"
	"github.com/bgdnvk/stackcrew/internal/maintenance"
	"github.com/bgdnvk/stackcrew/internal/metrics"
)

// AWS is every AWS call a tool makes. *awsclient.Client implements it.
type AWS interface {
	maintenance.API
	deploy.ECSClient
	deploy.InstanceLister

	PutParameter(ctx context.Context, name, value string) error
	ECRLogin(ctx context.Context) (registry, user, password string, err error)
	ListImageTags(ctx context.Context, repo string) ([]awsclient.ImageTag, error)
	PutObject(ctx context.Context, bucket, key string, body io.Reader) error
	RunShellCommand(ctx context.Context, instanceID, comment string, commands []string, timeout time.Duration, w io.Writer) (*awsclient.CommandResult, error)
	AlarmsFiring(ctx context.Context, prefix string) ([]awsclient.Alarm, error)
	ExportCredentialsEnv(ctx context.Context) ([]string, error)
}

var _ AWS = (*awsclient.Client)(nil)

// AWSFactory returns a client pinned to region.
type AWSFactory func(ctx context.Context, region string) (AWS, error)

// Env carries what the tools need. It is built once per run and shared by
// every stage.
type Env struct {
	Settings *config.Settings
	// Generator is nil when no requirements were loaded; generate tools
	// then report an error.
	Generator *generate.Generator
	Out       io.Writer
	Log       *zap.Logger
	Metrics   *metrics.Recorder
	AWS       AWSFactory
	Docker    *docker.Client
	Now       func() time.Time
}

// NewEnv fills defaults: SDK-backed AWS clients for the configured profile
// and a docker client streaming to out.
func NewEnv(s *config.Settings, gen *generate.Generator, out io.Writer, log *zap.Logger, rec *metrics.Recorder) *Env {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Env{
		Settings:  s,
		Generator: gen,
		Out:       out,
		Log:       log,
		Metrics:   rec,
		AWS: func(ctx context.Context, region string) (AWS, error) {
			return awsclient.NewClient(ctx, s.Profile, region)
		},
		Docker: docker.NewClient(out),
		Now:    time.Now,
	}
}

func (e *Env) aws(ctx context.Context, region string) (AWS, error) {
	return e.AWS(ctx, e.Settings.RegionOr(region))
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// All registers every tool bound to env.
func All(env *Env) *Registry {
	r := NewRegistry(env.Metrics, env.Log)
	registerGenerate(r, env)
	registerInfra(r, env)
	registerBuild(r, env)
	registerShared(r, env)
	registerDeploy(r, env)
	registerVerify(r, env)
	return r
}

// Tool sets per pipeline stage.
var (
	GenerateTools = []string{
		"generate_bootstrap", "generate_platform", "generate_dev_env", "generate_prod_env",
		"generate_app", "generate_deploy", "generate_workflows", "terraform_validate",
		"docker_build_check", "write_run_order", "read_file",
	}
	InfraTools = []string{
		"terraform_init", "terraform_plan", "terraform_apply", "update_backend_from_bootstrap",
		"run_resolve_aws_limits", "run_remove_terraform_blockers", "run_import_platform_iam_on_conflict",
		"run_full_infra_pipeline",
	}
	BuildTools = []string{
		"docker_build", "ecr_push_and_ssm", "remote_build_and_push", "read_pre_built_image_tag",
		"write_ssm_image_tag", "ecr_list_image_tags", "read_ssm_parameter", "read_ssm_ecr_repo_name",
		"get_terraform_output",
	}
	DeployTools = []string{
		"run_ansible_deploy", "run_ssh_deploy", "run_ecs_deploy", "get_terraform_output",
		"read_ssm_parameter", "read_ssm_image_tag",
	}
	VerifyTools = []string{
		"wait_seconds", "http_health_check", "check_deployment_alarms", "read_ssm_parameter",
		"read_ssm_image_tag", "read_ssm_ecr_repo_name", "get_terraform_output",
	}
)

func (e *Env) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Package config holds the run settings every tool receives explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultProject = "bluegreen"
	DefaultRegion  = "us-east-1"
)

// SSHSettings configures the ssh_script deploy method.
type SSHSettings struct {
	User        string
	KeyPath     string
	PrivateKey  string
	BastionHost string
	BastionUser string
}

// AnsibleSettings configures the ansible deploy method.
type AnsibleSettings struct {
	WaitBeforeDeploy time.Duration
	// UseWSL is nil when unset so the platform default applies.
	UseWSL *bool
}

// LLMSettings selects the model provider that drives the agents.
type LLMSettings struct {
	Provider  string
	Model     string
	APIKey    string
	MaxSteps  int
	MaxTokens int
}

// Settings replaces process-wide state: every tool gets a *Settings
// and resolves paths against RepoRoot / AppRoot through it.
type Settings struct {
	RepoRoot         string
	AppRoot          string
	OutputDir        string
	Project          string
	Region           string
	Profile          string
	ProdURL          string
	DeployMethod     string
	// AllowApply gates terraform apply: ALLOW_TERRAFORM_APPLY=1 (or true,
	// yes, on) or --allow-apply.
	AllowApply       bool
	PlatformSource   string
	AppPath          string
	RequirementsPath string
	StatePath        string
	WorkRoot         string
	// PreBuiltImageTag skips the Build stage's docker build when set.
	PreBuiltImageTag string
	ECSCluster       string
	ECSService       string

	SSH     SSHSettings
	Ansible AnsibleSettings
	LLM     LLMSettings

	Debug bool
}

// SetDefaults registers viper defaults and the plain environment names
// the pipeline has always honoured.
func SetDefaults() {
	viper.SetDefault("project", DefaultProject)
	viper.SetDefault("aws.region", DefaultRegion)
	viper.SetDefault("output_dir", "output")
	viper.SetDefault("deploy_method", "ansible")
	viper.SetDefault("ssh.user", "ec2-user")
	viper.SetDefault("ssh.bastion_user", "ec2-user")
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.max_steps", 12)
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("store.path", defaultStatePath())

	bindings := map[string]string{
		"allow_terraform_apply":      "ALLOW_TERRAFORM_APPLY",
		"deploy_method":              "DEPLOY_METHOD",
		"aws.region":                 "AWS_REGION",
		"aws.profile":                "AWS_PROFILE",
		"output_dir":                 "OUTPUT_DIR",
		"prod_url":                   "PROD_URL",
		"requirements":               "REQUIREMENTS_JSON",
		"app_path":                   "APP_PATH",
		"app_root":                   "APP_ROOT",
		"platform_source":            "PLATFORM_SOURCE",
		"ssh.key_path":               "SSH_KEY_PATH",
		"ssh.private_key":            "SSH_PRIVATE_KEY",
		"ssh.bastion_host":           "BASTION_HOST",
		"ssh.bastion_user":           "BASTION_USER",
		"ansible.wait_before_deploy": "ANSIBLE_WAIT_BEFORE_DEPLOY",
		"ansible.use_wsl":            "ANSIBLE_USE_WSL",
		"pre_built_image_tag":        "PRE_BUILT_IMAGE_TAG",
		"ecs.cluster":                "ECS_CLUSTER_NAME",
		"ecs.service":                "ECS_SERVICE_NAME",
		"llm.provider":               "LLM_PROVIDER",
		"llm.model":                  "LLM_MODEL",
	}
	for key, env := range bindings {
		_ = viper.BindEnv(key, env)
	}
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stackcrew.db"
	}
	return filepath.Join(home, ".stackcrew", "runs.db")
}

// Load builds Settings from viper (config file, bound flags and environment).
func Load() (*Settings, error) {
	s := &Settings{
		OutputDir:        viper.GetString("output_dir"),
		AppRoot:          viper.GetString("app_root"),
		Project:          viper.GetString("project"),
		Region:           viper.GetString("aws.region"),
		Profile:          viper.GetString("aws.profile"),
		ProdURL:          viper.GetString("prod_url"),
		DeployMethod:     viper.GetString("deploy_method"),
		AllowApply:       truthy(viper.GetString("allow_terraform_apply")),
		PlatformSource:   viper.GetString("platform_source"),
		AppPath:          viper.GetString("app_path"),
		RequirementsPath: viper.GetString("requirements"),
		StatePath:        viper.GetString("store.path"),
		WorkRoot:         viper.GetString("serve.work_root"),
		PreBuiltImageTag: viper.GetString("pre_built_image_tag"),
		ECSCluster:       viper.GetString("ecs.cluster"),
		ECSService:       viper.GetString("ecs.service"),
		SSH: SSHSettings{
			User:        viper.GetString("ssh.user"),
			KeyPath:     viper.GetString("ssh.key_path"),
			PrivateKey:  viper.GetString("ssh.private_key"),
			BastionHost: viper.GetString("ssh.bastion_host"),
			BastionUser: viper.GetString("ssh.bastion_user"),
		},
		LLM: LLMSettings{
			Provider:  viper.GetString("llm.provider"),
			Model:     viper.GetString("llm.model"),
			APIKey:    viper.GetString("llm.api_key"),
			MaxSteps:  viper.GetInt("llm.max_steps"),
			MaxTokens: viper.GetInt("llm.max_tokens"),
		},
		Debug: viper.GetBool("debug"),
	}

	if raw := strings.TrimSpace(viper.GetString("ansible.wait_before_deploy")); raw != "" {
		wait, err := parseSeconds(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid ANSIBLE_WAIT_BEFORE_DEPLOY %q: %w", raw, err)
		}
		s.Ansible.WaitBeforeDeploy = wait
	}
	if raw := strings.TrimSpace(viper.GetString("ansible.use_wsl")); raw != "" {
		v := truthy(raw)
		s.Ansible.UseWSL = &v
	}

	if s.Project == "" {
		s.Project = DefaultProject
	}
	if s.Region == "" {
		s.Region = DefaultRegion
	}
	s.RepoRoot = s.OutputDir
	return s, nil
}

// parseSeconds accepts a bare integer (seconds) or a Go duration string.
func parseSeconds(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// truthy accepts 1, true, yes and on (any case). ALLOW_TERRAFORM_APPLY goes
// through it, and the --allow-apply flag reaches viper as "true".
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Path resolves a repo-relative path.
func (s *Settings) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(s.RepoRoot, filepath.FromSlash(rel))
}

// AppDir is the docker build context: AppRoot when set, else RepoRoot/rel.
func (s *Settings) AppDir(rel string) string {
	if s.AppRoot != "" {
		return s.AppRoot
	}
	if rel == "" {
		rel = "app"
	}
	return s.Path(rel)
}

// RegionOr returns region when non-empty, else the configured region.
func (s *Settings) RegionOr(region string) string {
	if r := strings.TrimSpace(region); r != "" {
		return r
	}
	return s.Region
}

// Clone returns a deep copy so a job can override fields without
// touching the caller's settings.
func (s *Settings) Clone() *Settings {
	c := *s
	if s.Ansible.UseWSL != nil {
		v := *s.Ansible.UseWSL
		c.Ansible.UseWSL = &v
	}
	return &c
}

// ParamPath builds the SSM handoff path /{project}/{env}/{name}.
func ParamPath(project, env, name string) string {
	return fmt.Sprintf("/%s/%s/%s", project, env, name)
}

// ImageTagParam and ECRRepoParam are the Build -> Deploy handoff keys.
func (s *Settings) ImageTagParam(env string) string {
	return ParamPath(s.Project, env, "image_tag")
}

func (s *Settings) ECRRepoParam(env string) string {
	return ParamPath(s.Project, env, "ecr_repo_name")
}

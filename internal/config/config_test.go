package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadFromEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("ALLOW_TERRAFORM_APPLY", "1")
	t.Setenv("DEPLOY_METHOD", "ecs")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("ANSIBLE_WAIT_BEFORE_DEPLOY", "90")
	t.Setenv("ANSIBLE_USE_WSL", "no")
	t.Setenv("BASTION_HOST", "1.2.3.4")
	SetDefaults()

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.AllowApply {
		t.Error("AllowApply = false, want true")
	}
	if s.DeployMethod != "ecs" {
		t.Errorf("DeployMethod = %s, want ecs", s.DeployMethod)
	}
	if s.Region != "eu-west-1" {
		t.Errorf("Region = %s, want eu-west-1", s.Region)
	}
	if s.Ansible.WaitBeforeDeploy != 90*time.Second {
		t.Errorf("WaitBeforeDeploy = %v, want 90s", s.Ansible.WaitBeforeDeploy)
	}
	if s.Ansible.UseWSL == nil || *s.Ansible.UseWSL {
		t.Errorf("UseWSL = %v, want explicit false", s.Ansible.UseWSL)
	}
	if s.SSH.BastionHost != "1.2.3.4" {
		t.Errorf("BastionHost = %s, want 1.2.3.4", s.SSH.BastionHost)
	}
	if s.Project != DefaultProject {
		t.Errorf("Project = %s, want %s", s.Project, DefaultProject)
	}
}

func TestLoadRejectsBadWait(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("ANSIBLE_WAIT_BEFORE_DEPLOY", "soon")
	SetDefaults()

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want error for non-numeric wait")
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1", true},
		{"true", true},
		{" YES ", true},
		{"on", true},
		{"0", false},
		{"", false},
		{"nope", false},
	}
	for _, tt := range tests {
		if got := truthy(tt.in); got != tt.want {
			t.Errorf("truthy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAllowApplyValues(t *testing.T) {
	tests := []struct {
		env  string
		flag any
		want bool
	}{
		{env: "1", want: true},
		{env: "yes", want: true},
		{env: "0", want: false},
		{env: "", want: false},
		{flag: true, want: true},
		{env: "1", flag: false, want: false},
	}
	for _, tt := range tests {
		viper.Reset()
		t.Setenv("ALLOW_TERRAFORM_APPLY", tt.env)
		SetDefaults()
		if tt.flag != nil {
			viper.Set("allow_terraform_apply", tt.flag)
		}
		s, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if s.AllowApply != tt.want {
			t.Errorf("env %q flag %v: AllowApply = %v, want %v", tt.env, tt.flag, s.AllowApply, tt.want)
		}
	}
	viper.Reset()
}

func TestPathResolution(t *testing.T) {
	s := &Settings{RepoRoot: "/work/out"}

	if got := s.Path("infra/bootstrap"); got != filepath.Join("/work/out", "infra", "bootstrap") {
		t.Errorf("Path() = %s", got)
	}
	if got := s.Path("/abs/dir"); got != "/abs/dir" {
		t.Errorf("Path(abs) = %s, want /abs/dir", got)
	}
	if got := s.AppDir(""); got != filepath.Join("/work/out", "app") {
		t.Errorf("AppDir(\"\") = %s", got)
	}

	s.AppRoot = "/src/app"
	if got := s.AppDir("app"); got != "/src/app" {
		t.Errorf("AppDir with AppRoot = %s, want /src/app", got)
	}
}

func TestParamPaths(t *testing.T) {
	s := &Settings{Project: "shop"}
	if got := s.ImageTagParam("prod"); got != "/shop/prod/image_tag" {
		t.Errorf("ImageTagParam = %s", got)
	}
	if got := s.ECRRepoParam("dev"); got != "/shop/dev/ecr_repo_name" {
		t.Errorf("ECRRepoParam = %s", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	wsl := true
	s := &Settings{Project: "a", Ansible: AnsibleSettings{UseWSL: &wsl}}
	c := s.Clone()
	c.Project = "b"
	*c.Ansible.UseWSL = false

	if s.Project != "a" {
		t.Errorf("original Project changed to %s", s.Project)
	}
	if !*s.Ansible.UseWSL {
		t.Error("original UseWSL changed through clone")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "# local overrides\nSTACKCREW_TEST_NEW=from-file\nSTACKCREW_TEST_SET=from-file\nSTACKCREW_TEST_EMPTY=\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STACKCREW_TEST_SET", "from-env")
	// Registered so t.Setenv restores the original (unset) state.
	t.Setenv("STACKCREW_TEST_NEW", "")
	os.Unsetenv("STACKCREW_TEST_NEW")

	applied, err := LoadDotEnv(path)
	if err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if len(applied) != 1 || applied[0] != "STACKCREW_TEST_NEW" {
		t.Errorf("applied = %v, want [STACKCREW_TEST_NEW]", applied)
	}
	if got := os.Getenv("STACKCREW_TEST_NEW"); got != "from-file" {
		t.Errorf("STACKCREW_TEST_NEW = %q, want from-file", got)
	}
	if got := os.Getenv("STACKCREW_TEST_SET"); got != "from-env" {
		t.Errorf("STACKCREW_TEST_SET = %q, want from-env", got)
	}

	if applied, err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil || applied != nil {
		t.Errorf("LoadDotEnv(missing) = %v, %v; want nil, nil", applied, err)
	}
}

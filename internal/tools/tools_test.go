package tools

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awsclient "github.com/bgdnvk/stackcrew/internal/aws"
	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/docker"
	"github.com/bgdnvk/stackcrew/internal/generate"
	"github.com/bgdnvk/stackcrew/internal/requirements"
)

const testRegistry = "123456789012.dkr.ecr.us-east-1.amazonaws.com"

type fakeAWS struct {
	mu sync.Mutex

	params    map[string]string
	instances []awsclient.Instance
	alarms    []awsclient.Alarm
	tags      []awsclient.ImageTag
	addresses []awsclient.Address

	objects  map[string][]byte
	commands []string
	cmdErr   error
	cmdRes   *awsclient.CommandResult
	rolled   []string
	trails   []string
	released []string
	regions  []string
}

func (f *fakeAWS) DeleteTrail(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trails = append(f.trails, name)
	return nil
}

func (f *fakeAWS) ListVPCs(context.Context) ([]awsclient.VPC, error) {
	return []awsclient.VPC{{ID: "vpc-1", CIDR: "10.0.0.0/16", Name: "shop-dev"}}, nil
}

func (f *fakeAWS) ListAddresses(context.Context) ([]awsclient.Address, error) {
	return f.addresses, nil
}

func (f *fakeAWS) ReleaseAddress(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeAWS) DeleteLogGroup(context.Context, string) error { return nil }
func (f *fakeAWS) DeleteRole(context.Context, string) error     { return nil }

func (f *fakeAWS) ListBuckets(context.Context, ...string) ([]string, error) { return nil, nil }
func (f *fakeAWS) EmptyBucket(context.Context, string) (int, error)         { return 0, nil }
func (f *fakeAWS) DeleteBucket(context.Context, string) error { return nil }

func (f *fakeAWS) VPCResources(context.Context, string) (*awsclient.VPCResources, error) {
	return &awsclient.VPCResources{}, nil
}

func (f *fakeAWS) DeleteLoadBalancer(context.Context, string) error            { return nil }
func (f *fakeAWS) DeleteNATGateway(context.Context, string) error              { return nil }
func (f *fakeAWS) WaitNATGatewaysDeleted(context.Context, string) error        { return nil }
func (f *fakeAWS) TerminateInstances(context.Context, []string) error          { return nil }
func (f *fakeAWS) DeleteInternetGateway(context.Context, string, string) error { return nil }
func (f *fakeAWS) DeleteVPCEndpoint(context.Context, string) error             { return nil }
func (f *fakeAWS) DeleteSubnet(context.Context, string) error                  { return nil }
func (f *fakeAWS) DeleteRouteTable(context.Context, string) error              { return nil }
func (f *fakeAWS) RevokeSecurityGroupRules(context.Context, string) error      { return nil }
func (f *fakeAWS) DeleteSecurityGroup(context.Context, string) error           { return nil }
func (f *fakeAWS) DeleteVPC(context.Context, string) error                     { return nil }

func (f *fakeAWS) GetParameter(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.params[name]
	if !ok {
		return "", errors.New("ParameterNotFound: " + name)
	}
	return v, nil
}

func (f *fakeAWS) PutParameter(_ context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.params == nil {
		f.params = map[string]string{}
	}
	f.params[name] = value
	return nil
}

func (f *fakeAWS) RegistryURI(context.Context) (string, error) { return testRegistry, nil }

func (f *fakeAWS) RollService(_ context.Context, cluster, service, image string) (string, error) {
	f.rolled = append(f.rolled, cluster+"/"+service+"="+image)
	return "arn:aws:ecs:us-east-1:123456789012:task-definition/shop:8", nil
}

func (f *fakeAWS) RunningInstances(context.Context, string) ([]awsclient.Instance, error) {
	return f.instances, nil
}

func (f *fakeAWS) ECRLogin(context.Context) (string, string, string, error) {
	return testRegistry, "AWS", "secret", nil
}

func (f *fakeAWS) ListImageTags(context.Context, string) ([]awsclient.ImageTag, error) {
	return f.tags, nil
}

func (f *fakeAWS) PutObject(_ context.Context, bucket, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeAWS) RunShellCommand(_ context.Context, _, _ string, cmds []string, _ time.Duration, _ io.Writer) (*awsclient.CommandResult, error) {
	f.commands = append(f.commands, cmds...)
	if f.cmdErr != nil {
		return f.cmdRes, f.cmdErr
	}
	return &awsclient.CommandResult{CommandID: "cmd-1", Status: "Success"}, nil
}

func (f *fakeAWS) AlarmsFiring(context.Context, string) ([]awsclient.Alarm, error) {
	return f.alarms, nil
}

func (f *fakeAWS) ExportCredentialsEnv(context.Context) ([]string, error) {
	return []string{"AWS_ACCESS_KEY_ID=AKIA"}, nil
}

// newTestEnv builds an Env rooted in a temp dir with AWS calls served by api.
func newTestEnv(t *testing.T, api *fakeAWS) *Env {
	t.Helper()
	root := t.TempDir()
	s := &config.Settings{
		RepoRoot:  root,
		OutputDir: root,
		Project:   "shop",
		Region:    "us-east-1",
	}
	var out bytes.Buffer
	return &Env{
		Settings: s,
		Out:      &out,
		AWS: func(_ context.Context, region string) (AWS, error) {
			api.mu.Lock()
			api.regions = append(api.regions, region)
			api.mu.Unlock()
			return api, nil
		},
		Docker: docker.NewClient(&out),
		Now:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

// withGenerated writes the full generated layout into env's repo root.
func withGenerated(t *testing.T, env *Env) {
	t.Helper()
	req := requirements.Requirements{Project: "shop", Region: "us-east-1"}.WithDefaults()
	env.Generator = generate.New(req, env.Settings.RepoRoot)
	_, err := env.Generator.All()
	require.NoError(t, err)
}

// fakeBin puts an executable shell script called name first on PATH. Every
// invocation appends its arguments to the returned log file.
func fakeBin(t *testing.T, name, body string) string {
	t.Helper()
	bin := t.TempDir()
	log := filepath.Join(t.TempDir(), "calls.log")
	script := "#!/bin/sh\necho \"$@\" >> \"$FAKE_LOG\"\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte(script), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("FAKE_LOG", log)
	return log
}

// fakeBins is fakeBin for several binaries sharing one log.
func fakeBins(t *testing.T, bodies map[string]string) string {
	t.Helper()
	bin := t.TempDir()
	log := filepath.Join(t.TempDir(), "calls.log")
	for name, body := range bodies {
		script := "#!/bin/sh\necho \"" + name + " $@\" >> \"$FAKE_LOG\"\n" + body + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte(script), 0o755))
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("FAKE_LOG", log)
	return log
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func emptyPath(t *testing.T) {
	t.Helper()
	t.Setenv("PATH", t.TempDir())
}

func TestGenerateToolsNeedRequirements(t *testing.T) {
	r := All(newTestEnv(t, &fakeAWS{}))
	for _, name := range []string{"generate_bootstrap", "generate_app", "write_run_order"} {
		out := r.Call(context.Background(), name, nil)
		assert.True(t, strings.HasPrefix(out, "Error: no requirements loaded"), "%s: %s", name, out)
	}
}

func TestGenerateAndReadFile(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	env.Generator = generate.New(requirements.Requirements{Project: "shop"}.WithDefaults(), env.Settings.RepoRoot)
	r := All(env)
	ctx := context.Background()

	out := r.Call(ctx, "generate_bootstrap", nil)
	assert.NotContains(t, out, "Error")

	main := r.Call(ctx, "read_file", Args{"relative_path": "infra/bootstrap/main.tf"})
	assert.Contains(t, main, "resource ")

	missing := r.Call(ctx, "read_file", Args{"relative_path": "infra/nope.tf"})
	assert.Equal(t, "Error: file not found: "+filepath.Join(env.Settings.RepoRoot, "infra", "nope.tf"), missing)
}

func TestTerraformValidateWithoutBinary(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	withGenerated(t, env)
	emptyPath(t)

	out := All(env).Call(context.Background(), "terraform_validate", Args{"relative_path": "infra/bootstrap"})
	assert.Equal(t, "Error: terraform not found in PATH. Install Terraform to validate. HCL syntax check: OK", out)
}

func TestTerraformValidate(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	withGenerated(t, env)
	r := All(env)
	ctx := context.Background()

	log := fakeBin(t, "terraform", "exit 0")
	assert.Equal(t, "terraform validate in infra/bootstrap: OK", r.Call(ctx, "terraform_validate", Args{"relative_path": "infra/bootstrap"}))
	assert.Contains(t, readLog(t, log), "init -backend=false -reconfigure -input=false")

	fakeBin(t, "terraform", `[ "$1" = init ] && { echo "provider download failed" >&2; exit 1; }; exit 0`)
	out := r.Call(ctx, "terraform_validate", Args{"relative_path": "infra/bootstrap"})
	assert.True(t, strings.HasPrefix(out, "terraform init in infra/bootstrap: FAIL"), out)
	assert.Contains(t, out, "provider download failed")
}

func TestTerraformInitAndPlan(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	require.NoError(t, os.MkdirAll(filepath.Join(env.Settings.RepoRoot, "infra", "envs", "dev"), 0o755))
	r := All(env)
	ctx := context.Background()

	log := fakeBin(t, "terraform", `[ "$1" = plan ] && echo "Plan: 3 to add, 0 to change, 0 to destroy."; exit 0`)
	out := r.Call(ctx, "terraform_init", Args{"relative_path": "infra/envs/dev", "backend_config": "backend.hcl"})
	assert.Equal(t, "terraform init in infra/envs/dev: OK", out)
	assert.Contains(t, readLog(t, log), "init -input=false -backend-config backend.hcl -reconfigure")

	out = r.Call(ctx, "terraform_plan", Args{"relative_path": "infra/envs/dev", "var_file": "dev.tfvars"})
	assert.Contains(t, out, "terraform plan in infra/envs/dev: OK")
	assert.Contains(t, out, "Plan: 3 to add")

	out = r.Call(ctx, "terraform_init", Args{"relative_path": "infra/envs/qa"})
	assert.True(t, strings.HasPrefix(out, "Error: directory not found"), out)

	fakeBin(t, "terraform", `echo "Error: Invalid provider configuration" >&2; exit 1`)
	out = r.Call(ctx, "terraform_plan", Args{"relative_path": "infra/envs/dev"})
	assert.True(t, strings.HasPrefix(out, "terraform plan in infra/envs/dev: FAIL"), out)
	assert.Contains(t, out, "Invalid provider configuration")

	emptyPath(t)
	assert.Equal(t, "Error: terraform not found in PATH.", r.Call(ctx, "terraform_init", Args{"relative_path": "infra/envs/dev"}))
}

func TestTerraformApplyGated(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	require.NoError(t, os.MkdirAll(filepath.Join(env.Settings.RepoRoot, "infra", "bootstrap"), 0o755))
	log := fakeBin(t, "terraform", "exit 0")
	r := All(env)
	ctx := context.Background()

	assert.Equal(t, applySkipped, r.Call(ctx, "terraform_apply", Args{"relative_path": "infra/bootstrap"}))
	assert.Empty(t, readLog(t, log))
	assert.True(t, strings.HasPrefix(r.Call(ctx, "run_full_infra_pipeline", nil), "run_full_infra_pipeline skipped"))

	env.Settings.AllowApply = true
	assert.Equal(t, "terraform apply in infra/bootstrap: OK", r.Call(ctx, "terraform_apply", Args{"relative_path": "infra/bootstrap"}))
	assert.Contains(t, readLog(t, log), "apply -auto-approve -input=false")
}

// bootstrapOutputs answers terraform output -raw for the bootstrap names.
const bootstrapOutputs = `if [ "$1" = output ]; then
  case "$3" in
    tfstate_bucket) printf shop-tfstate-123 ;;
    tflock_table) printf shop-tflock ;;
    cloudtrail_bucket) printf shop-cloudtrail-123 ;;
    build_source_bucket) printf shop-build-src ;;
    build_runner_instance_id) printf i-0build ;;
    artifacts_bucket) printf shop-artifacts ;;
    *) echo "Warning: No outputs found" ; exit 1 ;;
  esac
  exit 0
fi`

func TestUpdateBackendFromBootstrap(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	withGenerated(t, env)
	fakeBin(t, "terraform", bootstrapOutputs)

	out := All(env).Call(context.Background(), "update_backend_from_bootstrap", nil)
	assert.True(t, strings.HasPrefix(out, "update_backend_from_bootstrap: OK. tfstate_bucket=shop-tfstate-123, tflock_table=shop-tflock, cloudtrail_bucket=shop-cloudtrail-123."), out)
	assert.Contains(t, out, "infra/envs/dev/backend.hcl")

	hcl, err := os.ReadFile(filepath.Join(env.Settings.RepoRoot, "infra", "envs", "prod", "backend.hcl"))
	require.NoError(t, err)
	assert.Contains(t, string(hcl), `"shop-tfstate-123"`)
	assert.NotContains(t, string(hcl), "YOUR_TFSTATE_BUCKET")
}

func TestResolveLimitsAndBlockers(t *testing.T) {
	api := &fakeAWS{addresses: []awsclient.Address{
		{AllocationID: "eipalloc-free", PublicIP: "1.2.3.4"},
		{AllocationID: "eipalloc-used", PublicIP: "5.6.7.8", AssociationID: "eipassoc-1"},
	}}
	env := newTestEnv(t, api)
	r := All(env)
	ctx := context.Background()

	out := r.Call(ctx, "run_resolve_aws_limits", Args{"region": "eu-west-1", "release_eips": false})
	assert.True(t, strings.HasPrefix(out, "resolve-aws-limits OK"), out)
	assert.Empty(t, api.released)

	r.Call(ctx, "run_resolve_aws_limits", nil)
	assert.Equal(t, []string{"eipalloc-free"}, api.released)

	out = r.Call(ctx, "run_remove_terraform_blockers", nil)
	assert.True(t, strings.HasPrefix(out, "remove-terraform-blockers OK"), out)
	assert.NotEmpty(t, api.trails)
	assert.Equal(t, "eu-west-1", api.regions[0])
	assert.Equal(t, "us-east-1", api.regions[len(api.regions)-1])
}

func TestImportPlatformIAMSkippedForECS(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	dir := filepath.Join(env.Settings.RepoRoot, "infra", "envs", "prod")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prod.tfvars"), []byte("project = \"shop\"\nenable_ecs = true\n"), 0o644))
	log := fakeBin(t, "terraform", "exit 0")

	out := All(env).Call(context.Background(), "run_import_platform_iam_on_conflict", Args{"relative_path": "infra/envs/prod", "var_file": "prod.tfvars"})
	assert.True(t, strings.HasPrefix(out, "Skipped: enable_ecs=true"), out)
	assert.Empty(t, readLog(t, log))
}

func TestFullInfraPipelineRecoversIAMConflict(t *testing.T) {
	api := &fakeAWS{}
	env := newTestEnv(t, api)
	env.Settings.AllowApply = true
	withGenerated(t, env)
	state := t.TempDir()
	t.Setenv("STATE_DIR", state)
	log := fakeBin(t, "terraform", bootstrapOutputs+`
if [ "$1" = apply ] && [ "$(basename "$(pwd -P)")" = dev ] && [ ! -f "$STATE_DIR/dev-failed" ]; then
  touch "$STATE_DIR/dev-failed"
  echo "Error: creating IAM Role (shop-dev-ec2-role): EntityAlreadyExists: Role with name shop-dev-ec2-role already exists." >&2
  exit 1
fi
exit 0`)

	out := All(env).Call(context.Background(), "run_full_infra_pipeline", nil)
	require.True(t, strings.HasPrefix(out, "run_full_infra_pipeline: OK"), out)
	assert.Contains(t, out, "attempt 1/3: terraform apply in infra/envs/dev: FAIL")
	assert.Contains(t, out, "module.platform.aws_iam_role.ec2_role[0]: imported OK")
	assert.Contains(t, out, "terraform apply in infra/envs/dev: OK")
	assert.Contains(t, out, "terraform apply in infra/envs/prod: OK")

	calls := readLog(t, log)
	assert.Contains(t, calls, "import -input=false module.platform.aws_iam_role.ec2_role[0] shop-dev-ec2-role")
	assert.Contains(t, calls, "plan -input=false -var-file prod.tfvars")
	assert.Equal(t, 4, strings.Count(calls, "apply -auto-approve"), calls)
}

func TestFullInfraPipelineGivesUpAfterThreeApplies(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	env.Settings.AllowApply = true
	withGenerated(t, env)
	log := fakeBin(t, "terraform", bootstrapOutputs+`
if [ "$1" = apply ] && [ "$(basename "$(pwd -P)")" = dev ]; then
  echo "Error: creating EC2 Subnet: InvalidParameterValue: bad CIDR" >&2
  exit 1
fi
exit 0`)

	out := All(env).Call(context.Background(), "run_full_infra_pipeline", nil)
	require.True(t, strings.HasPrefix(out, "run_full_infra_pipeline: FAIL"), out)
	for i := 1; i <= applyAttempts; i++ {
		assert.Contains(t, out, fmt.Sprintf("attempt %d/3: terraform apply in infra/envs/dev: FAIL", i))
	}
	assert.NotContains(t, out, "attempt 4/3")
	// One blocker pass before bootstrap, then one between each failed attempt.
	assert.Equal(t, 1+applyAttempts-1, strings.Count(out, "remove-terraform-blockers OK"), out)
	assert.NotContains(t, out, "import_platform_iam")

	calls := readLog(t, log)
	assert.NotContains(t, calls, "import ")
	assert.NotContains(t, calls, "prod.tfvars")
	assert.Equal(t, 1+applyAttempts, strings.Count(calls, "apply -auto-approve"), calls)
}

func TestFullInfraPipelineStopsOnBootstrapFailure(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	env.Settings.AllowApply = true
	withGenerated(t, env)
	log := fakeBin(t, "terraform", `[ "$1" = apply ] && { echo "AccessDenied" >&2; exit 1; }; exit 0`)

	out := All(env).Call(context.Background(), "run_full_infra_pipeline", nil)
	assert.True(t, strings.HasPrefix(out, "run_full_infra_pipeline: FAIL"), out)
	assert.Contains(t, out, "terraform apply in infra/bootstrap: FAIL")
	assert.Equal(t, 1, strings.Count(readLog(t, log), "apply -auto-approve"))
}

func TestDockerBuildTools(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	app := filepath.Join(env.Settings.RepoRoot, "app")
	require.NoError(t, os.MkdirAll(app, 0o755))
	r := All(env)
	ctx := context.Background()

	log := fakeBin(t, "docker", "exit 0")
	assert.Equal(t, "docker build in "+app+": OK (tag app:v1)", r.Call(ctx, "docker_build", Args{"tag": "v1"}))
	assert.Equal(t, "docker build in app: OK", r.Call(ctx, "docker_build_check", Args{"relative_path": "app"}))
	calls := readLog(t, log)
	assert.Contains(t, calls, "build -t app:v1 .")
	assert.Contains(t, calls, "build -t "+checkImage+" .")

	fakeBin(t, "docker", `echo "failed to solve: Dockerfile not found" >&2; exit 1`)
	out := r.Call(ctx, "docker_build_check", Args{"relative_path": "app"})
	assert.True(t, strings.HasPrefix(out, "docker build in app: FAIL"), out)
	assert.Contains(t, out, "Dockerfile not found")

	emptyPath(t)
	assert.Equal(t, "Error: docker not found in PATH. Docker build skipped.", r.Call(ctx, "docker_build_check", Args{"relative_path": "app"}))
}

func TestECRPushAndSSM(t *testing.T) {
	api := &fakeAWS{}
	env := newTestEnv(t, api)
	r := All(env)
	ctx := context.Background()

	log := fakeBin(t, "docker", "exit 0")
	out := r.Call(ctx, "ecr_push_and_ssm", Args{"ecr_repo_name": "shop-dev-app", "image_tag": "v1"})
	uri := testRegistry + "/shop-dev-app:v1"
	assert.Equal(t, "ECR push and SSM update OK: "+uri+", /shop/dev/image_tag = v1", out)
	assert.Equal(t, "v1", api.params["/shop/dev/image_tag"])

	calls := readLog(t, log)
	assert.Contains(t, calls, "tag app:v1 "+uri)
	assert.Contains(t, calls, "login --username AWS --password-stdin "+testRegistry)
	assert.Contains(t, calls, "push "+uri)

	fakeBin(t, "docker", `[ "$1" = push ] && { echo "tag invalid: The image tag 'v1' already exists in the 'shop-prod-app' repository and cannot be overwritten because the repository is immutable." >&2; exit 1; }; exit 0`)
	out = r.Call(ctx, "ecr_push_and_ssm", Args{"ecr_repo_name": "shop-prod-app", "image_tag": "v1"})
	assert.True(t, strings.HasPrefix(out, "docker push failed:"), out)
	assert.Contains(t, out, immutableHint)
	_, wrote := api.params["/shop/prod/image_tag"]
	assert.False(t, wrote)
}

func TestRemoteBuildAndPush(t *testing.T) {
	api := &fakeAWS{}
	env := newTestEnv(t, api)
	root := env.Settings.RepoRoot
	require.NoError(t, os.MkdirAll(filepath.Join(root, "infra", "bootstrap"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "node_modules", "left-pad"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "Dockerfile"), []byte("FROM node:20\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "src", "server.js"), []byte("//\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "node_modules", "left-pad", "index.js"), []byte("//\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", ".env"), []byte("SECRET=1\n"), 0o644))
	fakeBin(t, "terraform", bootstrapOutputs)

	out := All(env).Call(context.Background(), "remote_build_and_push", Args{"ecr_repo_name": "shop-prod-app"})
	tag := "build-20260102T030405Z"
	uri := testRegistry + "/shop-prod-app:" + tag
	assert.Equal(t, "Remote build and push OK: "+uri+", /shop/prod/image_tag = "+tag, out)

	bundle, ok := api.objects["shop-build-src/builds/"+tag+".zip"]
	require.True(t, ok, "bundle not uploaded")
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"Dockerfile", "src/server.js"}, names)

	cmds := strings.Join(api.commands, "\n")
	assert.Contains(t, cmds, "docker build -t "+uri+" .")
	assert.Contains(t, cmds, "aws ssm put-parameter --name /shop/prod/image_tag --value "+tag)
}

func TestRemoteBuildFailure(t *testing.T) {
	api := &fakeAWS{
		cmdErr: errors.New("command failed"),
		cmdRes: &awsclient.CommandResult{Status: "Failed", Stderr: "denied: requested access to the resource is denied"},
	}
	env := newTestEnv(t, api)
	root := env.Settings.RepoRoot
	require.NoError(t, os.MkdirAll(filepath.Join(root, "infra", "bootstrap"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app"), 0o755))
	fakeBin(t, "terraform", bootstrapOutputs)

	out := All(env).Call(context.Background(), "remote_build_and_push", Args{"ecr_repo_name": "shop-dev-app", "image_tag": "v9"})
	assert.True(t, strings.HasPrefix(out, "remote build FAIL (instance i-0build, status=Failed)"), out)
	assert.Contains(t, out, "requested access to the resource is denied")
}

func TestPreBuiltAndImageTags(t *testing.T) {
	api := &fakeAWS{tags: []awsclient.ImageTag{
		{Tag: "build-2", PushedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{Tag: "build-1", PushedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}}
	env := newTestEnv(t, api)
	r := All(env)
	ctx := context.Background()

	assert.True(t, strings.HasPrefix(r.Call(ctx, "read_pre_built_image_tag", nil), "PRE_BUILT_IMAGE_TAG not set"))
	env.Settings.PreBuiltImageTag = " ci-77 "
	assert.Equal(t, "PRE_BUILT_IMAGE_TAG = ci-77", r.Call(ctx, "read_pre_built_image_tag", nil))

	assert.Equal(t, "SSM /shop/prod/image_tag = ci-77 (written)", r.Call(ctx, "write_ssm_image_tag", Args{"image_tag": "ci-77"}))

	out := r.Call(ctx, "ecr_list_image_tags", Args{"ecr_repo_name": "shop-prod-app"})
	assert.Equal(t, "ECR shop-prod-app tags (newest first):\n  build-2  2026-01-02T00:00:00Z\n  build-1  2026-01-01T00:00:00Z", out)
}

func TestReadSSMTools(t *testing.T) {
	api := &fakeAWS{params: map[string]string{
		"/shop/dev/image_tag":      "abc",
		"/shop/prod/ecr_repo_name": "shop-prod-app",
	}}
	r := All(newTestEnv(t, api))
	ctx := context.Background()

	assert.Equal(t, "SSM /shop/dev/image_tag = abc", r.Call(ctx, "read_ssm_image_tag", Args{"env": "dev"}))
	assert.Equal(t, "SSM /shop/prod/ecr_repo_name = shop-prod-app", r.Call(ctx, "read_ssm_ecr_repo_name", nil))
	assert.Equal(t, "SSM /shop/dev/image_tag = abc", r.Call(ctx, "read_ssm_parameter", Args{"name": "/shop/dev/image_tag"}))

	out := r.Call(ctx, "read_ssm_image_tag", nil)
	assert.True(t, strings.HasPrefix(out, "SSM /shop/prod/image_tag error:"), out)
	assert.Equal(t, "fail", Outcome(out))
}

func TestGetTerraformOutput(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	require.NoError(t, os.MkdirAll(filepath.Join(env.Settings.RepoRoot, "infra", "bootstrap"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(env.Settings.RepoRoot, "infra", "envs", "prod"), 0o755))
	fakeBin(t, "terraform", bootstrapOutputs+"\nexit 0")
	r := All(env)
	ctx := context.Background()

	assert.Equal(t, "terraform output tfstate_bucket in infra/bootstrap = shop-tfstate-123",
		r.Call(ctx, "get_terraform_output", Args{"output_name": "tfstate_bucket", "relative_path": "infra/bootstrap"}))
	assert.Equal(t, "terraform output artifacts_bucket in infra/envs/prod = shop-artifacts",
		r.Call(ctx, "get_terraform_output", Args{"output_name": "artifacts_bucket", "relative_path": "infra/envs/prod"}))

	out := r.Call(ctx, "get_terraform_output", Args{"output_name": "https_url", "relative_path": "infra/bootstrap"})
	assert.True(t, strings.HasPrefix(out, "terraform output https_url in infra/bootstrap: FAIL"), out)
	assert.Contains(t, out, "No outputs found")

	assert.True(t, strings.HasPrefix(r.Call(ctx, "get_terraform_output", Args{"output_name": "x", "relative_path": "infra/none"}), "Error: directory not found"))
}

func TestAnsibleDeployTool(t *testing.T) {
	env := newTestEnv(t, &fakeAWS{})
	no := false
	env.Settings.Ansible.UseWSL = &no
	dir := filepath.Join(env.Settings.RepoRoot, "ansible")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "inventory"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "playbooks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inventory", "ec2_prod.aws_ec2.yml"), []byte("plugin: amazon.aws.aws_ec2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playbooks", "deploy.yml"), []byte("- hosts: all\n"), 0o644))
	r := All(env)
	ctx := context.Background()

	out := r.Call(ctx, "run_ansible_deploy", nil)
	assert.Equal(t, "Error: ssm_bucket is required. Get it from terraform output -raw artifacts_bucket in infra/envs/prod.", out)

	log := fakeBin(t, "ansible-playbook", `echo "PLAY RECAP web ok=4 failed=0"`)
	out = r.Call(ctx, "run_ansible_deploy", Args{"ssm_bucket": "shop-artifacts"})
	assert.True(t, strings.HasPrefix(out, "Ansible deploy (prod): OK"), out)
	assert.Contains(t, readLog(t, log), "ssm_bucket=shop-artifacts")

	emptyPath(t)
	out = r.Call(ctx, "run_ansible_deploy", Args{"ssm_bucket": "shop-artifacts"})
	assert.True(t, strings.HasPrefix(out, "Error: ansible-playbook not found in PATH"), out)
}

func TestSSHDeployTool(t *testing.T) {
	api := &fakeAWS{}
	env := newTestEnv(t, api)
	r := All(env)
	ctx := context.Background()

	out := r.Call(ctx, "run_ssh_deploy", nil)
	assert.True(t, strings.HasPrefix(out, "Error: "), out)
	assert.Contains(t, out, "SSH_KEY_PATH")

	env.Settings.SSH.KeyPath = writeTestKey(t)
	out = r.Call(ctx, "run_ssh_deploy", Args{"env": "dev"})
	assert.Equal(t, "SSH deploy: no running EC2 instances found with tag Env=dev in us-east-1. Apply Terraform and ensure instances are up.", out)
}

func TestECSDeployTool(t *testing.T) {
	api := &fakeAWS{params: map[string]string{
		"/shop/prod/image_tag":     "v7",
		"/shop/prod/ecr_repo_name": "shop-prod-app",
	}}
	env := newTestEnv(t, api)
	r := All(env)
	ctx := context.Background()

	out := r.Call(ctx, "run_ecs_deploy", nil)
	assert.True(t, strings.HasPrefix(out, "ECS deploy error: cluster_name and service_name are required"), out)

	env.Settings.ECSCluster = "shop-prod"
	out = r.Call(ctx, "run_ecs_deploy", Args{"service_name": "shop-prod-svc"})
	uri := testRegistry + "/shop-prod-app:v7"
	assert.Equal(t, "ECS deploy: OK. Service shop-prod-svc updated with "+uri+"; new deployment started.", out)
	assert.Equal(t, []string{"shop-prod/shop-prod-svc=" + uri}, api.rolled)
}

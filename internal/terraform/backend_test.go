package terraform

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateBackendFromBootstrap(t *testing.T) {
	fakeTerraform(t, `
case "$3" in
  tfstate_bucket) printf 'bluegreen-tfstate-123' ;;
  tflock_table) printf 'bluegreen-tflock' ;;
  cloudtrail_bucket) printf 'bluegreen-cloudtrail-456' ;;
esac`)
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "infra", "bootstrap"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "infra/envs/dev/backend.hcl"), `# Fill bucket, key, dynamodb_table after bootstrap apply
bucket         = "YOUR_TFSTATE_BUCKET"
key            = "dev/terraform.tfstate"
region         = "us-east-1"
dynamodb_table = "YOUR_TFLOCK_TABLE"
encrypt        = true
`)
	writeFile(t, filepath.Join(root, "infra/envs/prod/prod.tfvars"), `project = "bluegreen"
cloudtrail_bucket = "YOUR_CLOUDTRAIL_BUCKET"
enable_cloudtrail = true
`)

	outs, updated, err := UpdateBackendFromBootstrap(context.Background(), root)
	if err != nil {
		t.Fatalf("UpdateBackendFromBootstrap() error = %v", err)
	}
	if outs.TFStateBucket != "bluegreen-tfstate-123" || outs.TFLockTable != "bluegreen-tflock" {
		t.Errorf("outputs = %+v", outs)
	}
	if strings.Join(updated, ",") != "infra/envs/dev/backend.hcl,infra/envs/prod/prod.tfvars" {
		t.Errorf("updated = %v", updated)
	}

	backend, _ := os.ReadFile(filepath.Join(root, "infra/envs/dev/backend.hcl"))
	if !strings.Contains(string(backend), `"bluegreen-tfstate-123"`) || !strings.Contains(string(backend), `"bluegreen-tflock"`) {
		t.Errorf("backend.hcl not rewritten:\n%s", backend)
	}
	if !strings.Contains(string(backend), "# Fill bucket") || !strings.Contains(string(backend), `"dev/terraform.tfstate"`) {
		t.Errorf("backend.hcl lost comment or key:\n%s", backend)
	}

	vars, err := ParseTFVars(filepath.Join(root, "infra/envs/prod/prod.tfvars"))
	if err != nil {
		t.Fatal(err)
	}
	if vars["cloudtrail_bucket"] != "bluegreen-cloudtrail-456" {
		t.Errorf("cloudtrail_bucket = %q", vars["cloudtrail_bucket"])
	}
}

func TestUpdateBackendRejectsWarnings(t *testing.T) {
	fakeTerraform(t, `printf 'Warning: No outputs found'`)
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "infra", "bootstrap"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, _, err := UpdateBackendFromBootstrap(context.Background(), root); err == nil {
		t.Fatal("UpdateBackendFromBootstrap() error = nil, want error for warning output")
	}
}

func TestParseTFVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.tfvars")
	writeFile(t, path, `project = "shop"
min_size = 1
enable_ecs = false
public_subnets = ["10.20.1.0/24", "10.20.2.0/24"]
`)
	vars, err := ParseTFVars(path)
	if err != nil {
		t.Fatalf("ParseTFVars() error = %v", err)
	}
	want := map[string]string{
		"project":        "shop",
		"min_size":       "1",
		"enable_ecs":     "false",
		"public_subnets": `["10.20.1.0/24","10.20.2.0/24"]`,
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("%s = %q, want %q", k, vars[k], v)
		}
	}

	missing, err := ParseTFVars(filepath.Join(t.TempDir(), "none.tfvars"))
	if err != nil || len(missing) != 0 {
		t.Errorf("ParseTFVars(missing) = %v, %v", missing, err)
	}
}

func TestImportPlatformIAM(t *testing.T) {
	log := fakeTerraform(t, "exit 0")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "prod.tfvars"), "project = \"shop\"\nenable_ecs = false\n")

	imports, skipped, err := ImportPlatformIAM(context.Background(), NewClient(dir), "infra/envs/prod", "prod.tfvars")
	if err != nil || skipped {
		t.Fatalf("ImportPlatformIAM() = skipped %v, err %v", skipped, err)
	}
	if len(imports) != 2 || imports[0].ID != "shop-prod-ec2-role" || imports[1].ID != "shop-prod-codedeploy-role" {
		t.Errorf("imports = %+v", imports)
	}
	got := calls(t, log)
	if len(got) != 2 || !strings.HasSuffix(got[0], "module.platform.aws_iam_role.ec2_role[0] shop-prod-ec2-role") {
		t.Errorf("calls = %v", got)
	}
}

func TestImportPlatformIAMSkipsECS(t *testing.T) {
	log := fakeTerraform(t, "exit 0")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "dev.tfvars"), "enable_ecs = true\n")

	_, skipped, err := ImportPlatformIAM(context.Background(), NewClient(dir), "infra/envs/dev", "dev.tfvars")
	if err != nil || !skipped {
		t.Fatalf("ImportPlatformIAM() = skipped %v, err %v, want skipped", skipped, err)
	}
	if got := calls(t, log); len(got) != 0 {
		t.Errorf("terraform was invoked: %v", got)
	}
}

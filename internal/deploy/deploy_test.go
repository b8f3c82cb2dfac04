package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in   string
		want Method
	}{
		{"", MethodAnsible},
		{"ansible", MethodAnsible},
		{"bogus", MethodAnsible},
		{"ssh", MethodSSH},
		{"SSH_SCRIPT", MethodSSH},
		{"shs_script", MethodSSH},
		{"codedeploy", MethodSSH},
		{"ecs", MethodECS},
		{" ecs_script ", MethodECS},
	}
	for _, tt := range tests {
		if got := ParseMethod(tt.in); got != tt.want {
			t.Errorf("ParseMethod(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if got := MethodECS.ToolName(); got != "run_ecs_deploy" {
		t.Errorf("ToolName() = %q", got)
	}
}

func TestWSLPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`C:\work\out\ansible`, "/mnt/c/work/out/ansible"},
		{`D:\`, "/mnt/d"},
		{`c:/x/y`, "/mnt/c/x/y"},
		{"/home/me/ansible", "/home/me/ansible"},
		{`rel\ansible`, "rel/ansible"},
	}
	for _, tt := range tests {
		if got := WSLPath(tt.in); got != tt.want {
			t.Errorf("WSLPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWSLScript(t *testing.T) {
	got := wslScript(
		[]string{"AWS_ACCESS_KEY_ID=AKIA", "AWS_SECRET_ACCESS_KEY=it's", "AWS_REGION=ignored"},
		"eu-west-1", "/mnt/c/out/ansible", "inventory/ec2_prod.aws_ec2.yml", "ssm_bucket=b env=prod ssm_region=eu-west-1",
	)
	for _, want := range []string{
		"export AWS_ACCESS_KEY_ID='AKIA';",
		`export AWS_SECRET_ACCESS_KEY='it'"'"'s';`,
		"export AWS_REGION='eu-west-1';",
		"cd '/mnt/c/out/ansible' && ansible-playbook -i 'inventory/ec2_prod.aws_ec2.yml' playbooks/deploy.yml -e 'ssm_bucket=b env=prod ssm_region=eu-west-1'",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("script missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "ignored") {
		t.Errorf("region from credentials leaked into script: %s", got)
	}
}

// ansibleDir lays out a minimal generated ansible/ tree.
func ansibleDir(t *testing.T, env string) string {
	t.Helper()
	dir := t.TempDir()
	inv := filepath.Join(dir, filepath.FromSlash(InventoryPath(env)))
	if err := os.MkdirAll(filepath.Dir(inv), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(inv, []byte("plugin: amazon.aws.aws_ec2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// fakeBin puts an executable named name on PATH that logs its args to
// $FAKE_LOG and then runs body.
func fakeBin(t *testing.T, name, body string) string {
	t.Helper()
	bin := t.TempDir()
	log := filepath.Join(t.TempDir(), "calls.log")
	script := "#!/bin/sh\necho \"$@\" >> \"$FAKE_LOG\"\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(bin, name), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("FAKE_LOG", log)
	return log
}

func boolPtr(b bool) *bool { return &b }

func TestRunAnsibleNative(t *testing.T) {
	log := fakeBin(t, "ansible-playbook", `echo "PLAY RECAP host ok=4 failed=0"; echo "region=$AWS_REGION"`)
	dir := ansibleDir(t, "prod")

	res, err := RunAnsible(context.Background(), AnsibleOptions{
		Env: "prod", SSMBucket: "arts", Dir: dir, Region: "us-west-2", UseWSL: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("RunAnsible() error = %v", err)
	}
	if !strings.Contains(res.Output, "PLAY RECAP") || !strings.Contains(res.Output, "region=us-west-2") {
		t.Errorf("Output = %q", res.Output)
	}
	calls, _ := os.ReadFile(log)
	want := "-i inventory/ec2_prod.aws_ec2.yml playbooks/deploy.yml -e ssm_bucket=arts env=prod ssm_region=us-west-2"
	if strings.TrimSpace(string(calls)) != want {
		t.Errorf("args = %q, want %q", calls, want)
	}
}

func TestRunAnsibleNoHosts(t *testing.T) {
	fakeBin(t, "ansible-playbook", `echo "skipping: no hosts matched"`)
	_, err := RunAnsible(context.Background(), AnsibleOptions{
		Env: "dev", SSMBucket: "arts", Dir: ansibleDir(t, "dev"), Region: "us-east-1", UseWSL: boolPtr(false),
	})
	if !errors.Is(err, ErrNoHosts) {
		t.Errorf("RunAnsible() error = %v, want ErrNoHosts", err)
	}
}

func TestRunAnsibleWSLErrors(t *testing.T) {
	tests := []struct {
		out  string
		want error
	}{
		{"Error code: Wsl/Service/0x8007274c", ErrWSLUnreachable},
		{"An operation on a socket could not be performed because the system lacked sufficient buffer space", ErrWSLSocket},
	}
	for _, tt := range tests {
		log := fakeBin(t, "wsl", `echo "`+tt.out+`" >&2; exit 1`)
		_, err := RunAnsible(context.Background(), AnsibleOptions{
			Env: "prod", SSMBucket: "arts", Dir: ansibleDir(t, "prod"), Region: "us-east-1", UseWSL: boolPtr(true),
			CredentialEnv: []string{"AWS_ACCESS_KEY_ID=AKIA"},
		})
		if !errors.Is(err, tt.want) {
			t.Errorf("RunAnsible() error = %v, want %v", err, tt.want)
		}
		var ae *AnsibleError
		if !errors.As(err, &ae) || !ae.WSL {
			t.Errorf("error = %#v, want *AnsibleError with WSL", err)
		}
		calls, _ := os.ReadFile(log)
		if !strings.HasPrefix(string(calls), "bash -c export AWS_ACCESS_KEY_ID='AKIA'") {
			t.Errorf("wsl args = %q", calls)
		}
	}
}

func TestRunAnsiblePreconditions(t *testing.T) {
	ctx := context.Background()
	if _, err := RunAnsible(ctx, AnsibleOptions{Env: "prod", Dir: ansibleDir(t, "prod")}); err == nil || !strings.Contains(err.Error(), "ssm_bucket is required") {
		t.Errorf("missing bucket error = %v", err)
	}
	if _, err := RunAnsible(ctx, AnsibleOptions{Env: "prod", SSMBucket: "b", Dir: filepath.Join(t.TempDir(), "none")}); err == nil || !strings.Contains(err.Error(), "ansible directory not found") {
		t.Errorf("missing dir error = %v", err)
	}
	if _, err := RunAnsible(ctx, AnsibleOptions{Env: "prod", SSMBucket: "b", Dir: ansibleDir(t, "dev")}); err == nil || !strings.Contains(err.Error(), "inventory not found") {
		t.Errorf("missing inventory error = %v", err)
	}
}

func TestRunAnsibleWaitIsCapped(t *testing.T) {
	fakeBin(t, "ansible-playbook", `echo ok`)
	var slept time.Duration
	orig := sleep
	sleep = func(_ context.Context, d time.Duration) error { slept = d; return nil }
	t.Cleanup(func() { sleep = orig })

	res, err := RunAnsible(context.Background(), AnsibleOptions{
		Env: "prod", SSMBucket: "b", Dir: ansibleDir(t, "prod"), Region: "us-east-1",
		Wait: 10 * time.Minute, UseWSL: boolPtr(false),
	})
	if err != nil {
		t.Fatal(err)
	}
	if slept != MaxAnsibleWait || res.Waited != MaxAnsibleWait {
		t.Errorf("slept %v, Waited %v, want %v", slept, res.Waited, MaxAnsibleWait)
	}
}

func TestNoHostsMatched(t *testing.T) {
	if !NoHostsMatched("[WARNING]: provided hosts list is empty\nskipping: No hosts matched") {
		t.Error("NoHostsMatched() = false for skipped play")
	}
	if NoHostsMatched("PLAY RECAP") {
		t.Error("NoHostsMatched() = true for normal run")
	}
}

// Package cli provides CLI tool dependency detection and installation.
package cli

import (
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/bgdnvk/stackcrew/internal/deploy"
)

// DependencyChecker handles detection of CLI tools
type DependencyChecker struct {
	debug    bool
	lookPath func(string) (string, error)
	output   func(ctx context.Context, path string, args ...string) ([]byte, error)
}

// NewDependencyChecker creates a new dependency checker
func NewDependencyChecker(debug bool) *DependencyChecker {
	return &DependencyChecker{
		debug:    debug,
		lookPath: exec.LookPath,
		output: func(ctx context.Context, path string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, path, args...).CombinedOutput()
		},
	}
}

// DependencyStatus represents the status of a CLI tool
type DependencyStatus struct {
	Name       string
	Installed  bool
	Version    string
	Required   bool
	MinVersion string
	Message    string
}

// NeedsAttention reports a missing tool or one that must be upgraded.
func (d DependencyStatus) NeedsAttention() bool {
	return !d.Installed || strings.Contains(d.Message, "upgrade")
}

var (
	semverRe  = regexp.MustCompile(`(\d+\.\d+\.\d+)`)
	awsCLIRe  = regexp.MustCompile(`aws-cli/(\d+)\.(\d+)\.(\d+)`)
	opensshRe = regexp.MustCompile(`OpenSSH_([0-9][0-9A-Za-z.]*)`)
)

const minTerraform = "1.5.0"

// CheckAll checks the tools a pipeline run needs. ansible-playbook and ssh
// are only required by the deploy method that uses them.
func (d *DependencyChecker) CheckAll(method string) []DependencyStatus {
	m := deploy.ParseMethod(method)
	ansible := d.CheckAnsible()
	ansible.Required = m == deploy.MethodAnsible
	ssh := d.CheckSSH()
	ssh.Required = m == deploy.MethodSSH || m == deploy.MethodAnsible
	return []DependencyStatus{
		d.CheckTerraform(),
		d.CheckDocker(),
		d.CheckAWSCLI(),
		ansible,
		ssh,
	}
}

// CheckMissing returns only the missing or invalid required dependencies
func (d *DependencyChecker) CheckMissing(method string) []DependencyStatus {
	var missing []DependencyStatus
	for _, dep := range d.CheckAll(method) {
		if dep.Required && dep.NeedsAttention() {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (d *DependencyChecker) run(path string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	out, err := d.output(ctx, path, args...)
	return strings.TrimSpace(string(out)), err
}

// CheckTerraform checks for terraform >= 1.5.
func (d *DependencyChecker) CheckTerraform() DependencyStatus {
	status := DependencyStatus{Name: "terraform", Required: true, MinVersion: minTerraform}

	path, err := d.lookPath("terraform")
	if err != nil {
		status.Message = "terraform is not installed"
		return status
	}
	status.Installed = true

	out, err := d.run(path, "version")
	if err != nil {
		status.Message = "failed to get terraform version"
		return status
	}
	status.Version = semverRe.FindString(out)
	if status.Version != "" && versionLess(status.Version, minTerraform) {
		status.Message = "terraform " + status.Version + " is too old; upgrade to " + minTerraform + " or newer"
	}
	return status
}

// CheckDocker checks the docker CLI and that its daemon answers.
func (d *DependencyChecker) CheckDocker() DependencyStatus {
	status := DependencyStatus{Name: "docker", Required: true}

	path, err := d.lookPath("docker")
	if err != nil {
		status.Message = "docker is not installed (needed for local builds; remote_build_and_push works without it)"
		return status
	}
	status.Installed = true

	if out, err := d.run(path, "--version"); err == nil {
		status.Version = semverRe.FindString(out)
	}
	if _, err := d.run(path, "info", "--format", "{{.ServerVersion}}"); err != nil {
		status.Message = "docker daemon is not reachable; start Docker before building"
	}
	return status
}

// CheckAWSCLI checks if AWS CLI v2 is installed
func (d *DependencyChecker) CheckAWSCLI() DependencyStatus {
	status := DependencyStatus{
		Name:       "aws",
		Required:   true,
		MinVersion: "2.0.0",
	}

	path, err := d.lookPath("aws")
	if err != nil {
		status.Message = "AWS CLI is not installed"
		return status
	}

	out, err := d.run(path, "--version")
	if err != nil {
		status.Message = "failed to get AWS CLI version"
		return status
	}
	status.Installed = true
	status.Version = out

	// "aws-cli/2.15.0 Python/3.11.6 ..."
	if m := awsCLIRe.FindStringSubmatch(out); len(m) == 4 {
		status.Version = strings.Join(m[1:], ".")
		if m[1] == "1" {
			status.Message = "AWS CLI v1 detected; upgrade to v2 (export-credentials needs it)"
		}
	}
	return status
}

// CheckAnsible checks for ansible-playbook.
func (d *DependencyChecker) CheckAnsible() DependencyStatus {
	status := DependencyStatus{Name: "ansible-playbook"}

	path, err := d.lookPath("ansible-playbook")
	if err != nil {
		status.Message = "ansible-playbook is not installed (needed for DEPLOY_METHOD=ansible)"
		if runtime.GOOS == "windows" {
			status.Message += "; install it in WSL and set ANSIBLE_USE_WSL=1"
		}
		return status
	}
	status.Installed = true
	if out, err := d.run(path, "--version"); err == nil {
		status.Version = semverRe.FindString(out)
	}
	return status
}

// CheckSSH checks for the OpenSSH client. ssh -V writes to stderr.
func (d *DependencyChecker) CheckSSH() DependencyStatus {
	status := DependencyStatus{Name: "ssh"}

	path, err := d.lookPath("ssh")
	if err != nil {
		status.Message = "ssh is not installed"
		return status
	}
	status.Installed = true
	if out, err := d.run(path, "-V"); err == nil {
		if m := opensshRe.FindStringSubmatch(out); len(m) == 2 {
			status.Version = m[1]
		} else {
			status.Version = out
		}
	}
	return status
}

// versionLess compares dotted numeric versions.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		if x != y {
			return x < y
		}
	}
	return false
}

// GetPlatform returns the current platform (linux, darwin)
func GetPlatform() string {
	return runtime.GOOS
}

// GetArch returns the current architecture (amd64, arm64)
func GetArch() string {
	arch := runtime.GOARCH
	// Normalize architecture names
	switch arch {
	case "amd64", "x86_64":
		return "amd64"
	case "arm64", "aarch64":
		return "arm64"
	default:
		return arch
	}
}

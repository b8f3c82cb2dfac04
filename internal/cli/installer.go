package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	terraformCheckpointURL = "https://checkpoint-api.hashicorp.com/v1/check/terraform"
	terraformReleasesURL   = "https://releases.hashicorp.com/terraform"
	// fallbackTerraform is installed when the checkpoint API is unreachable.
	fallbackTerraform = "1.9.8"
)

// Installer handles installation of CLI tools
type Installer struct {
	platform      string
	arch          string
	debug         bool
	out           io.Writer
	checkpointURL string
	releasesURL   string
	httpClient    *http.Client
}

// NewInstaller creates a new installer for the current platform
func NewInstaller(debug bool) *Installer {
	return &Installer{
		platform:      GetPlatform(),
		arch:          GetArch(),
		debug:         debug,
		out:           os.Stdout,
		checkpointURL: terraformCheckpointURL,
		releasesURL:   terraformReleasesURL,
		httpClient:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// InstallOptions contains options for installation
type InstallOptions struct {
	Sudo        bool   // Use sudo for installation
	InstallPath string // Where to install binaries (default: /usr/local/bin)
}

// DefaultInstallOptions returns sensible defaults
func DefaultInstallOptions() InstallOptions {
	return InstallOptions{
		Sudo:        true,
		InstallPath: "/usr/local/bin",
	}
}

// CanInstall reports whether Install knows how to fetch name.
func CanInstall(name string) bool {
	return name == "terraform" || name == "aws"
}

// Install installs a specific dependency by name. docker, ansible and ssh
// come from the system package manager and are not handled here.
func (i *Installer) Install(ctx context.Context, name string, opts InstallOptions) error {
	switch name {
	case "terraform":
		return i.InstallTerraform(ctx, opts)
	case "aws":
		return i.InstallAWSCLI(ctx, opts)
	default:
		return fmt.Errorf("cannot install %s automatically; use your system package manager", name)
	}
}

func (i *Installer) debugf(format string, args ...any) {
	if i.debug {
		fmt.Fprintf(i.out, "[installer] "+format+"\n", args...)
	}
}

// InstallTerraform installs the current terraform release.
func (i *Installer) InstallTerraform(ctx context.Context, opts InstallOptions) error {
	if i.platform != "linux" && i.platform != "darwin" {
		return fmt.Errorf("unsupported platform: %s", i.platform)
	}
	version, err := i.terraformLatestVersion(ctx)
	if err != nil {
		i.debugf("checkpoint lookup failed (%v), using %s", err, fallbackTerraform)
		version = fallbackTerraform
	}
	i.debugf("Installing terraform %s...", version)

	tmpDir, err := os.MkdirTemp("", "terraform-install")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	zipPath := filepath.Join(tmpDir, "terraform.zip")
	if err := i.downloadFile(ctx, i.terraformURL(version), zipPath); err != nil {
		return fmt.Errorf("failed to download terraform: %w", err)
	}
	if err := i.extractZip(ctx, zipPath, tmpDir); err != nil {
		return fmt.Errorf("failed to extract terraform: %w", err)
	}
	dest := filepath.Join(opts.InstallPath, "terraform")
	if err := i.moveFile(ctx, filepath.Join(tmpDir, "terraform"), dest, opts.Sudo); err != nil {
		return fmt.Errorf("failed to install terraform: %w", err)
	}
	i.debugf("terraform %s installed to %s", version, dest)
	return nil
}

func (i *Installer) terraformURL(version string) string {
	return fmt.Sprintf("%s/%s/terraform_%s_%s_%s.zip", i.releasesURL, version, version, i.platform, i.arch)
}

// InstallAWSCLI installs AWS CLI v2
func (i *Installer) InstallAWSCLI(ctx context.Context, opts InstallOptions) error {
	i.debugf("Installing AWS CLI v2...")

	tmpDir, err := os.MkdirTemp("", "awscli-install")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	switch i.platform {
	case "linux":
		return i.installAWSCLILinux(ctx, tmpDir, opts)
	case "darwin":
		return i.installAWSCLIDarwin(ctx, tmpDir, opts)
	default:
		return fmt.Errorf("unsupported platform: %s", i.platform)
	}
}

func (i *Installer) installAWSCLILinux(ctx context.Context, tmpDir string, opts InstallOptions) error {
	archName := "x86_64"
	if i.arch == "arm64" {
		archName = "aarch64"
	}
	url := fmt.Sprintf("https://awscli.amazonaws.com/awscli-exe-linux-%s.zip", archName)
	zipPath := filepath.Join(tmpDir, "awscliv2.zip")

	if err := i.downloadFile(ctx, url, zipPath); err != nil {
		return fmt.Errorf("failed to download AWS CLI: %w", err)
	}
	if err := i.extractZip(ctx, zipPath, tmpDir); err != nil {
		return fmt.Errorf("failed to extract AWS CLI: %w", err)
	}

	args := []string{filepath.Join(tmpDir, "aws", "install"), "--update"}
	if opts.Sudo {
		args = append([]string{"sudo"}, args...)
	}
	return i.runInstaller(ctx, args)
}

func (i *Installer) installAWSCLIDarwin(ctx context.Context, tmpDir string, opts InstallOptions) error {
	pkgPath := filepath.Join(tmpDir, "AWSCLIV2.pkg")
	if err := i.downloadFile(ctx, "https://awscli.amazonaws.com/AWSCLIV2.pkg", pkgPath); err != nil {
		return fmt.Errorf("failed to download AWS CLI: %w", err)
	}

	args := []string{"installer", "-pkg", pkgPath, "-target", "/"}
	if opts.Sudo {
		args = append([]string{"sudo"}, args...)
	}
	return i.runInstaller(ctx, args)
}

func (i *Installer) runInstaller(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	i.debugf("Running: %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("AWS CLI installation failed: %w, stderr: %s", err, stderr.String())
	}
	i.debugf("AWS CLI v2 installed successfully")
	return nil
}

// Helper functions

func (i *Installer) terraformLatestVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.checkpointURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := i.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get current version: status %d", resp.StatusCode)
	}
	var body struct {
		CurrentVersion string `json:"current_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	v := strings.TrimPrefix(strings.TrimSpace(body.CurrentVersion), "v")
	if !semverRe.MatchString(v) {
		return "", fmt.Errorf("unexpected version %q", body.CurrentVersion)
	}
	return v, nil
}

func (i *Installer) downloadFile(ctx context.Context, url, destPath string) error {
	i.debugf("Downloading %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := i.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}

func (i *Installer) extractZip(ctx context.Context, zipPath, destDir string) error {
	cmd := exec.CommandContext(ctx, "unzip", "-qo", zipPath, "-d", destDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("unzip failed: %w, stderr: %s", err, stderr.String())
	}
	return nil
}

func (i *Installer) moveFile(ctx context.Context, src, dest string, useSudo bool) error {
	var cmd *exec.Cmd
	if useSudo {
		cmd = exec.CommandContext(ctx, "sudo", "mv", src, dest)
	} else {
		cmd = exec.CommandContext(ctx, "mv", src, dest)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("move failed: %w, stderr: %s", err, stderr.String())
	}
	return nil
}

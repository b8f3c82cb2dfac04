package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bgdnvk/stackcrew/internal/ai"
	"github.com/bgdnvk/stackcrew/internal/deploy"
	"github.com/bgdnvk/stackcrew/internal/job"
	"github.com/bgdnvk/stackcrew/internal/requirements"
)

const (
	maxUpload   = 4 << 20
	maxPEMBytes = 64 << 10
)

// ErrConfirmPlanOnly asks the user to acknowledge a run without apply.
var ErrConfirmPlanOnly = errors.New("Terraform apply is disabled. Confirm the plan-only run, or allow apply to create the infrastructure")

// Form is a submitted run request.
type Form struct {
	RequirementsJSON string
	OutputDir        string
	ProdURL          string
	Region           string
	DeployMethod     string
	AllowApply       bool
	ConfirmPlanOnly  bool
	KeyName          string
	SSHKeyPath       string
	AppDir           string
	EnvVars          map[string]string
	// PEM is the uploaded private key, if any.
	PEM []byte
}

// ValidHTTPURL reports whether s is an http(s) URL with a host. File paths
// typed into the URL field are rejected.
func ValidHTTPURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// NormalizeDeployMethod maps the accepted spellings onto ansible,
// ssh_script or ecs.
func NormalizeDeployMethod(s string) string {
	return string(deploy.ParseMethod(s))
}

// ParseEnvVars reads .env style KEY=value lines. Blank lines, comments and
// empty values are skipped so they cannot clear existing settings; one pair
// of surrounding quotes is removed.
func ParseEnvVars(text string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		if key == "" || val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

// envList renders vars as sorted KEY=value pairs.
func envList(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// parseForm reads a multipart or urlencoded run request.
func parseForm(r *http.Request) (*Form, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			return nil, fmt.Errorf("invalid form: %w", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form: %w", err)
	}

	f := &Form{
		RequirementsJSON: strings.TrimSpace(r.FormValue("requirements_json")),
		OutputDir:        strings.TrimSpace(r.FormValue("output_dir")),
		ProdURL:          strings.TrimSpace(r.FormValue("prod_url")),
		Region:           strings.TrimSpace(r.FormValue("aws_region")),
		DeployMethod:     NormalizeDeployMethod(r.FormValue("deploy_method")),
		AllowApply:       r.FormValue("allow_terraform_apply") != "",
		ConfirmPlanOnly:  r.FormValue("confirm_no_apply") != "",
		KeyName:          strings.TrimSpace(r.FormValue("key_name")),
		SSHKeyPath:       strings.TrimSpace(r.FormValue("ssh_key_path")),
		AppDir:           strings.TrimSpace(r.FormValue("app_dir")),
		EnvVars:          ParseEnvVars(r.FormValue("env_vars")),
	}

	if data, ok, err := formFile(r, "requirements_file", maxUpload); err != nil {
		return nil, err
	} else if ok {
		f.RequirementsJSON = strings.TrimSpace(string(data))
	}
	if data, ok, err := formFile(r, "pem_file", maxPEMBytes); err != nil {
		return nil, err
	} else if ok {
		f.PEM = data
	}
	return f, nil
}

func formFile(r *http.Request, name string, limit int64) ([]byte, bool, error) {
	if r.MultipartForm == nil {
		return nil, false, nil
	}
	file, _, err := r.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", name, err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, false, fmt.Errorf("%s is larger than %d bytes", name, limit)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// Validate checks the form and fills defaults. A production URL that is not
// an http(s) URL is dropped rather than rejected, and so is an app
// directory that looks like a URL.
func (f *Form) Validate(provider string) error {
	if f.RequirementsJSON == "" {
		return errors.New("provide a requirements.json file or paste JSON in the text box")
	}
	if !json.Valid([]byte(f.RequirementsJSON)) {
		return errors.New("requirements are not valid JSON")
	}
	if _, err := requirements.Parse([]byte(f.RequirementsJSON)); err != nil {
		return err
	}
	if !f.AllowApply && !f.ConfirmPlanOnly {
		return ErrConfirmPlanOnly
	}

	if f.ProdURL != "" && !ValidHTTPURL(f.ProdURL) {
		f.ProdURL = ""
	}
	if strings.HasPrefix(f.AppDir, "http://") || strings.HasPrefix(f.AppDir, "https://") {
		f.AppDir = ""
	}
	if f.AppDir != "" {
		if _, err := os.Stat(filepath.Join(f.AppDir, "Dockerfile")); err != nil {
			return errors.New("app directory must contain a Dockerfile for build")
		}
	}
	if f.Region == "" {
		f.Region = "us-east-1"
	}
	if f.DeployMethod == string(deploy.MethodSSH) && len(f.PEM) == 0 && f.SSHKeyPath != "" {
		if _, err := os.Stat(f.SSHKeyPath); err != nil {
			return fmt.Errorf("PEM key file not found: %s", f.SSHKeyPath)
		}
	}
	if f.DeployMethod != string(deploy.MethodSSH) {
		f.SSHKeyPath, f.PEM = "", nil
	}

	if !f.hasAPIKey(provider) {
		return fmt.Errorf("an API key for the %s provider is required: set it in the server environment or add it under environment variables", provider)
	}
	return nil
}

func (f *Form) hasAPIKey(provider string) bool {
	if ai.ResolveAPIKey(provider, "") != "" {
		return true
	}
	for _, name := range ai.KeyEnvVars(provider) {
		if f.EnvVars[name] != "" {
			return true
		}
	}
	return false
}

// Job converts the form into the job file the subprocess runs.
func (f *Form) Job(outputDir string) *job.Job {
	return &job.Job{
		Requirements:        json.RawMessage(f.RequirementsJSON),
		OutputDir:           outputDir,
		ProdURL:             f.ProdURL,
		AWSRegion:           f.Region,
		DeployMethod:        f.DeployMethod,
		AllowTerraformApply: f.AllowApply,
		KeyName:             f.KeyName,
		SSHKeyPath:          f.SSHKeyPath,
		AppDir:              f.AppDir,
	}
}

// Package generate renders a deployable project (Terraform roots, app,
// deploy bundle) from a requirements document.
package generate

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/bgdnvk/stackcrew/internal/requirements"
)

//go:embed templates
var templateFS embed.FS

// Go template delimiters would clash with Terraform interpolation and
// Ansible/Jinja expressions, so templates use [% %].
var templates = template.Must(parseTemplates())

func parseTemplates() (*template.Template, error) {
	root := template.New("").Delims("[%", "%]").Funcs(template.FuncMap{
		"hcl": strconv.Quote,
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	})
	err := fs.WalkDir(templateFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		src, err := templateFS.ReadFile(path)
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(path, "templates/")
		_, err = root.New(name).Parse(string(src))
		return err
	})
	return root, err
}

// skipCopy names entries never copied from a user app directory.
var skipCopy = map[string]bool{".git": true, "node_modules": true, ".env": true}

// Generator writes every component under OutDir.
type Generator struct {
	req            requirements.Requirements
	outDir         string
	platformSource string
	appSource      string
}

// Option configures a Generator.
type Option func(*Generator)

// WithPlatformSource copies the platform module's *.tf files from dir
// instead of rendering the minimal module.
func WithPlatformSource(dir string) Option {
	return func(g *Generator) { g.platformSource = dir }
}

// WithAppSource copies the application from dir instead of writing the
// default Node app. It overrides the requirements app_path.
func WithAppSource(dir string) Option {
	return func(g *Generator) { g.appSource = dir }
}

// New returns a generator for req with defaults applied.
func New(req requirements.Requirements, outDir string, opts ...Option) *Generator {
	g := &Generator{req: req.WithDefaults(), outDir: outDir}
	for _, opt := range opts {
		opt(g)
	}
	if g.appSource == "" {
		g.appSource = g.req.AppPath
	}
	return g
}

// OutDir returns the output root.
func (g *Generator) OutDir() string { return g.outDir }

// Requirements returns the requirements with defaults applied.
func (g *Generator) Requirements() requirements.Requirements { return g.req }

type tmplData struct {
	Project    string
	Region     string
	Env        string
	Prod       bool
	Spec       requirements.EnvSpec
	Container  string
	DomainName string
	OutputDir  string
	Summary    string
}

func (g *Generator) data(env string) tmplData {
	d := tmplData{
		Project:    g.req.Project,
		Region:     g.req.Region,
		Env:        env,
		Prod:       env == "prod",
		Container:  g.req.Project + "-app",
		DomainName: g.req.Dev.DomainName,
		OutputDir:  g.outDir,
	}
	if spec, err := g.req.Env(env); err == nil {
		d.Spec = spec
	}
	return d
}

// render executes the named template into rel under the output root.
func (g *Generator) render(name, rel string, data tmplData, mode os.FileMode) error {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	return g.write(rel, buf.Bytes(), mode)
}

func (g *Generator) write(rel string, content []byte, mode os.FileMode) error {
	path := filepath.Join(g.outDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, mode)
}

// Bootstrap writes infra/bootstrap: state bucket, lock table, CloudTrail
// bucket and the EC2 build runner.
func (g *Generator) Bootstrap() (string, error) {
	d := g.data("")
	for _, f := range []string{"variables.tf", "main.tf", "outputs.tf"} {
		if err := g.render("bootstrap/"+f+".tmpl", "infra/bootstrap/"+f, d, 0o644); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Bootstrap Terraform written to %s/infra/bootstrap (variables.tf, main.tf, outputs.tf)", g.outDir), nil
}

// Platform writes infra/modules/platform, copying the full module when a
// platform source is configured.
func (g *Generator) Platform() (string, error) {
	if g.platformSource != "" {
		if info, err := os.Stat(g.platformSource); err == nil && info.IsDir() {
			n, err := g.copyTerraform(g.platformSource, "infra/modules/platform")
			if err != nil {
				return "", err
			}
			if n > 0 {
				return fmt.Sprintf("Platform module copied from %s to %s/infra/modules/platform", g.platformSource, g.outDir), nil
			}
		}
	}
	d := g.data("")
	for _, f := range []string{"variables.tf", "main.tf", "outputs.tf"} {
		if err := g.render("platform/"+f+".tmpl", "infra/modules/platform/"+f, d, 0o644); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Platform module written to %s/infra/modules/platform (minimal; set platform_source to copy a full module)", g.outDir), nil
}

func (g *Generator) copyTerraform(src, rel string) (int, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tf") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return n, err
		}
		if err := g.write(rel+"/"+e.Name(), content, 0o644); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (g *Generator) envRoot(env string) error {
	d := g.data(env)
	dir := "infra/envs/" + env + "/"
	files := map[string]string{
		"env/main.tf.tmpl":      dir + "main.tf",
		"env/variables.tf.tmpl": dir + "variables.tf",
		"env/outputs.tf.tmpl":   dir + "outputs.tf",
		"env/backend.hcl.tmpl":  dir + "backend.hcl",
		"env/env.tfvars.tmpl":   dir + env + ".tfvars",
	}
	for name, rel := range files {
		if err := g.render(name, rel, d, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// DevEnv writes infra/envs/dev.
func (g *Generator) DevEnv() (string, error) {
	if err := g.envRoot("dev"); err != nil {
		return "", err
	}
	return fmt.Sprintf("Dev environment written to %s/infra/envs/dev", g.outDir), nil
}

// ProdEnv writes infra/envs/prod.
func (g *Generator) ProdEnv() (string, error) {
	if err := g.envRoot("prod"); err != nil {
		return "", err
	}
	return fmt.Sprintf("Prod environment written to %s/infra/envs/prod", g.outDir), nil
}

// App copies the configured application or writes the default Node app.
func (g *Generator) App() (string, error) {
	if g.appSource != "" {
		if info, err := os.Stat(g.appSource); err == nil && info.IsDir() {
			if err := copyTree(g.appSource, filepath.Join(g.outDir, "app")); err != nil {
				return "", fmt.Errorf("failed to copy app from %s: %w", g.appSource, err)
			}
			return fmt.Sprintf("App copied from %s to %s/app", g.appSource, g.outDir), nil
		}
	}
	d := g.data("")
	for _, f := range []string{"package.json", "server.js", "Dockerfile"} {
		if err := g.render("app/"+f+".tmpl", "app/"+f, d, 0o644); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("App written to %s/app (default: package.json, server.js, Dockerfile)", g.outDir), nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && skipCopy[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, content, info.Mode().Perm())
	})
}

// Deploy writes the CodeDeploy-style bundle and the Ansible playbook.
func (g *Generator) Deploy() (string, error) {
	d := g.data("")
	if err := g.render("deploy/appspec.yml.tmpl", "deploy/appspec.yml", d, 0o644); err != nil {
		return "", err
	}
	for _, s := range []string{"install.sh", "stop.sh", "start.sh", "validate.sh"} {
		if err := g.render("deploy/scripts/"+s+".tmpl", "deploy/scripts/"+s, d, 0o755); err != nil {
			return "", err
		}
	}
	if err := g.render("ansible/requirements.yml.tmpl", "ansible/requirements.yml", d, 0o644); err != nil {
		return "", err
	}
	for _, env := range []string{"dev", "prod"} {
		rel := fmt.Sprintf("ansible/inventory/ec2_%s.aws_ec2.yml", env)
		if err := g.render("ansible/inventory/aws_ec2.yml.tmpl", rel, g.data(env), 0o644); err != nil {
			return "", err
		}
	}
	if err := g.render("ansible/playbooks/deploy.yml.tmpl", "ansible/playbooks/deploy.yml", d, 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deploy written to %s/deploy and %s/ansible. Set DEPLOY_METHOD=ssh_script, ansible, or ecs (CodeDeploy not used).", g.outDir, g.outDir), nil
}

// Workflows is a no-op; CI workflows are not generated.
func (g *Generator) Workflows() (string, error) {
	return "GitHub Actions workflows skipped (disabled).", nil
}

// RunOrder writes RUN_ORDER.md with summary appended.
func (g *Generator) RunOrder(summary string) (string, error) {
	d := g.data("")
	d.Summary = strings.TrimSpace(summary)
	if err := g.render("RUN_ORDER.md.tmpl", "RUN_ORDER.md", d, 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("RUN_ORDER.md written to %s/RUN_ORDER.md", g.outDir), nil
}

// All runs every generator in pipeline order and joins their reports.
func (g *Generator) All() (string, error) {
	steps := []func() (string, error){
		g.Bootstrap, g.Platform, g.DevEnv, g.ProdEnv, g.App, g.Deploy, g.Workflows,
	}
	var out []string
	for _, step := range steps {
		msg, err := step()
		if err != nil {
			return strings.Join(out, "\n"), err
		}
		out = append(out, msg)
	}
	return strings.Join(out, "\n"), nil
}

package terraform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Envs is the fixed environment order the generated layout uses.
var Envs = []string{"dev", "prod"}

// BootstrapOutputs are the bootstrap values the env roots depend on.
type BootstrapOutputs struct {
	TFStateBucket    string
	TFLockTable      string
	CloudTrailBucket string
}

// ReadBootstrapOutputs reads and validates the bootstrap outputs from root/infra/bootstrap.
func ReadBootstrapOutputs(ctx context.Context, root string) (*BootstrapOutputs, error) {
	dir := filepath.Join(root, "infra", "bootstrap")
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("bootstrap %w: %s", ErrDirNotFound, dir)
	}
	c := NewClient(dir)

	read := func(name string) string {
		v, err := c.Output(ctx, name)
		if err != nil || !ValidOutputValue(v) {
			return ""
		}
		return v
	}

	out := &BootstrapOutputs{
		TFStateBucket:    read("tfstate_bucket"),
		TFLockTable:      read("tflock_table"),
		CloudTrailBucket: read("cloudtrail_bucket"),
	}
	if out.TFStateBucket == "" || out.TFLockTable == "" {
		return nil, fmt.Errorf("could not read tfstate_bucket or tflock_table from infra/bootstrap. Run terraform apply in infra/bootstrap first")
	}
	if out.CloudTrailBucket == "" {
		return nil, fmt.Errorf("could not read cloudtrail_bucket from infra/bootstrap. Run terraform apply in infra/bootstrap first")
	}
	return out, nil
}

// UpdateBackendFromBootstrap writes the bootstrap outputs into every env's
// backend.hcl and tfvars. It returns the outputs and the repo-relative files touched.
func UpdateBackendFromBootstrap(ctx context.Context, root string) (*BootstrapOutputs, []string, error) {
	outs, err := ReadBootstrapOutputs(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	updated, err := ApplyBootstrapOutputs(root, outs)
	return outs, updated, err
}

// ApplyBootstrapOutputs rewrites existing attributes in place; files that do
// not exist are skipped.
func ApplyBootstrapOutputs(root string, outs *BootstrapOutputs) ([]string, error) {
	var updated []string
	for _, env := range Envs {
		rel := filepath.ToSlash(filepath.Join("infra", "envs", env, "backend.hcl"))
		ok, err := setAttributes(filepath.Join(root, rel), map[string]string{
			"bucket":         outs.TFStateBucket,
			"dynamodb_table": outs.TFLockTable,
		})
		if err != nil {
			return updated, err
		}
		if ok {
			updated = append(updated, rel)
		}
	}
	for _, env := range Envs {
		rel := filepath.ToSlash(filepath.Join("infra", "envs", env, env+".tfvars"))
		ok, err := setAttributes(filepath.Join(root, rel), map[string]string{
			"cloudtrail_bucket": outs.CloudTrailBucket,
		})
		if err != nil {
			return updated, err
		}
		if ok {
			updated = append(updated, rel)
		}
	}
	return updated, nil
}

// setAttributes replaces the string value of attributes already present in
// an HCL file, keeping comments and layout. Missing files report false.
func setAttributes(path string, values map[string]string) (bool, error) {
	src, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	f, diags := hclwrite.ParseConfig(src, path, hcl.InitialPos)
	if diags.HasErrors() {
		return false, fmt.Errorf("failed to parse %s: %s", path, diags.Error())
	}
	body := f.Body()
	for name, v := range values {
		if body.GetAttribute(name) == nil {
			continue
		}
		body.SetAttributeValue(name, cty.StringVal(v))
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, f.Bytes(), info.Mode().Perm()); err != nil {
		return false, err
	}
	return true, nil
}

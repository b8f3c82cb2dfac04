package generate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// Validate parses every generated Terraform, HCL and YAML file under dir
// and returns all syntax errors joined. .terraform directories are skipped.
func Validate(dir string) error {
	parser := hclparse.NewParser()
	var errs []error
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".terraform", "node_modules", ".git":
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".tf", ".tfvars", ".hcl":
			if _, diags := parser.ParseHCLFile(path); diags.HasErrors() {
				errs = append(errs, fmt.Errorf("%s: %s", rel(dir, path), diags.Error()))
			}
		case ".yml", ".yaml":
			if err := validateYAML(path); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", rel(dir, path), err))
			}
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}
	return errors.Join(errs...)
}

func validateYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func rel(root, path string) string {
	if r, err := filepath.Rel(root, path); err == nil {
		return filepath.ToSlash(r)
	}
	return path
}

package terraform

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// IAMImport is the outcome of one terraform import.
type IAMImport struct {
	Address string
	ID      string
	Err     error
	Detail  string
}

// ImportPlatformIAM adopts the platform module's EC2 and CodeDeploy roles into
// state. Those roles only exist on the EC2 path, so an env with enable_ecs is
// skipped and reported through skipped=true.
func ImportPlatformIAM(ctx context.Context, c *Client, relPath, varFile string) (imports []IAMImport, skipped bool, err error) {
	vars := map[string]string{}
	if varFile != "" {
		vars, err = ParseTFVars(filepath.Join(c.Dir(), varFile))
		if err != nil {
			return nil, false, err
		}
	}

	project := vars["project"]
	if project == "" {
		project = "bluegreen"
	}
	env := vars["env"]
	if env == "" {
		env = "dev"
		if strings.Contains(relPath, "prod") {
			env = "prod"
		}
	}
	switch strings.ToLower(vars["enable_ecs"]) {
	case "true", "1", "yes":
		return nil, true, nil
	}

	targets := []IAMImport{
		{Address: "module.platform.aws_iam_role.ec2_role[0]", ID: fmt.Sprintf("%s-%s-ec2-role", project, env)},
		{Address: "module.platform.aws_iam_role.codedeploy_role[0]", ID: fmt.Sprintf("%s-%s-codedeploy-role", project, env)},
	}
	for _, t := range targets {
		res, runErr := c.Import(ctx, t.Address, t.ID)
		if IsNotFound(runErr) {
			return nil, false, runErr
		}
		t.Err = runErr
		if runErr != nil {
			t.Detail = strings.TrimSpace(res.Stderr)
			if t.Detail == "" {
				t.Detail = strings.TrimSpace(res.Stdout)
			}
			if t.Detail == "" {
				t.Detail = runErr.Error()
			}
		}
		imports = append(imports, t)
	}
	return imports, false, nil
}

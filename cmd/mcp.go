package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/generate"
	"github.com/bgdnvk/stackcrew/internal/mcpserver"
	"github.com/bgdnvk/stackcrew/internal/requirements"
	"github.com/bgdnvk/stackcrew/internal/tools"
)

// Version is reported to MCP clients.
var Version = "dev"

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the pipeline tools over MCP (stdio)",
	Long: `Expose every pipeline tool (generate_*, terraform_*, docker_build,
ecr_push_and_ssm, run_*_deploy, http_health_check, ...) as MCP tools on
stdin/stdout. Tool progress goes to stderr.

Generate tools need requirements: pass a file or set REQUIREMENTS_JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()
		s := sess.settings

		root, err := filepath.Abs(s.OutputDir)
		if err != nil {
			return err
		}
		s.OutputDir, s.RepoRoot = root, root

		var gen *generate.Generator
		path := requirementsPath(s, args)
		if req, err := requirements.Load(path); err == nil {
			if req.Project != "" {
				s.Project = req.Project
			}
			gen = generate.New(*req, root)
		} else if len(args) > 0 {
			return err
		} else {
			fmt.Fprintf(os.Stderr, "No requirements at %s: generate tools are disabled\n", path)
		}

		env := tools.NewEnv(s, gen, os.Stderr, sess.log, sess.metrics)
		reg := tools.All(env)
		sess.log.Info("mcp server starting", zap.Int("tools", len(reg.Names())), zap.String("repo_root", root))
		return mcpserver.Serve(cmd.Context(), mcpserver.New(reg, Version, sess.log), os.Stdin, os.Stdout, sess.log)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

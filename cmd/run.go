package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/generate"
	"github.com/bgdnvk/stackcrew/internal/job"
	"github.com/bgdnvk/stackcrew/internal/requirements"
)

var runCmd = &cobra.Command{
	Use:   "run [requirements.json]",
	Short: "Generate a project and take it through Infra, Build, Deploy and Verify",
	Long: `Run the five-stage crew: Generate writes Terraform, app and deploy files
into the output directory, then Infra, Build, Deploy and Verify ship it.

The requirements file defaults to REQUIREMENTS_JSON or ./requirements.json.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()
		s := sess.settings

		path := requirementsPath(s, args)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read requirements %s: %w", path, err)
		}
		keyName, _ := cmd.Flags().GetString("key-name")
		j := &job.Job{
			Requirements:        data,
			OutputDir:           s.OutputDir,
			ProdURL:             s.ProdURL,
			AWSRegion:           s.Region,
			DeployMethod:        s.DeployMethod,
			AllowTerraformApply: s.AllowApply,
			KeyName:             keyName,
			SSHKeyPath:          s.SSH.KeyPath,
			AppDir:              s.AppPath,
		}
		fmt.Printf("Requirements: %s\n", path)
		_, err = runner(sess).Run(cmd.Context(), j, s, os.Stdout)
		return err
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [requirements.json]",
	Short: "Write the project files without running any agent",
	Long: `Render bootstrap, platform, dev and prod Terraform, the app, deploy files and
RUN_ORDER.md into the output directory, then validate the result. No LLM and
no AWS calls are made.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()
		s := sess.settings

		req, err := requirements.Load(requirementsPath(s, args))
		if err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			return err
		}
		out, err := filepath.Abs(s.OutputDir)
		if err != nil {
			return err
		}
		var opts []generate.Option
		if s.PlatformSource != "" {
			opts = append(opts, generate.WithPlatformSource(s.PlatformSource))
		}
		if s.AppPath != "" {
			opts = append(opts, generate.WithAppSource(s.AppPath))
		}
		gen := generate.New(*req, out, opts...)

		summary, err := gen.All()
		for _, line := range strings.Split(summary, "\n") {
			if line != "" {
				fmt.Printf("[generate] %s\n", line)
			}
		}
		if err != nil {
			return err
		}
		if err := generate.Validate(out); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Println("[generate] validation passed")
		msg, err := gen.RunOrder(summary)
		if err != nil {
			return err
		}
		fmt.Printf("[generate] %s\n", msg)
		return nil
	},
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run Infra, Build, Deploy and Verify on a generated project",
	Args:  cobra.NoArgs,
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
		_, err = runner(sess).RunPipeline(cmd.Context(), s, os.Stdout)
		return err
	},
}

var jobCmd = &cobra.Command{
	Use:   "job <job.json>",
	Short: "Run the full pipeline from a job file",
	Long: `Run the five-stage crew from a job file. This is what the web UI starts for
each run; the file carries requirements, output_dir, prod_url, aws_region,
deploy_method, allow_terraform_apply, key_name, ssh_key_path and app_dir.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := job.Load(args[0])
		if err != nil {
			return err
		}
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()
		_, err = runner(sess).Run(cmd.Context(), j, sess.settings, os.Stdout)
		return err
	},
}

func runner(sess *session) *job.Runner {
	return &job.Runner{Log: sess.log, Metrics: sess.metrics, Verbose: sess.settings.Debug}
}

// requirementsPath picks the positional argument, then REQUIREMENTS_JSON,
// then ./requirements.json.
func requirementsPath(s *config.Settings, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if s.RequirementsPath != "" {
		return s.RequirementsPath
	}
	return "requirements.json"
}

func init() {
	rootCmd.AddCommand(runCmd, generateCmd, pipelineCmd, jobCmd)

	runCmd.Flags().String("key-name", "", "EC2 key pair for dev and prod when requirements leave it empty")
	for _, c := range []*cobra.Command{runCmd, pipelineCmd} {
		c.Flags().String("prod-url", "", "production URL the Verify stage health-checks (or set PROD_URL)")
		c.Flags().Bool("allow-apply", false, "let the Infra stage run terraform apply (or set ALLOW_TERRAFORM_APPLY to 1, true, yes or on)")
	}
	// Only the running command's flags are bound.
	for _, c := range []*cobra.Command{runCmd, pipelineCmd} {
		c.PreRun = func(cmd *cobra.Command, _ []string) {
			_ = viper.BindPFlag("prod_url", cmd.Flags().Lookup("prod-url"))
			_ = viper.BindPFlag("allow_terraform_apply", cmd.Flags().Lookup("allow-apply"))
		}
	}
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bgdnvk/stackcrew/internal/ai"
	"github.com/bgdnvk/stackcrew/internal/cli"
	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/deploy"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the CLI tools and keys a pipeline run needs",
	Long: `Check terraform, docker, the AWS CLI, ansible-playbook and ssh, and whether an
API key is set for the configured LLM provider. Which tools are required
depends on the deploy method. With --install, missing terraform and AWS CLI
can be installed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load()
		if err != nil {
			return err
		}
		method := deploy.ParseMethod(s.DeployMethod)
		checker := cli.NewDependencyChecker(s.Debug)
		deps := checker.CheckAll(string(method))

		fmt.Printf("Deploy method: %s\n", method)
		cli.PrintDependencyStatus(os.Stdout, deps)

		keyOK := ai.ResolveAPIKey(s.LLM.Provider, s.LLM.APIKey) != ""
		if keyOK {
			fmt.Printf("LLM: %s (key set)\n", s.LLM.Provider)
		} else {
			fmt.Printf("LLM: %s (no API key; set one of %v)\n", s.LLM.Provider, ai.KeyEnvVars(s.LLM.Provider))
		}
		if !s.AllowApply {
			fmt.Println("Terraform: plan only (set ALLOW_TERRAFORM_APPLY=1 to allow apply)")
		}

		missing := checker.CheckMissing(string(method))
		if install, _ := cmd.Flags().GetBool("install"); install && len(missing) > 0 {
			if err := installMissing(cmd, missing); err != nil {
				return err
			}
			missing = checker.CheckMissing(string(method))
		}

		if len(missing) > 0 || !keyOK {
			return fmt.Errorf("%d required tool(s) missing or outdated", len(missing)+boolToInt(!keyOK))
		}
		fmt.Println("All required tools are available.")
		return nil
	},
}

func installMissing(cmd *cobra.Command, missing []cli.DependencyStatus) error {
	var installable []cli.DependencyStatus
	for _, dep := range missing {
		if cli.CanInstall(dep.Name) {
			installable = append(installable, dep)
		}
	}
	if len(installable) == 0 {
		fmt.Println("None of the missing tools can be installed automatically.")
		return nil
	}
	ok, err := cli.PromptForInstall(os.Stdin, os.Stdout, installable)
	if err != nil || !ok {
		return err
	}

	debug, _ := cmd.Flags().GetBool("debug")
	installer := cli.NewInstaller(debug)
	opts := cli.DefaultInstallOptions()
	if noSudo, _ := cmd.Flags().GetBool("no-sudo"); noSudo {
		opts.Sudo = false
	}
	if dir, _ := cmd.Flags().GetString("install-path"); dir != "" {
		opts.InstallPath = dir
	}
	for _, dep := range installable {
		cli.PrintInstallationStart(os.Stdout, dep.Name)
		if err := installer.Install(cmd.Context(), dep.Name, opts); err != nil {
			cli.PrintInstallationError(os.Stdout, dep.Name, err)
			continue
		}
		cli.PrintInstallationSuccess(os.Stdout, dep.Name)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("install", false, "offer to install missing terraform and AWS CLI")
	doctorCmd.Flags().Bool("no-sudo", false, "install without sudo")
	doctorCmd.Flags().String("install-path", "", "where installed binaries go (default /usr/local/bin)")
}

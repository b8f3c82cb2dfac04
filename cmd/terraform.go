package cmd

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bgdnvk/stackcrew/internal/terraform"
)

var terraformCmd = &cobra.Command{
	Use:   "terraform",
	Short: "Inspect the Terraform roots of a generated project",
	Long:  `Read state and outputs of infra/bootstrap, infra/envs/dev and infra/envs/prod under the output directory.`,
}

// tfRoots maps the short root names to their directories.
var tfRoots = map[string]string{
	"bootstrap": "infra/bootstrap",
	"dev":       "infra/envs/dev",
	"prod":      "infra/envs/prod",
}

func tfRootDir(outputDir, name string) (string, error) {
	rel, ok := tfRoots[name]
	if !ok {
		return "", fmt.Errorf("unknown root %q (use bootstrap, dev or prod)", name)
	}
	return filepath.Join(outputDir, filepath.FromSlash(rel)), nil
}

var terraformStatusCmd = &cobra.Command{
	Use:   "status [bootstrap|dev|prod]",
	Short: "Summarize resources in state per root",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()

		names := []string{"bootstrap", "dev", "prod"}
		if len(args) == 1 {
			names = args
		}
		for _, name := range names {
			dir, err := tfRootDir(sess.settings.OutputDir, name)
			if err != nil {
				return err
			}
			fmt.Printf("[%s] %s\n", name, dir)
			if _, err := os.Stat(filepath.Join(dir, ".terraform")); err != nil {
				fmt.Println("  not initialized")
				continue
			}
			summary, err := terraform.NewClient(dir).StateSummary(cmd.Context())
			if err != nil {
				fmt.Printf("  Error: %v\n", err)
				continue
			}
			fmt.Print(indent(summary))
		}
		return nil
	},
}

var terraformOutputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Print one output, or all outputs, of a root",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()

		root, _ := cmd.Flags().GetString("root")
		dir, err := tfRootDir(sess.settings.OutputDir, root)
		if err != nil {
			return err
		}
		client := terraform.NewClient(dir)
		if len(args) == 1 {
			v, err := client.Output(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		}
		outs, err := client.Outputs(cmd.Context())
		if err != nil {
			return err
		}
		for _, k := range slices.Sorted(maps.Keys(outs)) {
			fmt.Printf("%s = %v\n", k, outs[k])
		}
		return nil
	},
}

func indent(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString("  " + line + "\n")
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(terraformCmd)
	terraformCmd.AddCommand(terraformStatusCmd, terraformOutputCmd)
	terraformOutputCmd.Flags().String("root", "bootstrap", "root to read: bootstrap, dev or prod")
}

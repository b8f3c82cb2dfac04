package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bgdnvk/stackcrew/internal/cli"
	"github.com/bgdnvk/stackcrew/internal/teardown"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Tear down prod, dev and bootstrap infrastructure of a generated project",
	Long: `Run terraform destroy in infra/envs/prod, infra/envs/dev and infra/bootstrap,
in that order. Backends are refreshed from the bootstrap outputs first, ECR
repositories are force-deleted and the state bucket is emptied so destroy
does not stop on non-empty resources.`,
	Args: cobra.NoArgs,
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

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			ok, err := cli.ConfirmDestroy(os.Stdin, os.Stdout, root, teardown.Plan())
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}

		var opts []teardown.Option
		if keepGoing, _ := cmd.Flags().GetBool("continue-on-error"); keepGoing {
			opts = append(opts, teardown.ContinueOnError())
		}
		if err := teardown.Destroy(cmd.Context(), s, os.Stdout, opts...); err != nil {
			return fmt.Errorf("destroy failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(destroyCmd)
	destroyCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	destroyCmd.Flags().Bool("continue-on-error", false, "keep destroying the remaining roots after a failure")
}

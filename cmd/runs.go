package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run history kept by the web UI",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs yet.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tPROJECT\tSTATUS\tEXIT\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.ID, r.Kind, r.Project, r.Status, r.ExitCode, r.CreatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a run's details and log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		r, err := st.Get(cmd.Context(), args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no run with id %s", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("Run:      %s (%s)\n", r.ID, r.Kind)
		fmt.Printf("Project:  %s\n", r.Project)
		fmt.Printf("Output:   %s\n", r.OutputDir)
		fmt.Printf("Region:   %s\n", r.Region)
		fmt.Printf("Deploy:   %s\n", r.DeployMethod)
		fmt.Printf("Status:   %s", r.Status)
		if r.Done() {
			fmt.Printf(" (exit %d)", r.ExitCode)
		}
		fmt.Println()
		fmt.Printf("Created:  %s\n", r.CreatedAt.Local().Format(time.DateTime))
		if r.FinishedAt != nil {
			fmt.Printf("Finished: %s (%s)\n", r.FinishedAt.Local().Format(time.DateTime), r.FinishedAt.Sub(r.CreatedAt).Round(time.Second))
		}
		if noLog, _ := cmd.Flags().GetBool("no-log"); !noLog {
			fmt.Println("---")
			fmt.Print(r.Log)
		}
		return nil
	},
}

func openStore() (*store.Store, error) {
	s, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.Open(s.StatePath)
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	runsListCmd.Flags().Int("limit", 20, "how many runs to list")
	runsShowCmd.Flags().Bool("no-log", false, "omit the run log")
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/store"
	"github.com/bgdnvk/stackcrew/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web UI",
	Long: `Serve a form that starts pipeline runs. Each run executes "stackcrew job"
as a subprocess; its output is stored in the run history database and shown
live in the browser. Prometheus metrics are served on /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()
		s := sess.settings

		workRoot := s.WorkRoot
		if workRoot == "" {
			workRoot = filepath.Join(os.TempDir(), "stackcrew-runs")
		}
		st, err := store.Open(s.StatePath)
		if err != nil {
			return err
		}
		defer st.Close()

		srv, err := web.NewServer(web.Config{
			WorkRoot:      workRoot,
			Provider:      s.LLM.Provider,
			DefaultRegion: s.Region,
		}, st, sess.log, sess.metrics)
		if err != nil {
			return err
		}

		addr := viper.GetString("serve.addr")
		fmt.Printf("stackcrew UI on http://%s (work root %s, history %s)\n", displayAddr(addr), workRoot, s.StatePath)
		sess.log.Info("serve", zap.String("addr", addr))
		return srv.ListenAndServe(cmd.Context(), addr)
	},
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "127.0.0.1:7860", "listen address")
	serveCmd.Flags().String("work-root", "", "directory holding run files and outputs (default: $TMPDIR/stackcrew-runs)")
	serveCmd.Flags().String("db", "", "run history database (default: ~/.stackcrew/runs.db)")
	_ = viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("serve.work_root", serveCmd.Flags().Lookup("work-root"))
	_ = viper.BindPFlag("store.path", serveCmd.Flags().Lookup("db"))
}

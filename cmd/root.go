package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/logging"
	"github.com/bgdnvk/stackcrew/internal/metrics"
)

var (
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stackcrew",
	Short: "Agent crew that generates and ships AWS blue/green stacks",
	Long: `stackcrew turns a requirements.json into a Terraform, Docker and deploy
project, then drives it through Infra, Build, Deploy and Verify with a crew
of LLM agents. Terraform apply stays off unless ALLOW_TERRAFORM_APPLY is 1, true, yes or on.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// SIGINT and SIGTERM cancel the running command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stackcrew.yaml)")
	pf.StringVar(&envFile, "env-file", ".env", "KEY=value file merged into the environment (existing variables win)")
	pf.Bool("debug", false, "enable debug output (shows progress + internal diagnostics)")
	pf.StringP("output-dir", "o", "", "generated project directory (or set OUTPUT_DIR)")
	pf.String("region", "", "AWS region (or set AWS_REGION)")
	pf.String("profile", "", "AWS profile (or set AWS_PROFILE)")
	pf.String("deploy-method", "", "ansible, ssh_script or ecs (or set DEPLOY_METHOD)")
	pf.String("provider", "", "LLM provider: openai, anthropic or gemini (or set LLM_PROVIDER)")
	pf.String("model", "", "LLM model (or set LLM_MODEL)")

	_ = viper.BindPFlag("debug", pf.Lookup("debug"))
	_ = viper.BindPFlag("output_dir", pf.Lookup("output-dir"))
	_ = viper.BindPFlag("aws.region", pf.Lookup("region"))
	_ = viper.BindPFlag("aws.profile", pf.Lookup("profile"))
	_ = viper.BindPFlag("deploy_method", pf.Lookup("deploy-method"))
	_ = viper.BindPFlag("llm.provider", pf.Lookup("provider"))
	_ = viper.BindPFlag("llm.model", pf.Lookup("model"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if envFile != "" {
		if applied, err := config.LoadDotEnv(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else if len(applied) > 0 && viper.GetBool("debug") {
			fmt.Fprintf(os.Stderr, "Loaded %d variables from %s\n", len(applied), envFile)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".stackcrew")
	}

	viper.AutomaticEnv()
	config.SetDefaults()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("debug") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// session is what most commands start from.
type session struct {
	settings *config.Settings
	log      *zap.Logger
	metrics  *metrics.Recorder
}

func newSession() (*session, error) {
	s, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(s.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return &session{settings: s, log: log, metrics: metrics.Default()}, nil
}

func (s *session) close() {
	_ = s.log.Sync()
}

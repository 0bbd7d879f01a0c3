package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coralogyx/loom/pkg/config"
	"github.com/coralogyx/loom/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Streaming client core for agent conversations",
	Long: `loom maintains live, resumable connections to agent runs and turns the
raw event feed into a structured conversation. The CLI runs a headless
one-shot turn against a thread; the same engine backs the desktop client.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := viper.GetString("prompt")
		if prompt == "" {
			return cmd.Help()
		}
		return runHeadless(cmd.Context(), prompt, viper.GetString("thread"))
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./.loom/settings.yaml)")
	rootCmd.Flags().StringP("prompt", "p", "", "prompt to send headlessly")
	rootCmd.Flags().StringP("thread", "t", "", "thread id to continue (empty starts a new thread)")

	_ = viper.BindPFlag("prompt", rootCmd.Flags().Lookup("prompt"))
	_ = viper.BindPFlag("thread", rootCmd.Flags().Lookup("thread"))
}

func initConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile, cfg.Logging.Preserve); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

// ============================================================================
// Root command
// ============================================================================

var (
	flagConfigPath string
	flagLogLevel   string
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "adminchat",
	Short: "Operator chat console",
	Long: "Command-line console for answering end-users from one pane.\n" +
		"Reads conversations from the chat API (or an imported CSV snapshot), " +
		"keeps them in sync and sends operator replies.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Config file (default ~/.adminchat/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Human-readable development logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

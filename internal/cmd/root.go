// Package cmd is Checkpoint's cobra command tree, following
// audit-scanner/cmd's NewRootCommand()/Execute() split: a persistent
// --loglevel flag shared by every subcommand, plus one subcommand per
// entry point (serve, load-rules).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devsisters/checkpoint/internal/logging"
)

// logLevel is bound directly to a package global, matching how the
// teacher's own root command binds its --loglevel flag (the one flag it
// doesn't thread back out through cmd.Flags() inside RunE).
var logLevel string

var rootCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Checkpoint evaluates Kubernetes admission and audit policies written as small scripts",
	Long: `Checkpoint lets operators express admission-control and periodic-audit
policies as small scripts in an embedded dynamic language, instead of
standing up bespoke HTTPS admission-webhook services.`,
}

// Execute runs the root command. Called once from cmd/checkpoint/main.go.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "loglevel", "l", logging.LevelInfoString,
		fmt.Sprintf("level of the logs. Supported values are: %v", logging.SupportedLevels()))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadRulesCmd)
}

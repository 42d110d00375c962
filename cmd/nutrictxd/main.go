// Nutrictxd is the personalized nutrition context daemon.
//
// It serves the context API over HTTP, consumes entity change events, and
// keeps each user's vector index fresh. The same binary carries one-shot
// maintenance commands and a small client for a running daemon.
//
// Usage:
//
//	# Start the daemon with ~/.config/nutrictx/config.yaml
//	nutrictxd serve
//
//	# Rebuild one user's vectors without a running daemon
//	nutrictxd vectorize --user u1 --types food_log,meal_plan
//
//	# Ask a running daemon for context
//	nutrictxd query --user u1 "what did I eat for breakfast"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// serverURL is the base URL of a running daemon.
	serverURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nutrictxd",
	Short: "Personalized nutrition context daemon",
	Long: `nutrictxd indexes a user's food logs, meal plans, favorites, summaries and
assistant replies, and answers free-text questions with a ranked context summary.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/nutrictx/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8087", "nutrictxd server URL for client commands")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(vectorizeCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "nutrictxd by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}

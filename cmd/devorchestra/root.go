package main

import (
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "devorchestra",
	Short: "Multi-agent development orchestrator",
	Long: `DevOrchestra turns a user story into generated frontend, backend,
database, and test artifacts by coordinating specialized agents over a
dependency graph.

Run 'devorchestra serve' to start the orchestrator, then submit stories
with 'devorchestra submit' or over the HTTP API.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Orchestrator server URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "careflow",
		Short: "careflow - trigger-driven clinical workflow engine",
		Long: `careflow runs clinical workflows in response to triggers.

Named events arrive as webhooks, periodic triggers fire on a schedule and
data-changed triggers follow resource notifications over HTTP or NATS. Each
trigger starts a plan whose activities are HTTP calls; every task state
change is recorded as a provenance record in the document store.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPlansCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newTriggerCommand())

	return rootCmd
}

// printJSON writes v indented.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/stores"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Manage stored event definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active event definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(_ *stores.SQLiteStore, registry *engine.TriggerRegistry) error {
				defs, err := registry.LoadEventDefinitions(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), defs)
				}

				rows := make([][]string, 0, len(defs))
				for _, d := range defs {
					rows = append(rows, []string{
						d.Name,
						describeTriggers(d.Triggers),
						d.PlanCanonical,
						d.OwnerTaskID,
						d.LastUpdated.Format("2006-01-02 15:04:05"),
					})
				}
				return renderTable(cmd.OutOrStdout(), []string{"NAME", "TRIGGERS", "PLAN", "OWNER", "UPDATED"}, rows)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete duplicate event definitions",
		Long: `Delete every active event definition that shares a name with a more
recently modified one. Running it twice removes nothing the second time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(_ *stores.SQLiteStore, registry *engine.TriggerRegistry) error {
				removed, err := registry.CleanupDuplicateEvents(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d duplicate event definitions\n", removed)
				return err
			})
		},
	})

	return cmd
}

// withRegistry opens the store and runs fn with a registry over it.
func withRegistry(ctx context.Context, fn func(*stores.SQLiteStore, *engine.TriggerRegistry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(store, engine.NewTriggerRegistry(store, log.Logger, nil))
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/careflow/careflow/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert document store migrations",
		Example: `  # Apply pending migrations
  careflow migrate

  # Revert every migration
  careflow migrate --down`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(cfg.Store)
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()

			if down {
				err = store.MigrateDown(cmd.Context())
			} else {
				err = store.Migrate(cmd.Context())
			}
			if err != nil {
				return err
			}

			version, dirty, err := store.SchemaVersion()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"path":    cfg.Store.Path,
					"version": version,
					"dirty":   dirty,
				})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (dirty=%v)\n", cfg.Store.Path, version, dirty)
			return err
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "revert every applied migration")

	return cmd
}

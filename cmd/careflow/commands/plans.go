package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/careflow/careflow/pkg/engine"
)

func newPlansCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Inspect plan and activity definitions",
		Long: `Inspect the plan directory.

Plans and activities are read from .yaml, .yml, .json and .cue files. The
directory defaults to plans.dir from the config file.`,
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "plan directory (overrides plans.dir)")

	planDir := func() (string, error) {
		if dir != "" {
			return dir, nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		return cfg.Plans.Dir, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List plans with their triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := planDir()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(d, log.Logger)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"plans":      catalog.Plans(),
					"activities": catalog.Activities(),
				})
			}

			rows := make([][]string, 0, len(catalog.Plans()))
			for _, p := range catalog.Plans() {
				rows = append(rows, []string{p.Name, string(p.Type), p.Status, p.URL, describeTriggers(p.Triggers)})
			}
			return renderTable(cmd.OutOrStdout(), []string{"NAME", "TYPE", "STATUS", "URL", "TRIGGERS"}, rows)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load every plan and check the plan hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := planDir()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(d, log.Logger)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d plans and %d activities are valid\n",
				len(catalog.Plans()), len(catalog.Activities()))
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "graph",
		Short:   "Print the plan hierarchy in Graphviz DOT format",
		Example: `  careflow plans graph | dot -Tsvg > plans.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := planDir()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(d, log.Logger)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), catalog.ToDOT())
			return err
		},
	})

	return cmd
}

func describeTriggers(specs []engine.TriggerSpec) string {
	parts := make([]string, 0, len(specs))
	for _, s := range specs {
		switch s.Type {
		case engine.TriggerKindPeriodic:
			parts = append(parts, fmt.Sprintf("every %s", s.Every))
		case engine.TriggerKindDataChanged:
			parts = append(parts, fmt.Sprintf("%s %s", s.Resource, strings.Join(s.Actions, "|")))
		default:
			parts = append(parts, s.Name)
		}
	}
	return strings.Join(parts, ", ")
}

package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/stores"
)

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage stored tasks",
	}

	cmd.AddCommand(newTasksHistoryCommand())
	cmd.AddCommand(newTasksDeleteCommand())
	cmd.AddCommand(newTasksRecoverCommand())

	return cmd
}

func newTaskManager(store *stores.SQLiteStore, registry *engine.TriggerRegistry) *engine.TaskManager {
	tasks := engine.NewTaskManager(store, log.Logger)
	tasks.SetEventUnregistrar(registry)
	return tasks
}

func newTasksHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show a task with its provenance records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(store *stores.SQLiteStore, registry *engine.TriggerRegistry) error {
				history, err := newTaskManager(store, registry).RecoverTaskState(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), history)
				}

				t := history.Task
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Task %s (%s)\n", t.ID, t.Name)
				fmt.Fprintf(out, "  status: %s", t.Status)
				if !history.Consistent {
					fmt.Fprintf(out, " (provenance says %s)", history.RecoveredStatus)
				}
				fmt.Fprintln(out)
				if t.PartOf != "" {
					fmt.Fprintf(out, "  part of: %s\n", t.PartOf)
				}

				rows := make([][]string, 0, len(history.Records))
				for _, r := range history.Records {
					details := ""
					if len(r.Details) > 0 {
						b, _ := json.Marshal(r.Details)
						details = string(b)
					}
					rows = append(rows, []string{
						r.Recorded.Format("2006-01-02 15:04:05.000"),
						r.Activity,
						details,
					})
				}
				return renderTable(out, []string{"RECORDED", "ACTIVITY", "DETAILS"}, rows)
			})
		},
	}
}

func newTasksDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <root-task-id>",
		Short: "Delete a task tree and its provenance",
		Long: `Delete a root task, every descendant and their provenance records. Event
definitions owned by tasks in the tree are unregistered.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(store *stores.SQLiteStore, registry *engine.TriggerRegistry) error {
				if _, err := registry.LoadEventDefinitions(cmd.Context()); err != nil {
					return err
				}
				ids, err := newTaskManager(store, registry).DeleteTaskTree(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string][]string{"deleted": ids})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d tasks: %s\n", len(ids), strings.Join(ids, ", "))
				return err
			})
		},
	}
}

func newTasksRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reconcile stored task status with provenance",
		Long: `Scan non-terminal tasks, reset any whose stored status disagrees with
their provenance records and report tasks left in progress by a process
that did not shut down cleanly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(store *stores.SQLiteStore, registry *engine.TriggerRegistry) error {
				report, err := newTaskManager(store, registry).RecoverAll(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), report)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(),
					"Scanned %d tasks: %d repaired, %d interrupted, %d paused\n",
					report.Scanned, len(report.Repaired), len(report.Interrupted), len(report.Paused))
				return err
			})
		},
	}
}

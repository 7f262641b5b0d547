package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/careflow/careflow/pkg/engine"
)

func newTriggerCommand() *cobra.Command {
	var (
		payload     string
		payloadFile string
	)

	cmd := &cobra.Command{
		Use:   "trigger <name>",
		Short: "Run a named-event workflow once",
		Long: `Run the workflow registered for a named event in this process, exactly
as a webhook request for the same path would, and print the root task.`,
		Example: `  # Trigger with an inline payload
  careflow trigger admission --payload '{"patientId":"p-1"}'

  # Trigger with a payload file
  careflow trigger lab/results --payload-file result.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload, payloadFile)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.prepareRegistry(ctx); err != nil {
				return err
			}
			if err := a.loadPolicies(ctx, false); err != nil {
				return err
			}

			task, runErr := a.manager.HandleIncoming(ctx, args[0], body)
			if task != nil {
				if err := printTask(cmd, task); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "file holding the JSON payload")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func readPayload(inline, file string) (interface{}, error) {
	data := []byte(inline)
	if file != "" {
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var body interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return body, nil
}

func printTask(cmd *cobra.Command, task *engine.Task) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), task)
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Task %s (%s): %s\n", task.ID, task.Name, task.Status)
	return err
}

package commands

import (
	"github.com/spf13/cobra"
)

// NewExecCommand creates the exec command.
func NewExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <query-file>",
		Short: "Run a query directly, bypassing the queue",
		Long: `Run one query through the pipeline and print the execution log and
composed layers. Nothing is written to the queue table; project sources
still read records from the state database.

Output adapts to environment:
  - Terminal: tables
  - Piped/Scripted: the execution result as JSON

Use --output to override: auto, table, json`,
		Example: `  # Run a query and show the steps
  geoquery exec schools.yaml

  # Pipe the composed view elsewhere
  geoquery exec schools.yaml -o json | jq '.result.layers[].name'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, args[0])
		},
	}

	return cmd
}

func runExec(cmd *cobra.Command, path string) error {
	_, q, err := readQueryFile(path)
	if err != nil {
		return err
	}

	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	mode, err := effectiveMode(cmdCtx.Cfg.OutputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	pipeline, err := cmdCtx.NewPipeline()
	if err != nil {
		return err
	}

	result, execErr := pipeline.Consumer.ExecuteQuery(cmd.Context(), q)
	if result != nil {
		if mode == OutputJSON {
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		} else {
			renderResult(cmd.OutOrStdout(), result)
		}
	}
	return execErr
}

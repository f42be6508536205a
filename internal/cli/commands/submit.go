package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/geoquery/pkg/core"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewSubmitCommand creates the submit command.
func NewSubmitCommand() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "submit <query-file>...",
		Short: "Queue queries for the consumer",
		Long: `Insert one pending job per query file into the queue table.

Query files may be JSON or YAML. Each query is validated before it is
inserted, so a malformed file never reaches the table. A running
"geoquery serve" picks the jobs up.`,
		Example: `  # Queue a query
  geoquery submit schools.yaml

  # Queue with an explicit job id
  geoquery submit --id schools-1 schools.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id != "" && len(args) > 1 {
				return errors.New("--id can only be used with a single query file")
			}
			return runSubmit(cmd, args, id)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Job id (generated when empty)")

	return cmd
}

func runSubmit(cmd *cobra.Command, files []string, id string) error {
	queries := make([]json.RawMessage, 0, len(files))
	for _, path := range files {
		raw, _, err := readQueryFile(path)
		if err != nil {
			return err
		}
		queries = append(queries, raw)
	}

	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	for i, raw := range queries {
		job, err := cmdCtx.Store.CreateJob(cmd.Context(), id, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", files[i], err)
		}
		cmdCtx.Logger.Debug("job submitted", "job_id", job.ID, "file", files[i])
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), job.ID)
	}
	return nil
}

// readQueryFile reads a JSON or YAML query, validates it and returns both
// its JSON form and the parsed query.
func readQueryFile(path string) (json.RawMessage, *core.StructuredQuery, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied path
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read query file: %w", err)
	}

	raw := json.RawMessage(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err = yamlToJSON(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	q, err := core.ParseQuery(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return raw, q, nil
}

func yamlToJSON(data []byte) (json.RawMessage, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &core.MalformedQueryError{Reason: "invalid YAML", Err: err}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, &core.MalformedQueryError{Reason: "query cannot be represented as JSON", Err: err}
	}
	return out, nil
}

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/leapstack-labs/geoquery/pkg/core"
	"golang.org/x/term"
)

// Output modes accepted by --output.
const (
	OutputAuto  = "auto"
	OutputTable = "table"
	OutputJSON  = "json"
)

// OutputModes lists the accepted --output values.
var OutputModes = []string{OutputAuto, OutputTable, OutputJSON}

// effectiveMode resolves "auto": tables for a terminal, JSON otherwise.
func effectiveMode(mode string, w io.Writer) (string, error) {
	switch mode {
	case OutputTable, OutputJSON:
		return mode, nil
	case OutputAuto, "":
		if isTerminal(w) {
			return OutputTable, nil
		}
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (want %s)", mode, strings.Join(OutputModes, ", "))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderJobs(w io.Writer, jobs []core.QueryJob) {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "(0 jobs)")
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Status", "Created", "Executed", "Error"})
	for _, job := range jobs {
		executed := "-"
		if job.ExecutedAt != nil {
			executed = job.ExecutedAt.Local().Format(time.DateTime)
		}
		t.AppendRow(table.Row{
			job.ID,
			job.Status,
			job.CreatedAt.Local().Format(time.DateTime),
			executed,
			truncate(job.ErrorMessage, 60),
		})
	}
	t.Render()
}

func renderResult(w io.Writer, result *core.ExecutionResult) {
	t := newTable(w)
	t.SetTitle("Execution " + result.ExecutionID)
	t.AppendHeader(table.Row{"#", "Step", "Message"})
	for i, step := range result.Steps {
		t.AppendRow(table.Row{i + 1, step.Type, step.Message})
	}
	t.Render()

	if result.Result == nil {
		return
	}
	layers := newTable(w)
	layers.AppendHeader(table.Row{"Layer", "Title", "Type", "Features"})
	for _, l := range result.Result.Layers {
		layers.AppendRow(table.Row{l.Name, l.Title, l.Type, len(l.Features)})
	}
	layers.AppendFooter(table.Row{"", "", "zoom", result.Result.Zoom})
	layers.Render()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

package commands

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/leapstack-labs/geoquery/internal/config"
	"github.com/leapstack-labs/geoquery/internal/treatment"
	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command. The full form also lists
// the source kinds and built-in treatments compiled into the binary.
func NewVersionCommand(version string) *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display the geoquery version together with the Go runtime, the supported
source kinds and the built-in treatments.`,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			if short {
				_, _ = fmt.Fprintln(out, version)
				return
			}
			_, _ = fmt.Fprintf(out, "geoquery v%s (%s)\n", version, runtime.Version())
			_, _ = fmt.Fprintf(out, "Source kinds:        %s\n", strings.Join(config.SourceKinds, ", "))
			_, _ = fmt.Fprintf(out, "Built-in treatments: %s\n", strings.Join(treatment.NewDefaultRegistry().IDs(), ", "))
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}

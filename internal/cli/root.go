// Package cli provides the command-line interface for geoquery.
package cli

import (
	"fmt"
	"os"

	"github.com/leapstack-labs/geoquery/internal/cli/commands"
	cliconfig "github.com/leapstack-labs/geoquery/internal/cli/config"
	"github.com/leapstack-labs/geoquery/internal/config"
	"github.com/spf13/cobra"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "geoquery",
		Short: "geoquery - geospatial query pipeline",
		Long: `geoquery runs structured geospatial queries: it fetches zone, reference
and target layers from configured sources, applies treatments and spatial
filters, and composes a map view into a reactive state store.

Queries arrive through a job queue table in the state database, over HTTP,
or directly from the command line.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Skip config loading for help and completion commands
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "version" {
				return nil
			}

			loaded, err := config.LoadWithSource(config.LoadOptions{
				File:  cfgFile,
				Flags: cmd.Flags(),
			})
			if err != nil {
				return err
			}
			cfg := loaded.Config

			logger := cliconfig.NewLogger(cmd.ErrOrStderr(), cfg.Verbose)
			ctx := cliconfig.WithConfig(cmd.Context(), cfg, loaded.File)
			ctx = cliconfig.WithLogger(ctx, logger)
			cmd.SetContext(ctx)

			if loaded.File != "" {
				logger.Debug("using config file", "file", loaded.File)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(`{{.Name}} {{.Version}}
commit %s, built %s
`, GitCommit, BuildDate))

	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./geoquery.yaml)")
	rootCmd.PersistentFlags().String("state", "", "Path to state database")
	rootCmd.PersistentFlags().String("scripts-dir", "", "Path to treatment scripts directory")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format (auto|table|json)")

	// Register completion for output flag
	_ = rootCmd.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return commands.OutputModes, cobra.ShellCompDirectiveNoFileComp
	})

	// Add subcommands
	rootCmd.AddCommand(commands.NewVersionCommand(Version))
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewSubmitCommand())
	rootCmd.AddCommand(commands.NewExecCommand())
	rootCmd.AddCommand(commands.NewJobsCommand())
	rootCmd.AddCommand(NewCompletionCommand())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// NewCompletionCommand creates the completion command.
func NewCompletionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for geoquery.

To load completions:

Bash:
  $ source <(geoquery completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ geoquery completion bash > /etc/bash_completion.d/geoquery
  # macOS:
  $ geoquery completion bash > $(brew --prefix)/etc/bash_completion.d/geoquery

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ geoquery completion zsh > "${fpath[1]}/_geoquery"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ geoquery completion fish | source

  # To load completions for each session, execute once:
  $ geoquery completion fish > ~/.config/fish/completions/geoquery.fish

PowerShell:
  PS> geoquery completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> geoquery completion powershell > geoquery.ps1
  # and source this file from your PowerShell profile.
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
			case "zsh":
				return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
			case "fish":
				return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
			}
			return nil
		},
	}
	return cmd
}

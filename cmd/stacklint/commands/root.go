package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stacklint",
		Short: "Stacklint - Declarative Infrastructure Compliance Engine",
		Long: `Stacklint evaluates compliance rules against declarative infrastructure
templates without deploying anything.

Features:
  - YAML/JSON template parsing with intrinsic expressions
  - Dependency-ordered rule evaluation
  - Deterministic, attributable findings
  - Parameter bindings per environment
  - Custom rules via Rego and Starlark
  - Findings history across runs`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

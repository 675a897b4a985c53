package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stacklint/stacklint/pkg/graph"
	"github.com/stacklint/stacklint/pkg/template"
)

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate <template>",
		Short: "Parse a template without evaluating rules",
		Long: `Parse and structurally validate a template.

This command checks:
  - YAML/JSON syntax and duplicate keys
  - Section and declaration shapes
  - Intrinsic expression arity
  - Reference cycles and dangling references`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}

			parser := template.NewParser(template.WithStrict(strict))
			tpl, err := parser.Parse(data)
			if err != nil {
				var parseErr *template.ParseError
				if errors.As(err, &parseErr) {
					for _, issue := range parseErr.Issues {
						fmt.Fprintf(os.Stderr, "%s: %s\n", issue.Path, issue.Message)
					}
				}
				return fmt.Errorf("%s is not a valid template", path)
			}

			// Pseudo references (namespaced names) are bound at check time,
			// not declared in the template.
			g := graph.Build(tpl, graph.Options{
				KnownExternal: func(name string) bool {
					return strings.Contains(name, "::")
				},
			})
			ok := true
			for name, cycle := range g.Cycles {
				fmt.Fprintf(os.Stderr, "%s: reference cycle %s\n", name, graph.FormatCycle(cycle))
				ok = false
			}
			for name, missing := range g.Dangling {
				for _, target := range missing {
					fmt.Fprintf(os.Stderr, "%s: references undeclared name %q\n", name, target)
				}
				ok = false
			}
			if !ok {
				return fmt.Errorf("%s has structural problems", path)
			}

			log.Info().
				Str("template", path).
				Int("parameters", len(tpl.Parameters)).
				Int("conditions", len(tpl.Conditions)).
				Int("resources", len(tpl.Resources)).
				Int("outputs", len(tpl.Outputs)).
				Msg("Template is valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "reject templates with unknown sections or properties")

	return cmd
}

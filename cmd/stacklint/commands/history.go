package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklint/stacklint/pkg/report"
	"github.com/stacklint/stacklint/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored evaluation runs",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "stacklint.db", "SQLite database path")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), 50, 0)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tTEMPLATE\tFINDINGS\tWHEN")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
					run.ID, run.TemplatePath, run.FindingCount,
					run.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			rep, err := store.GetReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return rep.Render(os.Stdout, report.FormatText)
		},
	}

	cmd.AddCommand(list)
	cmd.AddCommand(show)
	return cmd
}

func openHistory(cmd *cobra.Command, path string) (*stores.HistoryStore, error) {
	store, err := stores.NewHistoryStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Open(cmd.Context()); err != nil {
		return nil, err
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

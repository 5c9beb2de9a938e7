package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/persistence"
	"github.com/aristath/stocketl/internal/tui"
)

func (c *CLI) newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded pipeline runs",
		Long:  "List recent runs, or show the tasks and checks of one run.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.History.Path == "" {
				return errkind.Configurationf("run history is disabled (history.path is empty)")
			}
			store, err := persistence.NewSQLiteStore(cmd.Context(), c.cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprint(c.stdout, tui.RenderHistory(runs))
				return nil
			}

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tasks, err := store.ListTasks(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			checks, err := store.ListChecks(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			fmt.Fprint(c.stdout, tui.RenderRunDetail(*run, tasks, checks))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	return cmd
}

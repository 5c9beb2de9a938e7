package commands

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/stocketl/internal/pipeline"
	"github.com/aristath/stocketl/internal/tui"
)

func (c *CLI) newRunCmd() *cobra.Command {
	var (
		stages  []string
		withTUI bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: "Run the extract, transform and load stages in order. With --stage only the\n" +
			"named stages run, still in pipeline order.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var rep *pipeline.RunReport
			if withTUI {
				rep, err = c.runWithTUI(cmd.Context(), a, stages)
			} else {
				rep, err = a.orch.RunStages(cmd.Context(), stages...)
			}
			if cmd.Context().Err() != nil {
				a.shutdown()
			}
			a.writeMetrics()

			if rep != nil {
				fmt.Fprint(c.stdout, tui.RenderReport(rep))
			}
			return err
		},
	}
	cmd.Flags().StringSliceVarP(&stages, "stage", "s", nil, "Stages to run: extract, transform, load (default all)")
	cmd.Flags().BoolVar(&withTUI, "tui", false, "Show live progress in a terminal UI")
	return cmd
}

type runResult struct {
	rep *pipeline.RunReport
	err error
}

// runWithTUI runs the pipeline while the progress view follows its events.
// Quitting the view cancels the run.
func (c *CLI) runWithTUI(ctx context.Context, a *app, stages []string) (*pipeline.RunReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before the run starts so no event is missed
	model := tui.New(a.bus, tui.Options{Stages: pipeline.Stages})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	done := make(chan runResult, 1)
	go func() {
		rep, err := a.orch.RunStages(ctx, stages...)
		done <- runResult{rep, err}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		c.logger.Warn("progress view exited", "error", err)
	}
	cancel()

	res := <-done
	return res.rep, res.err
}

package commands

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/pipeline"
)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func (c *CLI) newScheduleCmd() *cobra.Command {
	var (
		spec   string
		runNow bool
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on a cron schedule",
		Long: "Run the full pipeline on a cron schedule until interrupted. A run that is\n" +
			"still in progress when the next one is due causes that one to be skipped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := newScheduler(cmd.Context(), a, spec, c.logger)
			if err != nil {
				return err
			}
			if runNow {
				sched.Entries()[0].WrappedJob.Run()
			}
			sched.Start()
			c.logger.Info("scheduler started", "cron", spec, "next", sched.Entries()[0].Next)

			<-cmd.Context().Done()
			c.logger.Info("scheduler stopping")
			stopped := sched.Stop()
			a.shutdown()
			<-stopped.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "Cron schedule, e.g. \"0 6 * * 1-5\" or \"@daily\"")
	cmd.Flags().BoolVar(&runNow, "now", false, "Also run once immediately")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

// newScheduler registers one pipeline run per cron tick. Overlapping ticks
// are skipped while a run is in progress.
func newScheduler(ctx context.Context, a *app, spec string, logger *slog.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger: logger}
	sched := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	_, err := sched.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		rep, err := a.orch.Run(ctx)
		a.writeMetrics()
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			logger.Warn("scheduled run skipped", "reason", err)
		case err != nil:
			logger.Error("scheduled run failed", "run", rep.RunID, "stage", rep.FailedStage, "error", err)
		default:
			logger.Info("scheduled run complete", "run", rep.RunID, "duration", rep.Duration())
		}
	})
	if err != nil {
		return nil, errkind.Configuration(err)
	}
	return sched, nil
}

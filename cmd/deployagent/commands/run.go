package commands

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deploycore/pkg/perpetualtask"
)

func newRunCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every configured instance-sync task until interrupted",
		Long: `Start the perpetual task scheduler.

Every task in the config file is run immediately and then on its interval.
Results are published to the configured channel (NATS or the log) and recorded
in the store when one is configured. The metrics endpoint is served while the
agent runs.

With --watch, edits to the tasks block of the config file are applied without a
restart: removed tasks stop, new tasks start and changed tasks are rescheduled.`,
		Example: `  # Run with the default config file
  deployagent run

  # Run with an explicit config
  deployagent run --config /etc/deployagent/config.yaml

  # Reload tasks when the config file changes
  deployagent run --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newAgent(cmd.Context(), configPath, true)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			// Expose metrics for the lifetime of the agent
			if err := a.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			d, err := a.dispatcher()
			if err != nil {
				return err
			}

			// Create scheduler over the executor dispatcher
			sched := perpetualtask.NewScheduler(d, perpetualtask.SchedulerOptions{
				Parallelism: a.cfg.Scheduler.Parallelism,
				RunTimeout:  a.cfg.Scheduler.RunTimeout,
				Logger:      a.tel.Logger.NewComponentLogger("scheduler"),
			})

			// Schedule every configured task
			scheduled := make([]perpetualtask.Task, 0, len(a.cfg.Tasks))
			for _, tc := range a.cfg.Tasks {
				task, err := a.task(tc)
				if err != nil {
					return err
				}
				if err := sched.Add(task); err != nil {
					return err
				}
				scheduled = append(scheduled, task)
			}
			// An empty schedule is allowed; --watch may add tasks later
			if sched.Tasks() == 0 && !watch {
				a.logger.Warn("no tasks configured; serving metrics only")
			}

			if err := sched.Start(ctx); err != nil {
				return err
			}

			// Hot-reload tasks from the config file
			if watch {
				reloader := newTaskReloader(configPath, sched, a.tel.Logger.NewComponentLogger("reload"), scheduled)
				if err := reloader.watch(ctx); err != nil {
					sched.Stop()
					return err
				}
			}

			// Block until interrupted
			<-ctx.Done()

			// Drain in-flight runs, bounded by the run timeout
			a.logger.Info("stopping scheduler")
			stopped := make(chan struct{})
			go func() {
				sched.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(a.cfg.Scheduler.RunTimeout + 10*time.Second):
				fmt.Fprintln(os.Stderr, "timed out waiting for in-flight task runs")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload tasks when the config file changes")

	return cmd
}

func newOnceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once <task-id>",
		Short: "Run a single instance-sync task once and print the response",
		Example: `  # Poll the ECS services of task web-prod once
  deployagent once web-prod --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newAgent(cmd.Context(), configPath, true)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			// Resolve task from config
			tc, ok := a.cfg.Task(args[0])
			if !ok {
				return fmt.Errorf("task %q is not configured", args[0])
			}
			task, err := a.task(tc)
			if err != nil {
				return err
			}
			d, err := a.dispatcher()
			if err != nil {
				return err
			}

			// Run the task and print its response
			resp := d.RunOnce(ctx, task.Type, task.ID, task.Params, time.Now().UTC())
			if err := printResult(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.OK() {
				return fmt.Errorf("task %s failed: %s", task.ID, resp.ResponseMessage)
			}
			return nil
		},
	}

	return cmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(cmd.OutOrStdout(), map[string]string{
				"version":    version,
				"commit":     commit,
				"build_date": buildDate,
				"go_version": runtime.Version(),
			})
		},
	}
}

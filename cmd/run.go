package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/map-harvester/internal/coordinator"
	"github.com/JakeFAU/map-harvester/internal/dispatcher"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/matrix"
)

// newServeCmd runs the HTTP API until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context())
		},
	}
}

type runFlags struct {
	matrixPath   string
	name         string
	concurrency  int
	rps          float64
	burst        int
	maxAttempts  int
	lease        time.Duration
	fetchTimeout time.Duration
	detach       bool
}

func (f runFlags) params() harvest.RunParams {
	return harvest.RunParams{
		Concurrency:       f.concurrency,
		RequestsPerSecond: f.rps,
		Burst:             f.burst,
		MaxAttempts:       f.maxAttempts,
		LeaseDuration:     f.lease,
		FetchTimeout:      f.fetchTimeout,
	}
}

// newRunCmd starts a run from a matrix file and waits for it to finish.
func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run from a matrix file and wait for it",
		Long: `Validates the matrix, seeds every unit into the progress store, and
drives the run to completion. Interrupting the command leaves the run paused;
continue it later with "harvester resume <run_id>".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			path := flags.matrixPath
			if path == "" {
				path = app.Config().Matrix.Path
			}
			m, err := matrix.Load(path)
			if err != nil {
				return err
			}
			run, err := app.Runs().Start(cmd.Context(), coordinator.StartRequest{
				Name:   flags.name,
				Matrix: m,
				Params: flags.params(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s started with %d units\n", run.ID, m.Size())
			if flags.detach {
				return printJSON(cmd.OutOrStdout(), run)
			}
			return waitAndReport(cmd, app.Runs(), run.ID)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&flags.matrixPath, "matrix", "", "matrix file (defaults to matrix.path)")
	fs.StringVar(&flags.name, "name", "", "run name")
	fs.IntVar(&flags.concurrency, "concurrency", 0, "workers (0 uses harvest.concurrency)")
	fs.Float64Var(&flags.rps, "rps", 0, "global requests per second (0 uses harvest.requests_per_second)")
	fs.IntVar(&flags.burst, "burst", 0, "rate limiter burst")
	fs.IntVar(&flags.maxAttempts, "max-attempts", 0, "attempts per unit before it fails")
	fs.DurationVar(&flags.lease, "lease", 0, "unit lease duration")
	fs.DurationVar(&flags.fetchTimeout, "fetch-timeout", 0, "per-fetch timeout, shorter than the lease")
	fs.BoolVar(&flags.detach, "detach", false, "print the run and exit without waiting")
	return cmd
}

// newResumeCmd resumes an interrupted or cancelled run and waits for it.
func newResumeCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "resume <run_id>",
		Short: "Resume a run and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			run, err := app.Runs().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "run %s resumed\n", run.ID)
			if detach {
				return printJSON(cmd.OutOrStdout(), run)
			}
			return waitAndReport(cmd, app.Runs(), run.ID)
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "print the run and exit without waiting")
	return cmd
}

// waitAndReport blocks until the local dispatcher exits or the process is
// signalled, then prints the summary.
func waitAndReport(cmd *cobra.Command, runs Runs, runID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := runs.Wait(ctx, runID)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.ErrOrStderr(), "interrupted; resume with: harvester resume %s\n", runID)
		return nil
	}
	if err != nil && summary.RunID == "" {
		return err
	}
	if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
		return perr
	}
	if summary.Outcome == dispatcher.OutcomeAborted {
		return fmt.Errorf("run %s aborted: %s", runID, summary.Error)
	}
	return nil
}

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/map-harvester/internal/export"
	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// runCommand builds a single-argument command that resolves the app first.
func runCommand(use, short string, fn func(cmd *cobra.Command, app App, runID string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return fn(cmd, app, args[0])
		},
	}
}

func newStatusCmd() *cobra.Command {
	return runCommand("status", "Show a run's state and unit counts", func(cmd *cobra.Command, app App, runID string) error {
		st, err := app.Runs().Status(cmd.Context(), runID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	})
}

func newCancelCmd() *cobra.Command {
	return runCommand("cancel", "Ask a run's dispatcher to stop after in-flight units", func(cmd *cobra.Command, app App, runID string) error {
		if err := app.Runs().Cancel(cmd.Context(), runID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", runID)
		return nil
	})
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := app.Runs().List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newUnitsCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := runCommand("units", "List a run's units", func(cmd *cobra.Command, app App, runID string) error {
		filter := harvest.UnitFilter{Limit: limit}
		if status != "" {
			parsed, err := harvest.ParseUnitStatus(status)
			if err != nil {
				return err
			}
			filter.Status = parsed
		}
		units, err := app.Runs().Units(cmd.Context(), runID, filter)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), units)
	})
	cmd.Flags().StringVar(&status, "status", "", "pending, claimed, done, or failed")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum units to list (0 for all)")
	return cmd
}

func newFailedCmd() *cobra.Command {
	return runCommand("failed", "List units that exhausted their retries", func(cmd *cobra.Command, app App, runID string) error {
		units, err := app.Runs().Failed(cmd.Context(), runID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), units)
	})
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run_id> [ordinal]",
		Short: "Move failed units back to pending",
		Long: `With an ordinal, requeues that single failed unit; without one, requeues
every failed unit of the run. Resume the run to fetch them again.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runID := args[0]
			if len(args) == 2 {
				ordinal, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid ordinal %q: %w", args[1], err)
				}
				if err := app.Runs().RetryUnit(cmd.Context(), runID, ordinal); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unit %d of run %s requeued\n", ordinal, runID)
				return nil
			}
			n, err := app.Runs().RequeueFailed(cmd.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d units of run %s requeued\n", n, runID)
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var format string
	cmd := runCommand("export", "Write a run's results to the export store", func(cmd *cobra.Command, app App, runID string) error {
		if format == "" {
			format = app.Config().Export.Format
		}
		parsed, err := export.ParseFormat(format)
		if err != nil {
			return err
		}
		uri, err := app.Runs().Export(cmd.Context(), runID, parsed)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), uri)
		return nil
	})
	cmd.Flags().StringVar(&format, "format", "", "csv or jsonl (defaults to export.format)")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	return runCommand("purge", "Delete a run with its units and results", func(cmd *cobra.Command, app App, runID string) error {
		if err := app.Runs().Purge(cmd.Context(), runID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s purged\n", runID)
		return nil
	})
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matsen/samplesim/internal/worker"
)

var sweepStaleAfter time.Duration

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().DurationVar(&sweepStaleAfter, "stale-after", 0, "Reset running jobs without a heartbeat for this long (default: from settings)")
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover abandoned jobs and queue stale index rebuilds",
	Long: `Run one maintenance pass without starting workers: running jobs whose
heartbeat is older than --stale-after go back to pending, jobs of removed
sources are dropped and dirty or out-of-date indexes get a rebuild job.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	env := mustSetup("")
	defer env.db.Close()

	staleAfter := sweepStaleAfter
	if staleAfter <= 0 {
		staleAfter = worker.FromSettings(env.settings.Workers).Normalize().StaleAfter
	}
	res := worker.Sweep(cmd.Context(), env.db, env.index, time.Now().Add(-staleAfter), env.logger)

	if humanOutput {
		fmt.Printf("Reset %d stale jobs, pruned %d orphaned jobs\n", res.Reset, res.Pruned)
		for _, m := range res.Rebuilds {
			fmt.Printf("Queued rebuild of %s\n", m)
		}
		for _, e := range res.Errors {
			fmt.Printf("error: %s\n", e)
		}
	} else {
		outputJSON(res)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("sweep finished with %d errors", len(res.Errors))
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matsen/samplesim/internal/worker"
)

var (
	workUntilIdle bool
	workWorkers   int
)

func init() {
	rootCmd.AddCommand(workCmd)

	workCmd.Flags().BoolVar(&workUntilIdle, "until-idle", false, "Exit once no pending jobs are left")
	workCmd.Flags().IntVarP(&workWorkers, "workers", "w", 0, "Analysis workers (default: from settings or CPU count)")
}

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the analysis worker pool",
	Long: `Run decode and inference workers over the job queue.

Without --until-idle the pool runs until interrupted. On SIGINT or SIGTERM
it stops claiming, returns claimed jobs to pending and flushes the index.`,
	Args: cobra.NoArgs,
	RunE: runWork,
}

func runWork(cmd *cobra.Command, args []string) error {
	env := mustSetup("")
	// The pool opens its own connections.
	env.db.Close()

	cfg := worker.FromSettings(env.settings.Workers)
	if workWorkers > 0 {
		cfg.AnalysisWorkers = workWorkers
	}
	pool, err := worker.New(env.dbPath, env.index, newDecoder(), env.embedder,
		worker.WithConfig(cfg),
		worker.WithLogger(env.logger),
	)
	if err != nil {
		exitWithError(ExitConfigError, "creating worker pool: %v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if workUntilIdle {
		err = pool.RunUntilIdle(ctx)
	} else {
		err = runForever(ctx, pool)
	}
	if err != nil && ctx.Err() == nil {
		exitWithError(ExitError, "worker pool: %v", err)
	}

	pr := pool.Progress()
	if humanOutput {
		fmt.Printf("Processed %d jobs: %d done, %d failed, %d retried\n", pr.Claimed, pr.Done, pr.Failed, pr.Retried)
	} else {
		outputJSON(pr)
	}
	return nil
}

// runForever runs the pool until ctx ends, then shuts it down.
func runForever(ctx context.Context, pool *worker.Pool) error {
	if err := pool.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return pool.Shutdown(context.WithoutCancel(ctx))
}

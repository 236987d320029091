package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matsen/samplesim/internal/jobs"
	"github.com/matsen/samplesim/internal/storage"
)

var statusFailedLimit int

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().IntVar(&statusFailedLimit, "failed", 10, "Number of failed jobs to list")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job queue and index status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// StatusResponse is the response for the status command.
type StatusResponse struct {
	Database string                 `json:"database"`
	Model    string                 `json:"model"`
	Jobs     []storage.JobCount     `json:"jobs"`
	Failed   []jobs.Job             `json:"failed"`
	Indexes  []storage.AnnIndexMeta `json:"indexes"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	env := mustSetup("")
	defer env.db.Close()
	ctx := cmd.Context()

	counts, err := env.db.JobCounts(ctx)
	if err != nil {
		exitWithError(ExitError, "counting jobs: %v", err)
	}
	failed, err := env.db.FailedJobs(ctx, statusFailedLimit)
	if err != nil {
		exitWithError(ExitError, "listing failed jobs: %v", err)
	}
	metas, err := env.db.ListAnnMeta(ctx)
	if err != nil {
		exitWithError(ExitError, "listing indexes: %v", err)
	}

	resp := StatusResponse{
		Database: env.dbPath,
		Model:    env.embedder.ModelID(),
		Jobs:     counts,
		Failed:   failed,
		Indexes:  metas,
	}
	if !humanOutput {
		outputJSON(resp)
		return nil
	}

	fmt.Printf("Database: %s\n", resp.Database)
	fmt.Printf("Model:    %s\n\n", resp.Model)
	fmt.Println("Jobs:")
	if len(counts) == 0 {
		fmt.Println("  (none)")
	}
	for _, c := range counts {
		fmt.Printf("  %-20s %-8s %d\n", c.Type, c.Status, c.Count)
	}
	fmt.Println("\nIndexes:")
	if len(metas) == 0 {
		fmt.Println("  (none)")
	}
	for _, m := range metas {
		state := "clean"
		if m.Dirty {
			state = "dirty"
		}
		fmt.Printf("  %-32s %6d vectors  %s  updated %s\n", m.ModelID, m.Count, state, formatTime(m.UpdatedAt))
	}
	if len(failed) > 0 {
		fmt.Println("\nFailed jobs:")
		for _, j := range failed {
			fmt.Printf("  %s (%d attempts)\n    %s\n", j.SampleID, j.Attempts, truncateString(j.LastError, 120))
		}
	}
	return nil
}

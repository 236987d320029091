package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matsen/samplesim/internal/worker"
)

func init() {
	rootCmd.AddCommand(backfillCmd)
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Queue embedding jobs for samples that have none",
	Long: `Queue one backfill job per source covering every sample that has no
embedding for the configured model. Use this after switching embedders.`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

// BackfillResponse is the response for the backfill command.
type BackfillResponse struct {
	Model   string `json:"model"`
	Samples int    `json:"samples"`
}

func runBackfill(cmd *cobra.Command, args []string) error {
	env := mustSetup("")
	defer env.db.Close()

	model := env.embedder.ModelID()
	n, err := worker.EnqueueBackfill(cmd.Context(), env.db, model)
	if err != nil {
		exitWithError(ExitError, "queueing backfill: %v", err)
	}

	if humanOutput {
		fmt.Printf("Queued %d samples for %s\n", n, model)
	} else {
		outputJSON(BackfillResponse{Model: model, Samples: n})
	}
	return nil
}

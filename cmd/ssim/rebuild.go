package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matsen/samplesim/internal/annindex"
	"github.com/matsen/samplesim/internal/storage"
)

var (
	rebuildModel string
	rebuildAll   bool
)

func init() {
	rootCmd.AddCommand(rebuildCmd)

	rebuildCmd.Flags().StringVar(&rebuildModel, "model", "", "Model to rebuild (default: the configured embedder's model)")
	rebuildCmd.Flags().BoolVar(&rebuildAll, "all", false, "Rebuild every model that has embeddings")
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [db-path]",
	Short: "Rebuild the similarity index from stored embeddings",
	Long: `Rebuild the HNSW similarity index from the embeddings table.

The rebuilt graph replaces the dump on disk and clears the index's dirty
marker. Use this after a crash, when 'ssim status' reports a dirty index,
or after changing the graph parameters.

Exits 0 on success and 1 with a message on stderr on failure.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRebuild,
}

// RebuildResponse is the response for the rebuild command.
type RebuildResponse struct {
	Status string                    `json:"status"`
	Models []annindex.RebuildResult `json:"models"`
}

func runRebuild(cmd *cobra.Command, args []string) error {
	explicit := ""
	if len(args) == 1 {
		explicit = args[0]
	}
	env, err := setup(explicit)
	if err != nil {
		os.Exit(outputError(ExitError, "%v", err))
	}
	defer env.db.Close()

	models := []string{rebuildModel}
	if rebuildModel == "" {
		models[0] = env.embedder.ModelID()
	}
	if rebuildAll {
		ids, err := env.db.ModelIDs(cmd.Context())
		if err != nil {
			os.Exit(outputError(ExitError, "listing models: %v", err))
		}
		models = ids
	}

	results, err := rebuildModels(cmd.Context(), env.index, env.db, models)
	if err != nil {
		os.Exit(outputError(ExitError, "%v", err))
	}

	if humanOutput {
		for _, r := range results {
			fmt.Printf("Rebuilt %s: %d vectors (%d skipped) in %s\n", r.ModelID, r.Count, r.Skipped, formatDuration(r.Elapsed))
		}
	} else {
		outputJSON(RebuildResponse{Status: "rebuilt", Models: results})
	}
	return nil
}

// rebuildModels rebuilds each model in turn and stops at the first failure.
func rebuildModels(ctx context.Context, index *annindex.Manager, db *storage.DB, models []string) ([]annindex.RebuildResult, error) {
	results := make([]annindex.RebuildResult, 0, len(models))
	for _, model := range models {
		res, err := index.RebuildIndex(ctx, db, model)
		if err != nil {
			return results, fmt.Errorf("rebuilding %s: %w", model, err)
		}
		results = append(results, res)
	}
	return results, nil
}

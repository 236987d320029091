package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matsen/samplesim/internal/annindex"
	"github.com/matsen/samplesim/internal/storage"
)

var (
	similarLimit    int
	duplicateCutoff float32
)

func init() {
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(duplicatesCmd)

	similarCmd.Flags().IntVarP(&similarLimit, "limit", "k", 10, "Maximum number of results")
	duplicatesCmd.Flags().Float32Var(&duplicateCutoff, "cutoff", annindex.DefaultDuplicateCutoff, "Minimum cosine similarity to count as a duplicate")
}

// SimilarResponse is the response for the similar and duplicates commands.
type SimilarResponse struct {
	Source  string           `json:"source"`
	Model   string           `json:"model"`
	Similar []annindex.Match `json:"similar"`
	Total   int              `json:"total"`
}

var similarCmd = &cobra.Command{
	Use:   "similar <sample-id>",
	Short: "Find samples similar to a specific sample",
	Long: `Find the samples whose embeddings are closest to a given sample.

Sample ids have the form <source-id>::<relative-path>, as printed by
'ssim scan'. The source sample is excluded from results.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimilar,
}

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates <sample-id>",
	Short: "Find near-identical copies of a sample",
	Long: `Find every sample whose similarity to the given sample is at least
--cutoff. Useful for spotting the same sound stored under several names.`,
	Args: cobra.ExactArgs(1),
	RunE: runDuplicates,
}

func runSimilar(cmd *cobra.Command, args []string) error {
	if similarLimit < 1 {
		exitWithError(ExitError, "--limit must be at least 1")
	}
	env := mustSetup("")
	defer env.db.Close()

	model := env.embedder.ModelID()
	matches, err := env.index.FindSimilar(cmd.Context(), env.db, model, args[0], similarLimit)
	if err != nil {
		exitQueryError(args[0], err)
	}
	printMatches(args[0], model, matches)
	return nil
}

func runDuplicates(cmd *cobra.Command, args []string) error {
	env := mustSetup("")
	defer env.db.Close()

	model := env.embedder.ModelID()
	matches, err := env.index.FindDuplicates(cmd.Context(), env.db, model, args[0], duplicateCutoff)
	if err != nil {
		exitQueryError(args[0], err)
	}
	printMatches(args[0], model, matches)
	return nil
}

// exitQueryError maps query failures onto exit codes with a hint.
func exitQueryError(sampleID string, err error) {
	switch {
	case errors.Is(err, annindex.ErrNotIndexed), errors.Is(err, storage.ErrNotFound):
		exitWithError(ExitDataError, "sample '%s' is not indexed\n\nRun 'ssim work --until-idle' to analyze pending samples.", sampleID)
	default:
		exitWithError(ExitError, "querying index: %v", err)
	}
}

func printMatches(sampleID, model string, matches []annindex.Match) {
	if matches == nil {
		matches = []annindex.Match{}
	}
	if !humanOutput {
		outputJSON(SimilarResponse{Source: sampleID, Model: model, Similar: matches, Total: len(matches)})
		return
	}
	fmt.Printf("Samples similar to: %s\n\n", sampleID)
	if len(matches) == 0 {
		fmt.Println("No matches.")
		return
	}
	for i, m := range matches {
		fmt.Printf("%d. [%.3f] %s\n", i+1, m.Similarity, truncateString(m.SampleID, 100))
	}
}

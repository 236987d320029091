package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matsen/samplesim/internal/scan"
)

var scanRehash bool

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().BoolVar(&scanRehash, "rehash", false, "Hash every file even if size and mtime are unchanged")
}

var scanCmd = &cobra.Command{
	Use:   "scan <source-id> <root>",
	Short: "Record the audio files under a directory and queue analysis",
	Long: `Walk <root> for audio files and record them as samples of <source-id>.

New and changed files get an analysis job; files that disappeared since the
last scan are removed along with their embeddings. Run 'ssim work' to
process the queued jobs.`,
	Args: cobra.ExactArgs(2),
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	env := mustSetup("")
	defer env.db.Close()

	opts := []scan.Option{scan.WithLogger(env.logger)}
	if scanRehash {
		opts = append(opts, scan.WithRehash())
	}
	res, err := scan.Run(cmd.Context(), env.db, args[0], args[1], opts...)
	if err != nil {
		exitWithError(ExitError, "scanning %s: %v", args[1], err)
	}

	if humanOutput {
		fmt.Printf("Scanned %d files in %s\n", res.Scanned, res.Root)
		fmt.Printf("  new: %d  changed: %d  unchanged: %d  removed: %d\n", res.New, res.Changed, res.Unchanged, res.Removed)
		fmt.Printf("  queued for analysis: %d\n", res.Enqueued)
		for _, e := range res.Errors {
			fmt.Printf("  skipped: %s\n", e)
		}
	} else {
		outputJSON(res)
	}
	return nil
}

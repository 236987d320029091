package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matsen/samplesim/internal/config"
	"github.com/matsen/samplesim/internal/worker"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration: settings from the config file with
environment overrides applied, the resolved paths and the worker sizing.

Settings file: $XDG_CONFIG_HOME/samplesim/config.yml
Environment:   SAMPLESIM_DB, SAMPLESIM_ANALYSIS_WORKERS, SAMPLESIM_DECODE_WORKERS,
               SAMPLESIM_DECODE_QUEUE_TARGET, SAMPLESIM_ANALYSIS_CLAIM_BATCH,
               SAMPLESIM_EMBED_BATCH_MAX, SAMPLESIM_STALE_AFTER,
               SAMPLESIM_ANN_COMPRESSION, SAMPLESIM_EMBEDDER, SAMPLESIM_EMBEDDER_URL`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

// ConfigResponse is the response for the config command.
type ConfigResponse struct {
	SettingsPath string           `json:"settings_path"`
	Database     string           `json:"database"`
	IndexDir     string           `json:"index_dir"`
	Model        string           `json:"model"`
	Settings     *config.Settings `json:"settings"`
	Workers      worker.Config    `json:"workers"`
}

func runConfig(cmd *cobra.Command, args []string) error {
	s := mustLoadSettings()
	dbPath := mustResolveDBPath("", s)
	emb, err := newEmbedder(s.Embedder)
	if err != nil {
		exitWithError(ExitConfigError, "%v", err)
	}
	workers := worker.FromSettings(s.Workers).Normalize()

	if humanOutput {
		raw, err := s.Marshal()
		if err != nil {
			exitWithError(ExitError, "encoding settings: %v", err)
		}
		fmt.Printf("settings file: %s\n", config.SettingsPath())
		fmt.Printf("database:      %s\n", dbPath)
		fmt.Printf("index dir:     %s\n", config.IndexDirFor(dbPath))
		fmt.Printf("model:         %s\n", emb.ModelID())
		fmt.Printf("workers:       %d analysis, %d decode, queue target %d\n\n",
			workers.AnalysisWorkers, workers.DecodeWorkers, workers.DecodeQueueTarget)
		fmt.Print(string(raw))
		return nil
	}
	outputJSON(ConfigResponse{
		SettingsPath: config.SettingsPath(),
		Database:     dbPath,
		IndexDir:     config.IndexDirFor(dbPath),
		Model:        emb.ModelID(),
		Settings:     s,
		Workers:      workers,
	})
	return nil
}

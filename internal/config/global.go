package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings represents user configuration stored in ~/.config/samplesim/config.yml.
// Zero values mean "use the built-in default"; the consumers fill them in.
type Settings struct {
	DBPath   string           `yaml:"db_path,omitempty"`
	Workers  WorkerSettings   `yaml:"workers,omitempty"`
	Index    IndexSettings    `yaml:"index,omitempty"`
	Embedder EmbedderSettings `yaml:"embedder,omitempty"`
}

// WorkerSettings tunes the analysis pool.
type WorkerSettings struct {
	AnalysisWorkers   int           `yaml:"analysis_workers,omitempty"`
	DecodeWorkers     int           `yaml:"decode_workers,omitempty"`
	DecodeQueueTarget int           `yaml:"decode_queue_target,omitempty"`
	ClaimBatch        int           `yaml:"claim_batch,omitempty"`
	EmbedBatchMax     int           `yaml:"embed_batch_max,omitempty"`
	MaxAttempts       int           `yaml:"max_attempts,omitempty"`
	StaleAfter        time.Duration `yaml:"stale_after,omitempty"`
	SweepInterval     time.Duration `yaml:"sweep_interval,omitempty"`
}

// IndexSettings tunes the similarity index.
type IndexSettings struct {
	Compression     string        `yaml:"compression,omitempty"`
	FlushMinInserts int           `yaml:"flush_min_inserts,omitempty"`
	FlushInterval   time.Duration `yaml:"flush_interval,omitempty"`
	M               int           `yaml:"m,omitempty"`
	EfConstruction  int           `yaml:"ef_construction,omitempty"`
	EfSearch        int           `yaml:"ef_search,omitempty"`
}

// EmbedderSettings selects the embedding backend: "envelope" (built in) or
// "remote" (an HTTP embedding service).
type EmbedderSettings struct {
	Kind    string        `yaml:"kind,omitempty"`
	Dim     int           `yaml:"dim,omitempty"`
	URL     string        `yaml:"url,omitempty"`
	Model   string        `yaml:"model,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

const (
	// SettingsDir is the directory name under XDG_CONFIG_HOME.
	SettingsDir = "samplesim"
	// SettingsFile is the config file name.
	SettingsFile = "config.yml"
)

// Environment variables that override the settings file.
const (
	EnvDB                = "SAMPLESIM_DB"
	EnvAnalysisWorkers   = "SAMPLESIM_ANALYSIS_WORKERS"
	EnvDecodeWorkers     = "SAMPLESIM_DECODE_WORKERS"
	EnvDecodeQueueTarget = "SAMPLESIM_DECODE_QUEUE_TARGET"
	EnvClaimBatch        = "SAMPLESIM_ANALYSIS_CLAIM_BATCH"
	EnvEmbedBatchMax     = "SAMPLESIM_EMBED_BATCH_MAX"
	EnvStaleAfter        = "SAMPLESIM_STALE_AFTER"
	EnvANNCompression    = "SAMPLESIM_ANN_COMPRESSION"
	EnvEmbedder          = "SAMPLESIM_EMBEDDER"
	EnvEmbedderURL       = "SAMPLESIM_EMBEDDER_URL"
)

// settingsCache caches the loaded settings.
var settingsCache *Settings

// SettingsPath returns the path to the settings file.
// Respects XDG_CONFIG_HOME, defaults to ~/.config/samplesim/config.yml.
func SettingsPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, SettingsDir, SettingsFile)
}

// LoadSettings loads the settings file and applies environment overrides.
// A missing file yields defaults, not an error.
func LoadSettings() (*Settings, error) {
	if settingsCache != nil {
		return settingsCache, nil
	}

	cfg, err := readSettings(SettingsPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	settingsCache = cfg
	return cfg, nil
}

func readSettings(path string) (*Settings, error) {
	if path == "" {
		return &Settings{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	var cfg Settings
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	if cfg.DBPath != "" {
		cfg.DBPath = ExpandPath(cfg.DBPath)
	}
	return &cfg, nil
}

// ResetSettingsCache clears the cached settings.
// Useful for testing.
func ResetSettingsCache() {
	settingsCache = nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv; empty values are ignored.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}

	if v, ok := get(EnvDB); ok {
		s.DBPath = ExpandPath(v)
	}
	ints := []struct {
		key string
		dst *int
	}{
		{EnvAnalysisWorkers, &s.Workers.AnalysisWorkers},
		{EnvDecodeWorkers, &s.Workers.DecodeWorkers},
		{EnvDecodeQueueTarget, &s.Workers.DecodeQueueTarget},
		{EnvClaimBatch, &s.Workers.ClaimBatch},
		{EnvEmbedBatchMax, &s.Workers.EmbedBatchMax},
	}
	for _, f := range ints {
		v, ok := get(f.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: expected a non-negative integer, got %q", f.key, v)
		}
		*f.dst = n
	}
	if v, ok := get(EnvStaleAfter); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvStaleAfter, err)
		}
		s.Workers.StaleAfter = d
	}
	if v, ok := get(EnvANNCompression); ok {
		s.Index.Compression = v
	}
	if v, ok := get(EnvEmbedder); ok {
		s.Embedder.Kind = v
	}
	if v, ok := get(EnvEmbedderURL); ok {
		s.Embedder.URL = v
	}
	return nil
}

// Marshal renders the settings as YAML, as they would appear in the file.
func (s *Settings) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding settings: %w", err)
	}
	return data, nil
}

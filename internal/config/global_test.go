package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSettingsPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got, want := SettingsPath(), "/custom/config/samplesim/config.yml"; got != want {
		t.Errorf("SettingsPath() = %q, want %q", got, want)
	}

	t.Setenv("XDG_CONFIG_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Cannot get home directory")
	}
	if got, want := SettingsPath(), filepath.Join(home, ".config", "samplesim", "config.yml"); got != want {
		t.Errorf("SettingsPath() = %q, want %q", got, want)
	}
}

func TestLoadSettings_NotFound(t *testing.T) {
	ResetSettingsCache()
	defer ResetSettingsCache()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvDB, "")

	cfg, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if cfg.DBPath != "" || cfg.Workers.AnalysisWorkers != 0 {
		t.Errorf("expected zero settings, got %+v", cfg)
	}
}

func TestLoadSettings_Valid(t *testing.T) {
	ResetSettingsCache()
	defer ResetSettingsCache()

	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	t.Setenv(EnvDB, "")
	t.Setenv(EnvAnalysisWorkers, "")
	t.Setenv(EnvStaleAfter, "")

	configDir := filepath.Join(tmpDir, SettingsDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	yml := `db_path: ~/lib/samplesim.db
workers:
  analysis_workers: 3
  stale_after: 90s
index:
  compression: lz4
  flush_interval: 10s
  m: 12
embedder:
  kind: remote
  url: http://gpu-box:8765
`
	if err := os.WriteFile(filepath.Join(configDir, SettingsFile), []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}

	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, "lib/samplesim.db"); cfg.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
	}
	if cfg.Workers.AnalysisWorkers != 3 {
		t.Errorf("AnalysisWorkers = %d, want 3", cfg.Workers.AnalysisWorkers)
	}
	if cfg.Workers.StaleAfter != 90*time.Second {
		t.Errorf("StaleAfter = %v, want 90s", cfg.Workers.StaleAfter)
	}
	if cfg.Index.Compression != "lz4" || cfg.Index.FlushInterval != 10*time.Second || cfg.Index.M != 12 {
		t.Errorf("Index = %+v", cfg.Index)
	}
	if cfg.Embedder.Kind != "remote" || cfg.Embedder.URL != "http://gpu-box:8765" {
		t.Errorf("Embedder = %+v", cfg.Embedder)
	}

	// Cached until reset.
	again, _ := LoadSettings()
	if again != cfg {
		t.Error("LoadSettings() did not return the cached settings")
	}
}

func TestLoadSettings_InvalidYAML(t *testing.T) {
	ResetSettingsCache()
	defer ResetSettingsCache()

	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	configDir := filepath.Join(tmpDir, SettingsDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(configDir, SettingsFile), []byte("workers: [not, a, map"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadSettings(); err == nil {
		t.Error("LoadSettings() should return error for invalid YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDB:                "/tmp/x.db",
		EnvAnalysisWorkers:   "4",
		EnvDecodeWorkers:     "8",
		EnvDecodeQueueTarget: "64",
		EnvClaimBatch:        "16",
		EnvEmbedBatchMax:     "",
		EnvStaleAfter:        "5m",
		EnvANNCompression:    "none",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	s := Settings{Workers: WorkerSettings{EmbedBatchMax: 32}}
	if err := s.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if s.DBPath != "/tmp/x.db" {
		t.Errorf("DBPath = %q", s.DBPath)
	}
	w := s.Workers
	if w.AnalysisWorkers != 4 || w.DecodeWorkers != 8 || w.DecodeQueueTarget != 64 || w.ClaimBatch != 16 {
		t.Errorf("Workers = %+v", w)
	}
	if w.EmbedBatchMax != 32 {
		t.Errorf("empty env value should not override, got %d", w.EmbedBatchMax)
	}
	if w.StaleAfter != 5*time.Minute {
		t.Errorf("StaleAfter = %v", w.StaleAfter)
	}
	if s.Index.Compression != "none" {
		t.Errorf("Compression = %q", s.Index.Compression)
	}

	env[EnvAnalysisWorkers] = "many"
	if err := s.ApplyEnv(lookup); err == nil || !strings.Contains(err.Error(), EnvAnalysisWorkers) {
		t.Errorf("ApplyEnv() error = %v, want %s error", err, EnvAnalysisWorkers)
	}
}

func TestSettingsMarshal(t *testing.T) {
	s := Settings{Workers: WorkerSettings{StaleAfter: 2 * time.Minute}}
	data, err := s.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), "stale_after: 2m0s") {
		t.Errorf("Marshal() = %s", data)
	}
}

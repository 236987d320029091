// Package main provides the ssim CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/matsen/samplesim/internal/annindex"
	"github.com/matsen/samplesim/internal/audio"
	"github.com/matsen/samplesim/internal/config"
	"github.com/matsen/samplesim/internal/embedding"
	"github.com/matsen/samplesim/internal/hnsw"
	"github.com/matsen/samplesim/internal/logging"
	"github.com/matsen/samplesim/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	// humanOutput controls whether to use human-readable output
	humanOutput bool

	dbFlag   string
	logLevel string
	logJSON  bool
)

// Embedder kinds accepted in settings.
const (
	EmbedderEnvelope = "envelope"
	EmbedderRemote   = "remote"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// SilenceErrors is set, so cobra leaves printing to us.
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(ExitError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ssim",
	Short: "Audio sample similarity index",
	Long: `ssim analyzes audio sample libraries and answers similarity queries.

Samples are scanned into a local SQLite database, analyzed by a pool of
workers that compute embeddings, and indexed in an HNSW graph per model.

All commands output JSON by default; use --human for text.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine.
		_ = godotenv.Load()
		config.ResetSettingsCache()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&humanOutput, "human", false, "Use human-readable output instead of JSON")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Path to the samplesim database (default: nearest .samplesim workspace)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON lines")
	rootCmd.Version = Version
}

// mustLoadSettings loads user settings, exits on error.
func mustLoadSettings() *config.Settings {
	s, err := config.LoadSettings()
	if err != nil {
		exitWithError(ExitConfigError, "loading settings: %v", err)
	}
	return s
}

// mustResolveDBPath picks the database from an explicit path, --db, the
// settings or the nearest workspace, in that order.
func mustResolveDBPath(explicit string, s *config.Settings) string {
	if explicit == "" {
		explicit = dbFlag
	}
	cwd, err := os.Getwd()
	if err != nil {
		exitWithError(ExitError, "getting current directory: %v", err)
	}
	path, err := config.ResolveDBPath(explicit, s, cwd)
	if err != nil {
		exitWithError(ExitConfigError, "resolving database path: %v", err)
	}
	return path
}

// mustOpenDatabase opens the SQLite database, exits on error.
// The caller is responsible for calling Close() on the returned DB.
func mustOpenDatabase(dbPath string) *storage.DB {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		exitWithError(ExitError, "creating database directory: %v", err)
	}
	db, err := storage.OpenDB(dbPath)
	if err != nil {
		exitWithError(ExitError, "opening database: %v", err)
	}
	return db
}

// newLogger builds the logger selected by --log-level and --log-json.
func newLogger() (*logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	if logJSON {
		return logging.NewJSONLogger(level), nil
	}
	return logging.NewTextLogger(level), nil
}

func mustLogger() *logging.Logger {
	l, err := newLogger()
	if err != nil {
		exitWithError(ExitConfigError, "%v", err)
	}
	return l
}

// newEmbedder builds the embedder named in the settings.
func newEmbedder(s config.EmbedderSettings) (embedding.Embedder, error) {
	switch s.Kind {
	case "", EmbedderEnvelope:
		return embedding.NewEnvelope(s.Dim), nil
	case EmbedderRemote:
		var opts []embedding.RemoteOption
		if s.URL != "" {
			opts = append(opts, embedding.WithBaseURL(s.URL))
		}
		if s.Model != "" {
			opts = append(opts, embedding.WithModel(s.Model))
		}
		if s.Dim > 0 {
			opts = append(opts, embedding.WithDimensions(s.Dim))
		}
		if s.Timeout > 0 {
			opts = append(opts, embedding.WithTimeout(s.Timeout))
		}
		return embedding.NewRemoteEmbedder(opts...), nil
	default:
		return nil, fmt.Errorf("unknown embedder kind %q (want %s or %s)", s.Kind, EmbedderEnvelope, EmbedderRemote)
	}
}

// newIndexManager builds the index manager for the database at dbPath.
// Dumps live in the ann/ directory next to the database file.
func newIndexManager(dbPath string, s config.IndexSettings, dim int, logger *logging.Logger) (*annindex.Manager, error) {
	compression, err := annindex.ParseCompression(s.Compression)
	if err != nil {
		return nil, err
	}
	params := hnsw.Config{
		Dim:            dim,
		M:              s.M,
		EfConstruction: s.EfConstruction,
		EfSearch:       s.EfSearch,
	}
	return annindex.NewManager(config.IndexDirFor(dbPath), params,
		annindex.WithLogger(logger),
		annindex.WithCompression(compression),
		annindex.WithFlushPolicy(s.FlushMinInserts, s.FlushInterval),
	)
}

// runtimeEnv bundles what most commands need.
type runtimeEnv struct {
	settings *config.Settings
	dbPath   string
	db       *storage.DB
	logger   *logging.Logger
	embedder embedding.Embedder
	index    *annindex.Manager
}

// mustSetup resolves settings, database, embedder and index, exits on error.
// The caller is responsible for calling Close() on env.db.
func mustSetup(explicitDB string) *runtimeEnv {
	s := mustLoadSettings()
	env := &runtimeEnv{settings: s, logger: mustLogger()}
	env.dbPath = mustResolveDBPath(explicitDB, s)

	emb, err := newEmbedder(s.Embedder)
	if err != nil {
		exitWithError(ExitConfigError, "%v", err)
	}
	env.embedder = emb

	idx, err := newIndexManager(env.dbPath, s.Index, emb.Dimensions(), env.logger)
	if err != nil {
		exitWithError(ExitConfigError, "creating index manager: %v", err)
	}
	env.index = idx
	env.db = mustOpenDatabase(env.dbPath)
	return env
}

// setup is mustSetup for commands that report every failure on stderr with
// ExitError. The caller is responsible for calling Close() on env.db.
func setup(explicitDB string) (*runtimeEnv, error) {
	s, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	if explicitDB == "" {
		explicitDB = dbFlag
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}
	dbPath, err := config.ResolveDBPath(explicitDB, s, cwd)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}
	emb, err := newEmbedder(s.Embedder)
	if err != nil {
		return nil, err
	}
	idx, err := newIndexManager(dbPath, s.Index, emb.Dimensions(), logger)
	if err != nil {
		return nil, fmt.Errorf("creating index manager: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := storage.OpenDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &runtimeEnv{settings: s, dbPath: dbPath, db: db, logger: logger, embedder: emb, index: idx}, nil
}

// newDecoder returns the decoder used for analysis.
func newDecoder() audio.Decoder {
	return audio.NewWAVDecoder()
}

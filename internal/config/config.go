package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/montage/config.json"
	defaultParallel   = 2
	defaultQueueSize  = 64
)

// Config holds user-editable settings for the engine and its services.
type Config struct {
	Processing Processing      `json:"processing"`
	Logging    Logging         `json:"logging"`
	Paths      Paths           `json:"paths"`
	Storage    Storage         `json:"storage"`
	Alignment  AlignmentConfig `json:"alignment"`
	Server     Server          `json:"server"`
	Watch      Watch           `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
	QueueSize    int `json:"queue_size"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Storage selects the SQLite driver: "sqlite" (pure Go) or "sqlite3" (cgo).
type Storage struct {
	Driver string `json:"driver"`
}

// AlignmentConfig holds the engine defaults used when a job does not
// override them.
type AlignmentConfig struct {
	Workers    int     `json:"workers"`
	Extractor  string  `json:"extractor"` // sift
	Intra      Params  `json:"intra"`
	CrossLayer Params  `json:"cross_layer"`
	Options    Options `json:"options"`
}

// Params mirrors the engine parameters with model families spelled by name.
type Params struct {
	MaxOctaveSize        int     `json:"max_octave_size"`
	MinOctaveSize        int     `json:"min_octave_size"`
	Rod                  float64 `json:"rod"`
	MaxEpsilon           float64 `json:"max_epsilon"`
	MinInlierRatio       float64 `json:"min_inlier_ratio"`
	MinMatchMultiplier   int     `json:"min_match_multiplier"`
	MaxTrust             float64 `json:"max_trust"`
	RansacIterations     int     `json:"ransac_iterations"`
	ExpectedModel        string  `json:"expected_model"`
	DesiredModel         string  `json:"desired_model"`
	Regularize           bool    `json:"regularize"`
	RegularizerModel     string  `json:"regularizer_model"`
	Lambda               float64 `json:"lambda"`
	MaxIterations        int     `json:"max_iterations"`
	ConvergenceTolerance float64 `json:"convergence_tolerance"`
	Seed                 int64   `json:"seed"`
}

// Options mirrors the engine run options.
type Options struct {
	TilesAreInPlace    bool `json:"tiles_are_in_place"`
	LargestGraphOnly   bool `json:"largest_graph_only"`
	HideDisconnected   bool `json:"hide_disconnected"`
	DeleteDisconnected bool `json:"delete_disconnected"`
	Deform             bool `json:"deform"`
	VirtualConnections bool `json:"virtual_connections"`
}

// Server holds listen addresses; an empty address disables that surface.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Watch configures the project file watcher.
type Watch struct {
	DebounceMS int `json:"debounce_ms"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("MONTAGE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path over the defaults. A missing
// file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %v", expanded, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", expanded, err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1")
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	intra := Params{
		MaxOctaveSize:        1024,
		MinOctaveSize:        64,
		Rod:                  0.92,
		MaxEpsilon:           25,
		MinInlierRatio:       0.05,
		MinMatchMultiplier:   3,
		MaxTrust:             4,
		RansacIterations:     1000,
		ExpectedModel:        "rigid",
		DesiredModel:         "rigid",
		RegularizerModel:     "rigid",
		Lambda:               0.1,
		MaxIterations:        2000,
		ConvergenceTolerance: 0.01,
		Seed:                 1,
	}
	cross := intra
	cross.MaxEpsilon = 50

	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    defaultQueueSize,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "montage.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Alignment: AlignmentConfig{
			Extractor:  "sift",
			Intra:      intra,
			CrossLayer: cross,
			Options:    Options{TilesAreInPlace: true},
		},
		Server: Server{
			HTTPAddr: ":8700",
			GRPCAddr: ":8701",
		},
		Watch: Watch{DebounceMS: 500},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

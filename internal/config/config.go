// Package config loads scrubd settings: built-in defaults, then the JSON file
// at $XDG_CONFIG_HOME/scrubd/config.json, then SCRUBD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Watch    WatchConfig
	Pipeline PipelineConfig
	Detect   DetectConfig
	Extract  ExtractConfig
	Sign     SignConfig
	Policy   PolicyConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
	// GRPCHealthPort is the gRPC health listener; 0 disables it.
	GRPCHealthPort int
	MaxConnections int
}

type StorageConfig struct {
	DataDir string
}

type WatchConfig struct {
	InboxDir string
	Debounce time.Duration
}

type PipelineConfig struct {
	// MaxWorkers caps the pool; the actual size is min(NumCPU, MaxWorkers).
	MaxWorkers   int
	StageTimeout time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	LedgerHold   time.Duration
	MaxJobAge    time.Duration
	RequeueDelay time.Duration
}

type DetectConfig struct {
	NERURL     string
	NEREnabled bool
}

type ExtractConfig struct {
	TesseractPath string
	// PdftoppmPath renders scanned PDF pages for OCR and flattening.
	PdftoppmPath string
	OCRDPI       int
}

type SignConfig struct {
	KeyPath string
}

type PolicyConfig struct {
	// File is an optional YAML or JSON policy used to seed version 1.
	File string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4100,
			MaxConnections: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Watch: WatchConfig{
			Debounce: 1500 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			MaxWorkers:   4,
			StageTimeout: 2 * time.Minute,
			MaxAttempts:  3,
			BackoffBase:  time.Second,
			BackoffMax:   30 * time.Second,
			LedgerHold:   5 * time.Minute,
			MaxJobAge:    24 * time.Hour,
			RequeueDelay: 30 * time.Second,
		},
		Detect: DetectConfig{
			NERURL:     "http://127.0.0.1:8601",
			NEREnabled: true,
		},
		Extract: ExtractConfig{
			TesseractPath: "tesseract",
			PdftoppmPath:  "pdftoppm",
			OCRDPI:        300,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the config file and environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Paths derived from the data dir follow it unless set explicitly.
	if cfg.Watch.InboxDir == "" {
		cfg.Watch.InboxDir = filepath.Join(cfg.Storage.DataDir, "inbox")
	}
	if cfg.Sign.KeyPath == "" {
		cfg.Sign.KeyPath = filepath.Join(cfg.Storage.DataDir, "keys", "signing_key.pem")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCHealthPort < 0 || c.Server.GRPCHealthPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_health_port %d out of range", c.Server.GRPCHealthPort))
	}
	if c.Server.GRPCHealthPort != 0 && c.Server.GRPCHealthPort == c.Server.Port {
		errs = append(errs, errors.New("server.grpc_health_port must differ from server.port"))
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, errors.New("server.max_connections must be at least 1"))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Pipeline.MaxWorkers < 1 {
		errs = append(errs, errors.New("pipeline.max_workers must be at least 1"))
	}
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.max_attempts must be at least 1"))
	}
	if c.Extract.OCRDPI < 72 || c.Extract.OCRDPI > 1200 {
		errs = append(errs, fmt.Errorf("extract.ocr_dpi %d must be between 72 and 1200", c.Extract.OCRDPI))
	}
	for name, d := range map[string]time.Duration{
		"watch.debounce":         c.Watch.Debounce,
		"pipeline.stage_timeout": c.Pipeline.StageTimeout,
		"pipeline.backoff_base":  c.Pipeline.BackoffBase,
		"pipeline.backoff_max":   c.Pipeline.BackoffMax,
		"pipeline.ledger_hold":   c.Pipeline.LedgerHold,
		"pipeline.max_job_age":   c.Pipeline.MaxJobAge,
		"pipeline.requeue_delay": c.Pipeline.RequeueDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Pipeline.BackoffMax < c.Pipeline.BackoffBase {
		errs = append(errs, errors.New("pipeline.backoff_max must not be below pipeline.backoff_base"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Paths are the working directories under the data dir.
type Paths struct {
	Processing string
	Rejected   string
	DeadLetter string
	Archive    string
	Originals  string
	Duplicates string
	Keys       string
}

func (c Config) Paths() Paths {
	d := c.Storage.DataDir
	return Paths{
		Processing: filepath.Join(d, "processing"),
		Rejected:   filepath.Join(d, "rejected"),
		DeadLetter: filepath.Join(d, "dead-letter"),
		Archive:    filepath.Join(d, "archive"),
		Originals:  filepath.Join(d, "originals"),
		Duplicates: filepath.Join(d, "duplicates"),
		Keys:       filepath.Join(d, "keys"),
	}
}

// All lists every working directory, for creation at startup.
func (p Paths) All() []string {
	return []string{p.Processing, p.Rejected, p.DeadLetter, p.Archive, p.Originals, p.Duplicates, p.Keys}
}

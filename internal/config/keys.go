package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SCRUBD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.grpc_health_port", typ: kInt, env: "SCRUBD_SERVER_GRPC_HEALTH_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.GRPCHealthPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.GRPCHealthPort },
	},
	{
		key: "server.max_connections", typ: kInt, env: "SCRUBD_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SCRUBD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "watch.inbox_dir", typ: kString, env: "SCRUBD_WATCH_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Watch.InboxDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Watch.InboxDir },
	},
	{
		key: "watch.debounce", typ: kDuration, env: "SCRUBD_WATCH_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Watch.Debounce = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watch.Debounce },
	},
	{
		key: "pipeline.max_workers", typ: kInt, env: "SCRUBD_PIPELINE_MAX_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxWorkers },
	},
	{
		key: "pipeline.stage_timeout", typ: kDuration, env: "SCRUBD_PIPELINE_STAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageTimeout },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "SCRUBD_PIPELINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.backoff_base", typ: kDuration, env: "SCRUBD_PIPELINE_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.BackoffBase },
	},
	{
		key: "pipeline.backoff_max", typ: kDuration, env: "SCRUBD_PIPELINE_BACKOFF_MAX",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BackoffMax = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.BackoffMax },
	},
	{
		key: "pipeline.ledger_hold", typ: kDuration, env: "SCRUBD_PIPELINE_LEDGER_HOLD",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.LedgerHold = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.LedgerHold },
	},
	{
		key: "pipeline.max_job_age", typ: kDuration, env: "SCRUBD_PIPELINE_MAX_JOB_AGE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxJobAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxJobAge },
	},
	{
		key: "pipeline.requeue_delay", typ: kDuration, env: "SCRUBD_PIPELINE_REQUEUE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.RequeueDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.RequeueDelay },
	},
	{
		key: "detect.ner_url", typ: kString, env: "SCRUBD_DETECT_NER_URL",
		apply:   func(cfg *Config, v any) { cfg.Detect.NERURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Detect.NERURL },
	},
	{
		key: "detect.ner_enabled", typ: kBool, env: "SCRUBD_DETECT_NER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Detect.NEREnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Detect.NEREnabled },
	},
	{
		key: "extract.tesseract_path", typ: kString, env: "SCRUBD_EXTRACT_TESSERACT_PATH",
		apply:   func(cfg *Config, v any) { cfg.Extract.TesseractPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Extract.TesseractPath },
	},
	{
		key: "extract.pdftoppm_path", typ: kString, env: "SCRUBD_EXTRACT_PDFTOPPM_PATH",
		apply:   func(cfg *Config, v any) { cfg.Extract.PdftoppmPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Extract.PdftoppmPath },
	},
	{
		key: "extract.ocr_dpi", typ: kInt, env: "SCRUBD_EXTRACT_OCR_DPI",
		apply:   func(cfg *Config, v any) { cfg.Extract.OCRDPI = v.(int) },
		extract: func(cfg Config) any { return cfg.Extract.OCRDPI },
	},
	{
		key: "sign.key_path", typ: kString, env: "SCRUBD_SIGN_KEY_PATH",
		apply:   func(cfg *Config, v any) { cfg.Sign.KeyPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Sign.KeyPath },
	},
	{
		key: "policy.file", typ: kString, env: "SCRUBD_POLICY_FILE",
		apply:   func(cfg *Config, v any) { cfg.Policy.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Policy.File },
	},
	{
		key: "log.level", typ: kString, env: "SCRUBD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text to the key's declared type.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

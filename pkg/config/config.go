// Package config loads process configuration from an optional YAML file
// and MLGATE_* environment variables. Environment values win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/mlgate/pkg/archive"
	"github.com/Mindburn-Labs/mlgate/pkg/observability"
)

type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text | json

	PolicyPath string `yaml:"policy_path"`

	StoreDriver string `yaml:"store_driver"` // sqlite | postgres; empty keeps the trail in memory
	StoreDSN    string `yaml:"store_dsn"`

	// SigningKey is key material the Ed25519 receipt key is derived from.
	SigningKey   string `yaml:"-"`
	SigningKeyID string `yaml:"signing_key_id"`

	ArchiveKind     string `yaml:"archive_kind"`
	ArchiveDir      string `yaml:"archive_dir"`
	ArchiveBucket   string `yaml:"archive_bucket"`
	ArchivePrefix   string `yaml:"archive_prefix"`
	ArchiveRegion   string `yaml:"archive_region"`
	ArchiveEndpoint string `yaml:"archive_endpoint"`

	RedisURL      string `yaml:"redis_url"`
	ReceiptStream string `yaml:"receipt_stream"`
	ReviewStream  string `yaml:"review_stream"`

	OTelEnabled  bool    `yaml:"otel_enabled"`
	OTelEndpoint string  `yaml:"otel_endpoint"`
	OTelInsecure bool    `yaml:"otel_insecure"`
	OTelSample   float64 `yaml:"otel_sample_rate"`

	GateTimeout time.Duration `yaml:"gate_timeout"`
	MaxWorkers  int           `yaml:"max_workers"`

	NotifyRatePerSecond float64 `yaml:"notify_rate_per_second"`
	NotifyBurst         int     `yaml:"notify_burst"`
}

func defaults() *Config {
	return &Config{
		LogLevel:            "INFO",
		LogFormat:           "text",
		SigningKeyID:        "mlgate-default",
		ArchiveKind:         string(archive.KindFS),
		ArchiveDir:          "data/archive",
		OTelEndpoint:        "localhost:4317",
		OTelSample:          1.0,
		GateTimeout:         30 * time.Second,
		MaxWorkers:          4,
		NotifyRatePerSecond: 10,
		NotifyBurst:         20,
	}
}

// Load reads MLGATE_CONFIG (if set) and then the environment.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("MLGATE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("MLGATE_LOG_LEVEL", &c.LogLevel)
	str("MLGATE_LOG_FORMAT", &c.LogFormat)
	str("MLGATE_POLICY", &c.PolicyPath)
	str("MLGATE_STORE_DRIVER", &c.StoreDriver)
	str("MLGATE_STORE_DSN", &c.StoreDSN)
	str("MLGATE_SIGNING_KEY", &c.SigningKey)
	str("MLGATE_SIGNING_KEY_ID", &c.SigningKeyID)
	str("MLGATE_ARCHIVE", &c.ArchiveKind)
	str("MLGATE_ARCHIVE_DIR", &c.ArchiveDir)
	str("MLGATE_ARCHIVE_BUCKET", &c.ArchiveBucket)
	str("MLGATE_ARCHIVE_PREFIX", &c.ArchivePrefix)
	str("MLGATE_ARCHIVE_REGION", &c.ArchiveRegion)
	str("MLGATE_ARCHIVE_ENDPOINT", &c.ArchiveEndpoint)
	str("MLGATE_REDIS_URL", &c.RedisURL)
	str("MLGATE_RECEIPT_STREAM", &c.ReceiptStream)
	str("MLGATE_REVIEW_STREAM", &c.ReviewStream)
	str("MLGATE_OTEL_ENDPOINT", &c.OTelEndpoint)

	var errs []error
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	boolean("MLGATE_OTEL_ENABLED", &c.OTelEnabled)
	boolean("MLGATE_OTEL_INSECURE", &c.OTelInsecure)

	if v := os.Getenv("MLGATE_OTEL_SAMPLE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: MLGATE_OTEL_SAMPLE_RATE: %w", err))
		} else {
			c.OTelSample = f
		}
	}
	if v := os.Getenv("MLGATE_GATE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: MLGATE_GATE_TIMEOUT: %w", err))
		} else {
			c.GateTimeout = d
		}
	}
	if v := os.Getenv("MLGATE_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: MLGATE_MAX_WORKERS: %w", err))
		} else {
			c.MaxWorkers = n
		}
	}
	if v := os.Getenv("MLGATE_NOTIFY_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: MLGATE_NOTIFY_RATE: %w", err))
		} else {
			c.NotifyRatePerSecond = f
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log format %q must be text or json", c.LogFormat))
	}
	switch c.StoreDriver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported store driver %q", c.StoreDriver))
	}
	if c.StoreDriver != "" && c.StoreDSN == "" {
		errs = append(errs, errors.New("config: store dsn is required when a store driver is set"))
	}
	if c.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("config: max workers must be at least 1, got %d", c.MaxWorkers))
	}
	if c.GateTimeout < 0 {
		errs = append(errs, errors.New("config: gate timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return l, nil
}

func (c *Config) ArchiveOptions() archive.Options {
	return archive.Options{
		Kind:     archive.Kind(c.ArchiveKind),
		Dir:      c.ArchiveDir,
		Bucket:   c.ArchiveBucket,
		Prefix:   c.ArchivePrefix,
		Region:   c.ArchiveRegion,
		Endpoint: c.ArchiveEndpoint,
	}
}

func (c *Config) Observability() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.OTelEnabled
	oc.OTLPEndpoint = c.OTelEndpoint
	oc.Insecure = c.OTelInsecure
	oc.SampleRate = c.OTelSample
	return oc
}

// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/editalwatch/discovery/internal/logging"
	"github.com/editalwatch/discovery/internal/normalize"
	"github.com/editalwatch/discovery/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. DISCOVERY_STORE_DSN.
const EnvPrefix = "DISCOVERY"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging     logging.Config   `mapstructure:"logging"`
	HTTP        HTTPConfig       `mapstructure:"http"`
	Headless    HeadlessConfig   `mapstructure:"headless"`
	Politeness  PolitenessConfig `mapstructure:"politeness"`
	Extract     ExtractConfig    `mapstructure:"extract"`
	Normalize   NormalizeConfig  `mapstructure:"normalize"`
	Blocking    BlockingConfig   `mapstructure:"blocking"`
	Alerts      AlertsConfig     `mapstructure:"alerts"`
	Run         RunConfig        `mapstructure:"run"`
	Store       StoreConfig      `mapstructure:"store"`
	Archive     ArchiveConfig    `mapstructure:"archive"`
	Publish     PublishConfig    `mapstructure:"publish"`
	Server      ServerConfig     `mapstructure:"server"`
	Tracing     TracingConfig    `mapstructure:"tracing"`
	SourcesFile string           `mapstructure:"sources_file"`
}

// HTTPConfig bounds every static fetch.
type HTTPConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
	MaxRedirects int           `mapstructure:"max_redirects"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	DomainQPS          float64       `mapstructure:"domain_qps"`
	ExecPath           string        `mapstructure:"exec_path"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// PolitenessConfig drives robots.txt, the shared limiter and retries.
type PolitenessConfig struct {
	RespectRobots  bool          `mapstructure:"respect_robots"`
	RobotsTimeout  time.Duration `mapstructure:"robots_timeout"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Jitter         time.Duration `mapstructure:"jitter"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// ExtractConfig sets the usable-document threshold.
type ExtractConfig struct {
	MinChars int `mapstructure:"min_chars"`
}

// NormalizeConfig holds the swappable subject table.
type NormalizeConfig struct {
	ChunkSize     int                 `mapstructure:"chunk_size"`
	DefaultBucket string              `mapstructure:"default_bucket"`
	Subjects      []normalize.Subject `mapstructure:"subjects"`
}

// BlockingConfig tunes block detection and escalation.
type BlockingConfig struct {
	Patterns        []string `mapstructure:"patterns"`
	DenyHosts       []string `mapstructure:"deny_hosts"`
	ReviewThreshold int      `mapstructure:"review_threshold"`
}

// AlertsConfig controls the derived alert view.
type AlertsConfig struct {
	Window     time.Duration        `mapstructure:"window"`
	Lookback   time.Duration        `mapstructure:"lookback"`
	Thresholds telemetry.Thresholds `mapstructure:"thresholds"`
}

// RunConfig bounds discovery runs.
type RunConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	Batches    int           `mapstructure:"batches"`
	Interval   time.Duration `mapstructure:"interval"`
	QueueDepth int           `mapstructure:"queue_depth"`
	Workers    int           `mapstructure:"workers"`
}

// StoreConfig selects the relational store.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects where raw documents are archived.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PublishConfig selects the downstream handoff channel.
type PublishConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	Ordered   bool   `mapstructure:"ordered"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TracingConfig toggles the OpenTelemetry provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from an optional .env file, the config file at path
// and DISCOVERY_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.user_agent", "editalwatch-discovery/1.0 (+https://github.com/editalwatch/discovery)")
	v.SetDefault("http.timeout", "20s")
	v.SetDefault("http.max_bytes", 25<<20)
	v.SetDefault("http.max_redirects", 5)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.domain_qps", 0.5)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("politeness.respect_robots", true)
	v.SetDefault("politeness.robots_timeout", "10s")
	v.SetDefault("politeness.base_delay", "1s")
	v.SetDefault("politeness.jitter", "1s")
	v.SetDefault("politeness.retry_attempts", 3)
	v.SetDefault("politeness.retry_base_delay", "500ms")
	v.SetDefault("extract.min_chars", 50)
	v.SetDefault("normalize.chunk_size", normalize.DefaultChunkSize)
	v.SetDefault("normalize.default_bucket", normalize.DefaultBucket)
	v.SetDefault("blocking.review_threshold", telemetry.DefaultReviewThreshold)
	v.SetDefault("alerts.window", telemetry.DefaultWindow.String())
	v.SetDefault("alerts.lookback", "24h")
	v.SetDefault("alerts.thresholds.critical_blocked", telemetry.DefaultThresholds.CriticalBlocked)
	v.SetDefault("alerts.thresholds.warning_blocked", telemetry.DefaultThresholds.WarningBlocked)
	v.SetDefault("alerts.thresholds.warning_error", telemetry.DefaultThresholds.WarningError)
	v.SetDefault("run.timeout", "2h")
	v.SetDefault("run.batches", 1)
	v.SetDefault("run.interval", "6h")
	v.SetDefault("run.queue_depth", 16)
	v.SetDefault("run.workers", 1)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "data/discovery.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("publish.driver", "none")
	v.SetDefault("publish.topic", "contests")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "discovery")
	v.SetDefault("sources_file", "sources.yaml")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.HTTP.Timeout <= 0:
		return errors.New("http.timeout must be > 0")
	case c.HTTP.MaxBytes <= 0:
		return errors.New("http.max_bytes must be > 0")
	case c.Politeness.RetryAttempts <= 0:
		return errors.New("politeness.retry_attempts must be > 0")
	case c.Politeness.BaseDelay < 0 || c.Politeness.Jitter < 0:
		return errors.New("politeness delays must be >= 0")
	case c.Headless.Enabled && c.Headless.NavTimeout <= 0:
		return errors.New("headless.nav_timeout must be > 0 when headless is enabled")
	case c.Blocking.ReviewThreshold <= 0:
		return errors.New("blocking.review_threshold must be > 0")
	case c.Alerts.Window <= 0:
		return errors.New("alerts.window must be > 0")
	case c.Run.Batches <= 0:
		return errors.New("run.batches must be > 0")
	case c.SourcesFile == "":
		return errors.New("sources_file is required")
	}
	for _, s := range c.Normalize.Subjects {
		if s.Name == "" || len(s.Keywords) == 0 {
			return fmt.Errorf("normalize.subjects: %q needs a name and keywords", s.Name)
		}
	}
	if err := oneOf("store.driver", c.Store.Driver, "postgres", "sqlite"); err != nil {
		return err
	}
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if err := oneOf("archive.driver", c.Archive.Driver, "none", "local", "gcs", "memory"); err != nil {
		return err
	}
	if c.Archive.Driver == "gcs" && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required for the gcs driver")
	}
	if err := oneOf("publish.driver", c.Publish.Driver, "none", "memory", "pubsub"); err != nil {
		return err
	}
	if c.Publish.Driver == "pubsub" && (c.Publish.ProjectID == "" || c.Publish.Topic == "") {
		return errors.New("publish.project_id and publish.topic are required for the pubsub driver")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}

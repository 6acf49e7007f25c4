// Package config loads and validates retriever configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
)

// EnvPrefix is prepended to every environment override, e.g.
// WAYBACK_DOWNLOAD_CONCURRENCY=8.
const EnvPrefix = "WAYBACK"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Download  DownloadConfig  `mapstructure:"download"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Report    ReportConfig    `mapstructure:"report"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// ArchiveConfig points at the index and replay hosts.
type ArchiveConfig struct {
	CDXEndpoint string `mapstructure:"cdx_endpoint" validate:"required,url"`
	Host        string `mapstructure:"host" validate:"required,url"`
	UserAgent   string `mapstructure:"user_agent" validate:"required"`
}

// DownloadConfig governs the scheduler.
type DownloadConfig struct {
	// OutputDir defaults to wayback-downloads/<host> when empty.
	OutputDir         string        `mapstructure:"output_dir"`
	Concurrency       int           `mapstructure:"concurrency" validate:"min=1,max=64"`
	RetryAttempts     int           `mapstructure:"retry_attempts" validate:"min=1"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" validate:"gte=0"`
	RetryFailed       bool          `mapstructure:"retry_failed"`
	RetryPassAttempts int           `mapstructure:"retry_pass_attempts" validate:"min=1"`
	RetryPassTimeout  time.Duration `mapstructure:"retry_pass_timeout" validate:"gt=0"`
	ContentTypes      []string      `mapstructure:"content_types"`
}

// DiscoveryConfig bounds the CDX queries.
type DiscoveryConfig struct {
	From  string `mapstructure:"from" validate:"omitempty,numeric,max=14"`
	To    string `mapstructure:"to" validate:"omitempty,numeric,max=14"`
	Limit int    `mapstructure:"limit" validate:"gte=0"`
}

// RateLimitConfig paces requests per host. Zero RPS disables pacing.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" validate:"gte=0"`
	Burst int     `mapstructure:"burst" validate:"gte=0"`
}

// CacheConfig selects the CDX page cache.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend" validate:"oneof=memory redis none"`
	RedisAddr string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// StorageConfig selects where downloaded files land.
type StorageConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=local gcs"`
	GCSBucket string `mapstructure:"gcs_bucket" validate:"required_if=Backend gcs"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// ReportConfig controls run report persistence.
type ReportConfig struct {
	WriteFile   bool   `mapstructure:"write_file"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RunsTable   string `mapstructure:"runs_table"`
	TasksTable  string `mapstructure:"tasks_table"`
}

// NotifyConfig holds Pub/Sub settings for run completion events.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic" validate:"required_with=ProjectID"`
}

// ServerConfig controls the status server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// LogConfig toggles zap development features and HTTP tracing.
type LogConfig struct {
	Development bool `mapstructure:"development"`
	HTTPDebug   bool `mapstructure:"http_debug"`
}

// Load builds a Config from defaults, an optional file, and the environment.
func Load(path string) (Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is Load with command-line flags bound over everything else.
// The map is keyed by config key, e.g. "download.concurrency".
func LoadWithFlags(path string, flags map[string]*pflag.Flag) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

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
	v.SetDefault("archive.cdx_endpoint", archive.DefaultCDXEndpoint)
	v.SetDefault("archive.host", archive.DefaultHost)
	v.SetDefault("archive.user_agent", archive.DefaultUserAgent)
	v.SetDefault("download.output_dir", "")
	v.SetDefault("download.concurrency", 5)
	v.SetDefault("download.retry_attempts", 3)
	v.SetDefault("download.timeout", "30s")
	v.SetDefault("download.backoff_base", "1s")
	v.SetDefault("download.retry_failed", false)
	v.SetDefault("download.retry_pass_attempts", 5)
	v.SetDefault("download.retry_pass_timeout", "60s")
	v.SetDefault("download.content_types", []string{})
	v.SetDefault("discovery.from", "")
	v.SetDefault("discovery.to", "")
	v.SetDefault("discovery.limit", 0)
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "")
	v.SetDefault("report.write_file", true)
	v.SetDefault("report.postgres_dsn", "")
	v.SetDefault("report.runs_table", "wayback_runs")
	v.SetDefault("report.tasks_table", "wayback_tasks")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("server.addr", "")
	v.SetDefault("log.development", true)
	v.SetDefault("log.http_debug", false)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	vd := validator.New(validator.WithRequiredStructEnabled())
	vd.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return vd
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			msg := fmt.Sprintf("%s failed %q", key, fe.Tag())
			if fe.Param() != "" {
				msg += fmt.Sprintf(" (%s)", fe.Param())
			}
			msgs = append(msgs, msg)
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if c.Discovery.From != "" && c.Discovery.To != "" && padTimestamp(c.Discovery.To) < padTimestamp(c.Discovery.From) {
		return fmt.Errorf("invalid config: discovery.to %s is before discovery.from %s", c.Discovery.To, c.Discovery.From)
	}
	return nil
}

// padTimestamp right-pads a partial 14-digit timestamp with zeros so that
// prefixes compare chronologically.
func padTimestamp(ts string) string {
	return ts + strings.Repeat("0", 14-len(ts))
}

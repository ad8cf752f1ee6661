// Package config loads and validates application configuration from
// defaults, an optional YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when read from the environment.
const EnvPrefix = "SHIRUSHI"

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int           `mapstructure:"port"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	MaxRequestBodyBytes int64         `mapstructure:"max_request_body_bytes"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"` // 0 waits for in-flight requests indefinitely.

	// Database settings.
	DatabasePath string `mapstructure:"database_path"`

	// Gateway settings.
	GatewayURL     string        `mapstructure:"gateway_url"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
	GatewayInfoTTL time.Duration `mapstructure:"gateway_info_ttl"`

	// Resolution settings.
	MaxImageBytes          int64         `mapstructure:"max_image_bytes"`
	MaxManifestBytes       int64         `mapstructure:"max_manifest_bytes"`
	FetchTimeout           time.Duration `mapstructure:"fetch_timeout"`
	AllowInsecureReference bool          `mapstructure:"allow_insecure_reference"` // Permits http:// and private addresses. Local development only.
	EnableByReference      bool          `mapstructure:"enable_by_reference"`

	// Qdrant settings. Similarity mirroring is disabled when QdrantURL is empty.
	QdrantURL        string `mapstructure:"qdrant_url"`
	QdrantAPIKey     string `mapstructure:"qdrant_api_key"`
	QdrantCollection string `mapstructure:"qdrant_collection"`

	// OTEL settings.
	OTELEndpoint string `mapstructure:"otel_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	OTELInsecure bool   `mapstructure:"otel_insecure"`

	// Rate limiting on /v1/matches/*.
	RateLimitEnabled bool    `mapstructure:"rate_limit_enabled"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`

	// Operational settings.
	LogLevel string `mapstructure:"log_level"`
}

// Conventional variable names accepted alongside the prefixed ones.
var envAliases = map[string]string{
	"database_path":  "DATABASE_PATH",
	"otel_endpoint":  "OTEL_EXPORTER_OTLP_ENDPOINT",
	"service_name":   "OTEL_SERVICE_NAME",
	"qdrant_url":     "QDRANT_URL",
	"qdrant_api_key": "QDRANT_API_KEY",
	"gateway_url":    "AR_IO_GATEWAY_URL",
}

// Load reads configuration with precedence env > config file > defaults.
// path may be empty, in which case no file is read.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key), alias); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("read_timeout", 30*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)
	v.SetDefault("max_request_body_bytes", 1<<20)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("database_path", "data/shirushi.db")

	v.SetDefault("gateway_url", "http://localhost:3000")
	v.SetDefault("gateway_timeout", 10*time.Second)
	v.SetDefault("gateway_info_ttl", 5*time.Minute)

	v.SetDefault("max_image_bytes", 10<<20)
	v.SetDefault("max_manifest_bytes", 50<<20)
	v.SetDefault("fetch_timeout", 10*time.Second)
	v.SetDefault("allow_insecure_reference", false)
	v.SetDefault("enable_by_reference", false)

	v.SetDefault("qdrant_url", "")
	v.SetDefault("qdrant_api_key", "")
	v.SetDefault("qdrant_collection", "shirushi_manifests")

	v.SetDefault("otel_endpoint", "")
	v.SetDefault("service_name", "shirushi")
	v.SetDefault("otel_insecure", false)

	v.SetDefault("rate_limit_enabled", true)
	v.SetDefault("rate_limit_rps", 10.0)
	v.SetDefault("rate_limit_burst", 20)

	v.SetDefault("log_level", "info")
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: port %d out of range", c.Port))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("config: database_path is required"))
	}
	if u, err := url.Parse(c.GatewayURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("config: gateway_url %q must be an absolute http(s) URL", c.GatewayURL))
	}
	for name, d := range map[string]time.Duration{
		"read_timeout":    c.ReadTimeout,
		"write_timeout":   c.WriteTimeout,
		"gateway_timeout": c.GatewayTimeout,
		"fetch_timeout":   c.FetchTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("config: shutdown_timeout must not be negative"))
	}
	if c.MaxImageBytes <= 0 {
		errs = append(errs, errors.New("config: max_image_bytes must be positive"))
	}
	if c.MaxManifestBytes <= 0 {
		errs = append(errs, errors.New("config: max_manifest_bytes must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("config: max_request_body_bytes must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("config: rate_limit_rps and rate_limit_burst must be positive when rate limiting is enabled"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLogLevel maps debug|info|warn|error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log_level %q", s)
	}
}

// Package config loads the gateway daemon's configuration from an optional
// YAML file layered under GATEWAY_* environment variables. Credential
// fields support strict ${VAR} expansion.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig configures the operator HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RateLimitConfig configures the shared outbound rate limiter.
type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window" validate:"gt=0"`
	MaxRequests int64         `mapstructure:"max_requests" validate:"gt=0"`

	// FailurePolicy is fail-open or fail-closed.
	FailurePolicy string `mapstructure:"failure_policy" validate:"oneof=fail-open fail-closed"`
}

// RedisConfig configures the distributed counter store. An empty URL selects
// the in-memory store.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// TelemetryConfig selects the OpenTelemetry exporters.
type TelemetryConfig struct {
	// MetricsExporter is otlp, stdout, or none.
	MetricsExporter string `mapstructure:"metrics_exporter" validate:"oneof=otlp stdout none"`

	// TracesExporter is stdout or none.
	TracesExporter string `mapstructure:"traces_exporter" validate:"oneof=stdout none"`

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("ratelimit.window", 15*time.Minute)
	v.SetDefault("ratelimit.max_requests", 100)
	v.SetDefault("ratelimit.failure_policy", "fail-open")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "ratelimit:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("telemetry.metrics_exporter", "none")
	v.SetDefault("telemetry.traces_exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
}

var validate = validator.New()

// Load reads configuration from path (optional) and the GATEWAY_*
// environment. Environment variables win over file values; for example
// GATEWAY_REDIS_URL overrides redis.url.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.expandSecrets(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandSecrets runs strict ${VAR} expansion over the credential-bearing
// fields.
func (c *Config) expandSecrets() error {
	for _, field := range []*string{&c.Redis.URL, &c.Redis.Password} {
		expanded, err := ExpandEnvStrict(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	return nil
}

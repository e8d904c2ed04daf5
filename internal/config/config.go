// Package config loads server configuration from YAML, .env and the environment
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gregolly/identity-shield-sdk/internal/audit"
	"github.com/gregolly/identity-shield-sdk/risk"
)

// Config holds all server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	Audit     AuditConfig     `yaml:"audit"`
	Risk      RiskConfig      `yaml:"risk"`
	Token     TokenConfig     `yaml:"token"`
	Tracing   TracingConfig   `yaml:"tracing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Gate      GateConfig      `yaml:"gate"`
}

type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// RedisConfig enables the shared device history when URL is set
type RedisConfig struct {
	URL       string        `yaml:"url"`
	DeviceTTL time.Duration `yaml:"device_ttl"`
}

type AuditConfig struct {
	Enabled       bool              `yaml:"enabled"`
	PublishReview bool              `yaml:"publish_review"`
	Kafka         audit.KafkaConfig `yaml:"kafka"`
}

type RiskConfig struct {
	Thresholds risk.Thresholds `yaml:"thresholds"`
	Rules      map[string]bool `yaml:"rules"`
	Params     risk.Params     `yaml:"params"`
}

// TokenConfig enables signed decision tokens when Secret is set
type TokenConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Version  string `yaml:"version"`
}

type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

type GateConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults
const (
	DefaultPort      = "3000"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultTopic     = "identity-shield.risk"
)

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           DefaultPort,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: 30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Redis: RedisConfig{
			DeviceTTL: 90 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Kafka: audit.KafkaConfig{Topic: DefaultTopic},
		},
		Risk: RiskConfig{
			Thresholds: risk.DefaultThresholds(),
			Params:     risk.DefaultParams(),
		},
		Token: TokenConfig{
			TTL: 5 * time.Minute,
		},
		Tracing: TracingConfig{
			Version: "dev",
		},
		RateLimit: RateLimitConfig{
			Window:      time.Minute,
			MaxRequests: 60,
		},
		Gate: GateConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads path (optional), then .env, then environment overrides.
// ${VAR} references in the YAML are expanded before parsing.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Token.Secret = getEnv("TOKEN_SECRET", c.Token.Secret)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Audit.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Audit.Kafka.Topic)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Audit.Kafka.Brokers = splitList(brokers)
		c.Audit.Enabled = true
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.MaxRequests = n
		}
	}
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	if err := c.Risk.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Risk.Params.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name := range c.Risk.Rules {
		if _, ok := risk.DefaultImpacts[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q", risk.ErrUnknownRule, name))
		}
	}

	if c.Token.Secret != "" && len(c.Token.Secret) < 16 {
		errs = append(errs, errors.New("token.secret must be at least 16 bytes"))
	}
	if c.Audit.Enabled && (len(c.Audit.Kafka.Brokers) == 0 || c.Audit.Kafka.Topic == "") {
		errs = append(errs, errors.New("audit.kafka needs brokers and a topic when audit is enabled"))
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate_limit window and max_requests must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

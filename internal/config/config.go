// Package config provides configuration management for the URL intelligence service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/urlintel/internal/api/gateway"
	"github.com/lvonguyen/urlintel/internal/cache"
	"github.com/lvonguyen/urlintel/internal/enrichment"
	"github.com/lvonguyen/urlintel/internal/events"
	"github.com/lvonguyen/urlintel/internal/judge"
	"github.com/lvonguyen/urlintel/internal/observability"
	"github.com/lvonguyen/urlintel/internal/worker"
)

// Environment overrides.
const (
	redisHostEnv      = "REDIS_HOST"
	redisPortEnv      = "REDIS_PORT"
	kafkaBootstrapEnv = "KAFKA_BOOTSTRAP"
	cacheTTLHoursEnv  = "CACHE_TTL_HOURS"
	logLevelEnv       = "LOG_LEVEL"
)

// Event transports.
const (
	TransportKafka = "kafka"
	TransportHEC   = "hec"
)

// ErrInvalidConfig is matched by every ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError lists every problem found by Validate.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Redis     RedisConfig             `yaml:"redis"`
	Providers ProvidersConfig         `yaml:"providers"`
	AI        judge.Config            `yaml:"ai"`
	Pipeline  PipelineConfig          `yaml:"pipeline"`
	Events    EventsConfig            `yaml:"events"`
	Worker    worker.Options          `yaml:"worker"`
	RateLimit gateway.RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig           `yaml:"logging"`
	Tracing   TracingConfig           `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// InitRetryInterval is the pause between failed initialization attempts.
	InitRetryInterval time.Duration `yaml:"init_retry_interval"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Cache returns the cache connection settings with the password resolved.
func (r RedisConfig) Cache() cache.Config {
	cfg := cache.Config{
		Host: r.Host,
		Port: r.Port,
		DB:   r.DB,
		TTL:  r.CacheTTL,
	}
	if r.PasswordEnv != "" {
		cfg.Password = os.Getenv(r.PasswordEnv)
	}
	return cfg
}

// ProvidersConfig holds lookup provider settings.
type ProvidersConfig struct {
	Registration enrichment.ProviderConfig `yaml:"registration"`
	Reputation   enrichment.ProviderConfig `yaml:"reputation"`
	Sandbox      enrichment.SandboxConfig  `yaml:"sandbox"`
}

// PipelineConfig bounds one enrichment run, from fan-out to publication.
type PipelineConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// EventsConfig selects and configures the event bus transport.
type EventsConfig struct {
	Transport      string             `yaml:"transport"` // kafka, hec
	PublishTimeout time.Duration      `yaml:"publish_timeout"`
	Kafka          events.KafkaConfig `yaml:"kafka"`
	HEC            events.HECConfig   `yaml:"hec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Load reads configuration from a YAML file over the defaults and applies
// environment overrides. An empty path uses defaults only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.applyBackendDefaults()

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      110 * time.Second,
			RequestTimeout:    100 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			InitRetryInterval: 5 * time.Second,
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        6379,
			PasswordEnv: "REDIS_PASSWORD",
			CacheTTL:    cache.DefaultTTL,
		},
		Providers: ProvidersConfig{
			Registration: enrichment.DefaultRegistrationConfig(),
			Reputation:   enrichment.DefaultReputationConfig(),
			Sandbox:      enrichment.DefaultSandboxConfig(),
		},
		AI:       judge.DefaultConfig(),
		Pipeline: PipelineConfig{Timeout: 90 * time.Second},
		Events: EventsConfig{
			Transport:      TransportKafka,
			PublishTimeout: 5 * time.Second,
			Kafka: events.KafkaConfig{
				Brokers:      []string{"localhost:9092"},
				BatchTimeout: 10 * time.Millisecond,
			},
			HEC: events.DefaultHECConfig(),
		},
		Worker: worker.Options{
			Workers:     8,
			QueueSize:   256,
			TaskTimeout: 2 * time.Minute,
		},
		RateLimit: gateway.DefaultRateLimitConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 0.1,
		},
	}
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(redisHostEnv); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv(redisPortEnv); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", redisPortEnv, err)
		}
		c.Redis.Port = port
	}
	if v := os.Getenv(kafkaBootstrapEnv); v != "" {
		c.Events.Kafka.Brokers = events.ParseBrokers(v)
	}
	if v := os.Getenv(cacheTTLHoursEnv); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", cacheTTLHoursEnv, err)
		}
		c.Redis.CacheTTL = time.Duration(hours) * time.Hour
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// applyBackendDefaults points the AI key at OPENAI_API_KEY when the OpenAI
// backend is selected without an explicit key variable.
func (c *Config) applyBackendDefaults() {
	if strings.EqualFold(c.AI.Backend, "openai") && (c.AI.APIKeyEnv == "" || c.AI.APIKeyEnv == judge.DefaultConfig().APIKeyEnv) {
		c.AI.APIKeyEnv = "OPENAI_API_KEY"
		if c.AI.Model == judge.DefaultConfig().Model {
			c.AI.Model = "gpt-4o-mini"
		}
	}
}

// Validate reports every missing credential and inconsistent setting.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Redis.Host == "" {
		problems = append(problems, "redis.host is required")
	}
	if c.Redis.CacheTTL <= 0 {
		problems = append(problems, "redis.cache_ttl must be positive")
	}
	if c.Providers.Reputation.ResolveAPIKey() == "" {
		problems = append(problems, missingKey("reputation", c.Providers.Reputation.APIKeyEnv))
	}
	if c.Providers.Sandbox.ResolveAPIKey() == "" {
		problems = append(problems, missingKey("sandbox", c.Providers.Sandbox.APIKeyEnv))
	}
	if c.AI.ResolveAPIKey() == "" {
		problems = append(problems, missingKey("ai", c.AI.APIKeyEnv))
	}

	problems = append(problems, c.timeoutProblems()...)

	switch strings.ToLower(c.Events.Transport) {
	case TransportKafka:
		if len(c.Events.Kafka.Brokers) == 0 {
			problems = append(problems, "events.kafka.brokers is required")
		}
	case TransportHEC:
		if c.Events.HEC.HECURL == "" {
			problems = append(problems, "events.hec.hec_url is required")
		}
		if c.Events.HEC.Token == "" && os.Getenv(c.Events.HEC.TokenEnv) == "" {
			problems = append(problems, missingKey("events.hec", c.Events.HEC.TokenEnv))
		}
	default:
		problems = append(problems, fmt.Sprintf("events.transport %q is not one of kafka, hec", c.Events.Transport))
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// timeoutProblems checks that each stage fits in the stage that contains it:
// providers and the judge in the pipeline, the pipeline in a request and a
// worker task, a request in the server write timeout.
func (c *Config) timeoutProblems() []string {
	var problems []string

	pipeline := c.Pipeline.Timeout
	if pipeline <= 0 {
		return append(problems, "pipeline.timeout must be positive")
	}

	lookup := max(
		c.Providers.Registration.Budget(),
		c.Providers.Reputation.Budget(),
		c.Providers.Sandbox.Budget(),
	)
	if need := lookup + c.AI.Timeout; pipeline < need {
		problems = append(problems, fmt.Sprintf("pipeline.timeout %v is shorter than the slowest provider plus ai.timeout (%v)", pipeline, need))
	}
	if c.Server.RequestTimeout > 0 && c.Server.RequestTimeout <= pipeline {
		problems = append(problems, fmt.Sprintf("server.request_timeout %v must exceed pipeline.timeout %v", c.Server.RequestTimeout, pipeline))
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Server.RequestTimeout {
		problems = append(problems, fmt.Sprintf("server.write_timeout %v must exceed server.request_timeout %v", c.Server.WriteTimeout, c.Server.RequestTimeout))
	}
	if t := c.Worker.TaskTimeout; t > 0 && t < pipeline {
		problems = append(problems, fmt.Sprintf("worker.task_timeout %v is shorter than pipeline.timeout %v", t, pipeline))
	}
	return problems
}

// Telemetry returns the observability settings for this service.
func (c *Config) Telemetry(version string) observability.Config {
	return observability.Config{
		ServiceName:    "urlintel",
		ServiceVersion: version,
		Environment:    os.Getenv("ENVIRONMENT"),
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
		TracingEnabled: c.Tracing.Enabled,
		OTLPEndpoint:   c.Tracing.OTLPEndpoint,
		SamplingRate:   c.Tracing.SamplingRate,
	}
}

func missingKey(component, env string) string {
	if env == "" {
		return component + ": api key not configured"
	}
	return fmt.Sprintf("%s: api key not found in env var %s", component, env)
}

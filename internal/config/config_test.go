package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"VIRUSTOTAL_API_KEY", "URLSCAN_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY",
		"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "KAFKA_BOOTSTRAP", "CACHE_TTL_HOURS",
		"LOG_LEVEL", "SPLUNK_HEC_TOKEN",
	} {
		t.Setenv(name, "")
	}
}

func setKeys(t *testing.T) {
	t.Helper()
	t.Setenv("VIRUSTOTAL_API_KEY", "vt")
	t.Setenv("URLSCAN_API_KEY", "us")
	t.Setenv("GEMINI_API_KEY", "gm")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Redis.CacheTTL != 24*time.Hour {
		t.Errorf("expected 24h cache TTL, got %v", cfg.Redis.CacheTTL)
	}
	if cfg.Providers.Reputation.APIKeyEnv != "VIRUSTOTAL_API_KEY" {
		t.Errorf("unexpected reputation key env %q", cfg.Providers.Reputation.APIKeyEnv)
	}
	if cfg.Providers.Sandbox.PollAttempts != 6 || cfg.Providers.Sandbox.PollInterval != 5*time.Second {
		t.Errorf("unexpected sandbox polling %d x %v", cfg.Providers.Sandbox.PollAttempts, cfg.Providers.Sandbox.PollInterval)
	}
	if cfg.Events.Transport != TransportKafka {
		t.Errorf("expected kafka transport, got %q", cfg.Events.Transport)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9090
redis:
  host: redis.internal
  cache_ttl: 2h
providers:
  sandbox:
    poll_attempts: 3
    poll_interval: 1s
events:
  transport: hec
  hec:
    hec_url: https://splunk.example:8088
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("CACHE_TTL_HOURS", "12")
	t.Setenv("KAFKA_BOOTSTRAP", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port from file, got %d", cfg.Server.Port)
	}
	if cfg.Redis.Host != "redis.internal" || cfg.Redis.Port != 6380 {
		t.Errorf("unexpected redis %s:%d", cfg.Redis.Host, cfg.Redis.Port)
	}
	if cfg.Redis.CacheTTL != 12*time.Hour {
		t.Errorf("expected env TTL to win, got %v", cfg.Redis.CacheTTL)
	}
	if cfg.Providers.Sandbox.PollAttempts != 3 || cfg.Providers.Sandbox.PollInterval != time.Second {
		t.Errorf("unexpected sandbox polling %d x %v", cfg.Providers.Sandbox.PollAttempts, cfg.Providers.Sandbox.PollInterval)
	}
	if cfg.Providers.Sandbox.APIKeyEnv != "URLSCAN_API_KEY" {
		t.Errorf("expected default key env to survive a partial override, got %q", cfg.Providers.Sandbox.APIKeyEnv)
	}
	if len(cfg.Events.Kafka.Brokers) != 2 {
		t.Errorf("unexpected brokers %v", cfg.Events.Kafka.Brokers)
	}
	if cfg.Events.HEC.HECURL != "https://splunk.example:8088" {
		t.Errorf("unexpected hec url %q", cfg.Events.HEC.HECURL)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected env log level, got %q", cfg.Logging.Level)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	t.Setenv("REDIS_PORT", "not-a-port")
	if _, err := Load(""); err == nil {
		t.Error("expected error for bad REDIS_PORT")
	}
}

func TestLoad_OpenAIBackendDefaults(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("ai:\n  backend: openai\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AI.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("expected OPENAI_API_KEY, got %q", cfg.AI.APIKeyEnv)
	}
	if cfg.AI.Model != "gpt-4o-mini" {
		t.Errorf("expected openai default model, got %q", cfg.AI.Model)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	setKeys(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_ReportsEveryMissingCredential(t *testing.T) {
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Events.Transport = TransportHEC

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	// reputation, sandbox, ai, hec url, hec token
	if len(cfgErr.Problems) != 5 {
		t.Errorf("expected 5 problems, got %d: %v", len(cfgErr.Problems), cfgErr.Problems)
	}
}

func TestValidate_UnknownTransport(t *testing.T) {
	clearEnv(t)
	setKeys(t)

	cfg := DefaultConfig()
	cfg.Events.Transport = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestValidate_TimeoutOrdering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"request shorter than pipeline", func(c *Config) { c.Server.RequestTimeout = 60 * time.Second }, "server.request_timeout"},
		{"write not above request", func(c *Config) { c.Server.WriteTimeout = c.Server.RequestTimeout }, "server.write_timeout"},
		{"pipeline shorter than sandbox plus ai", func(c *Config) {
			c.Providers.Sandbox.ScanTimeout = 2 * time.Minute
		}, "pipeline.timeout"},
		{"task shorter than pipeline", func(c *Config) { c.Worker.TaskTimeout = 30 * time.Second }, "worker.task_timeout"},
		{"no pipeline bound", func(c *Config) { c.Pipeline.Timeout = 0 }, "pipeline.timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setKeys(t)

			cfg := DefaultConfig()
			tt.mutate(cfg)

			var cfgErr *ConfigError
			if !errors.As(cfg.Validate(), &cfgErr) {
				t.Fatalf("expected *ConfigError")
			}
			found := false
			for _, p := range cfgErr.Problems {
				if strings.Contains(p, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected a problem mentioning %q, got %v", tt.want, cfgErr.Problems)
			}
		})
	}
}

func TestDefaultConfig_RequestOutlastsPipeline(t *testing.T) {
	cfg := DefaultConfig()

	need := cfg.Providers.Sandbox.Budget() + cfg.AI.Timeout
	if cfg.Pipeline.Timeout < need {
		t.Errorf("pipeline timeout %v below sandbox plus ai %v", cfg.Pipeline.Timeout, need)
	}
	if cfg.Server.RequestTimeout <= cfg.Pipeline.Timeout {
		t.Errorf("request timeout %v must exceed pipeline timeout %v", cfg.Server.RequestTimeout, cfg.Pipeline.Timeout)
	}
	if cfg.Server.WriteTimeout <= cfg.Server.RequestTimeout {
		t.Errorf("write timeout %v must exceed request timeout %v", cfg.Server.WriteTimeout, cfg.Server.RequestTimeout)
	}
}

func TestRedisConfig_Cache(t *testing.T) {
	t.Setenv("REDIS_PASSWORD", "s3cret")

	c := DefaultConfig().Redis.Cache()
	if c.Addr() != "localhost:6379" {
		t.Errorf("unexpected addr %s", c.Addr())
	}
	if c.Password != "s3cret" {
		t.Error("expected password from env")
	}
}

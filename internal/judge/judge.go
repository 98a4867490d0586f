// Package judge asks a reasoning service for a verdict over the combined
// provider evidence and tolerates malformed replies.
package judge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/enrichment"
)

// Name is the source label recorded when the judge contributes a verdict.
const Name = "ai"

// ErrUnknownBackend is returned for an unsupported reasoner backend.
var ErrUnknownBackend = errors.New("unknown reasoner backend")

// Reasoner sends one system and user message pair and returns the raw reply text.
type Reasoner interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config selects and configures the reasoner backend.
type Config struct {
	Backend     string        `yaml:"backend"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	APIKey      string        `yaml:"-"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// DefaultConfig returns defaults for the Gemini backend.
func DefaultConfig() Config {
	return Config{
		Backend:     "gemini",
		Model:       "gemini-2.5-flash",
		APIKeyEnv:   "GEMINI_API_KEY",
		Timeout:     30 * time.Second,
		Temperature: 0.3,
		MaxTokens:   500,
	}
}

// ResolveAPIKey returns the configured key, falling back to the named env var.
func (c Config) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// NewReasoner builds the backend named by cfg.Backend.
func NewReasoner(ctx context.Context, cfg Config) (Reasoner, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "gemini", "":
		return NewGemini(ctx, cfg)
	case "openai":
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}

// Judge produces AI verdicts. It never fails the pipeline: every failure
// yields the unknown verdict plus the error that caused it.
type Judge struct {
	reasoner Reasoner
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a judge over reasoner.
func New(reasoner Reasoner, timeout time.Duration, logger *zap.Logger) *Judge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Judge{
		reasoner: reasoner,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "judge")),
	}
}

// Name returns the source label.
func (j *Judge) Name() string {
	return Name
}

// Assess returns the parsed verdict. On failure it returns the unknown
// verdict with a diagnostic explanation together with a non-nil error.
func (j *Judge) Assess(ctx context.Context, in Input) (enrichment.AIVerdict, error) {
	if j == nil || j.reasoner == nil {
		err := errors.New("judge: no reasoner configured")
		return enrichment.UnknownVerdict(err.Error()), err
	}

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	reply, err := j.reasoner.Complete(ctx, SystemPrompt, BuildContext(in))
	if err != nil {
		j.logger.Warn("Reasoner call failed",
			zap.String("backend", j.reasoner.Name()),
			zap.String("url", in.URL),
			zap.Error(err))
		return enrichment.UnknownVerdict("AI verdict unavailable: " + err.Error()),
			fmt.Errorf("judge: %s: %w", j.reasoner.Name(), err)
	}

	verdict, err := ParseReply(reply)
	if err != nil {
		j.logger.Warn("Could not parse reasoner reply",
			zap.String("backend", j.reasoner.Name()),
			zap.String("url", in.URL),
			zap.String("reply_prefix", truncate(reply, 100)),
			zap.Error(err))
		return enrichment.UnknownVerdict("Failed to parse AI verdict"), err
	}

	return verdict, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

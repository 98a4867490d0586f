// Package enrichment provides the URL intelligence lookups and the records
// they contribute to.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// ErrMissingCredential is returned when a provider's API key is not configured.
var ErrMissingCredential = errors.New("missing provider credential")

// RegistrationLookup returns domain registration data for a registrable domain.
type RegistrationLookup interface {
	Name() string
	LookupRegistration(ctx context.Context, domain string) Result[Registration]
}

// ReputationLookup returns community and vendor votes for a URL.
type ReputationLookup interface {
	Name() string
	LookupReputation(ctx context.Context, url string) Result[Reputation]
}

// SandboxLookup submits a URL for dynamic analysis and returns its verdict.
type SandboxLookup interface {
	Name() string
	Scan(ctx context.Context, url string) Result[Sandbox]
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindNetwork     ErrorKind = "network"
	KindStatus      ErrorKind = "status"
	KindDecode      ErrorKind = "decode"
	KindPending     ErrorKind = "pending"
	KindUnsupported ErrorKind = "unsupported"
	KindRateLimited ErrorKind = "rate_limited"
)

// ProviderError is a non-fatal provider failure.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

func newProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func statusError(provider string, code int) *ProviderError {
	kind := KindStatus
	if code == http.StatusTooManyRequests {
		kind = KindRateLimited
	}
	return &ProviderError{Provider: provider, Kind: kind, StatusCode: code}
}

// transportError classifies an error returned by http.Client.Do.
func transportError(provider string, err error) *ProviderError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newProviderError(provider, KindTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return newProviderError(provider, KindTimeout, err)
	default:
		return newProviderError(provider, KindNetwork, err)
	}
}

// ProviderConfig holds common provider configuration.
type ProviderConfig struct {
	APIKeyEnv string        `yaml:"api_key_env"`
	APIKey    string        `yaml:"-"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	// RateLimit is requests per minute; zero disables client-side limiting.
	RateLimit int `yaml:"rate_limit"`
	Burst     int `yaml:"burst"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:   10 * time.Second,
		RateLimit: 60,
		Burst:     4,
	}
}

// ResolveAPIKey returns the configured key, falling back to the named env var.
func (c ProviderConfig) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

func (c ProviderConfig) limiter() *rate.Limiter {
	if c.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.RateLimit)), burst)
}

// Budget returns the bound on one call, limiter wait included.
func (c ProviderConfig) Budget() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Timeout
}

func (c ProviderConfig) httpClient() *http.Client {
	return &http.Client{Timeout: c.Budget()}
}

// waitLimiter blocks until the limiter admits a call or ctx ends. When ctx
// has a deadline the token would miss, it fails at once as rate limited.
func waitLimiter(ctx context.Context, provider string, l *rate.Limiter) *ProviderError {
	if err := l.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return newProviderError(provider, KindTimeout, ctx.Err())
		}
		return newProviderError(provider, KindRateLimited, err)
	}
	return nil
}

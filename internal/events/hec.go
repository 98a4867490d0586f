package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64         `json:"time,omitempty"`
	Host       string          `json:"host,omitempty"`
	Source     string          `json:"source,omitempty"`
	SourceType string          `json:"sourcetype,omitempty"`
	Index      string          `json:"index,omitempty"`
	Event      json.RawMessage `json:"event"`
	Fields     map[string]any  `json:"fields,omitempty"`
}

// HECConfig holds HEC sender configuration.
type HECConfig struct {
	HECURL     string        `yaml:"hec_url"`
	TokenEnv   string        `yaml:"token_env"`
	Token      string        `yaml:"-"`
	Index      string        `yaml:"index"`
	Source     string        `yaml:"source"`
	Host       string        `yaml:"host"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultHECConfig returns sensible defaults.
func DefaultHECConfig() HECConfig {
	return HECConfig{
		TokenEnv:   "SPLUNK_HEC_TOKEN",
		Index:      "urlintel",
		Source:     "urlintel",
		Timeout:    10 * time.Second,
		RetryCount: 2,
		RetryDelay: time.Second,
	}
}

// HECStats tracks sender metrics.
type HECStats struct {
	EventsSent   int64
	EventsFailed int64
	BytesSent    int64
	LastSendAt   time.Time
}

// HECSender is a Transport that posts events to a Splunk HTTP Event
// Collector. The topic becomes the sourcetype.
type HECSender struct {
	config     HECConfig
	token      string
	httpClient *http.Client
	mu         sync.RWMutex
	stats      HECStats
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config HECConfig) (*HECSender, error) {
	token := config.Token
	if token == "" && config.TokenEnv != "" {
		token = os.Getenv(config.TokenEnv)
	}
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}

	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &HECSender{
		config: config,
		token:  token,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Publish sends messages as newline-delimited HEC events.
func (s *HECSender) Publish(ctx context.Context, topic string, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}

	var buf bytes.Buffer
	now := float64(time.Now().UnixMilli()) / 1000
	for _, msg := range messages {
		fields := make(map[string]any, len(msg.Headers)+1)
		for k, v := range msg.Headers {
			fields[k] = v
		}
		fields["key"] = string(msg.Key)

		data, err := json.Marshal(HECEvent{
			Time:       now,
			Host:       s.config.Host,
			Source:     s.config.Source,
			SourceType: topic,
			Index:      s.config.Index,
			Event:      json.RawMessage(msg.Value),
			Fields:     fields,
		})
		if err != nil {
			return fmt.Errorf("encoding HEC event: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	return s.sendWithRetry(ctx, buf.Bytes(), len(messages))
}

// sendWithRetry sends data with quadratic backoff between attempts.
func (s *HECSender) sendWithRetry(ctx context.Context, data []byte, count int) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt*attempt)*s.config.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			s.mu.Lock()
			s.stats.EventsSent += int64(count)
			s.stats.BytesSent += int64(len(data))
			s.stats.LastSendAt = time.Now()
			s.mu.Unlock()
			return nil
		}
		lastErr = err
	}

	s.mu.Lock()
	s.stats.EventsFailed += int64(count)
	s.mu.Unlock()

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

// send performs the actual HTTP request.
func (s *HECSender) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() HECStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Ping verifies connectivity to Splunk HEC.
func (s *HECSender) Ping(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}

	return nil
}

// Close drops idle connections.
func (s *HECSender) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

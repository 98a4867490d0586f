package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const urlscanDefaultBaseURL = "https://urlscan.io"

// SandboxConfig holds urlscan.io-specific configuration.
type SandboxConfig struct {
	ProviderConfig `yaml:",inline"`
	Visibility     string        `yaml:"visibility"`
	PollAttempts   int           `yaml:"poll_attempts"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	// ScanTimeout bounds a whole scan, polling included.
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

const defaultScanTimeout = 45 * time.Second

// Budget returns the bound on one scan.
func (c SandboxConfig) Budget() time.Duration {
	if c.ScanTimeout <= 0 {
		return defaultScanTimeout
	}
	return c.ScanTimeout
}

// DefaultSandboxConfig returns sensible defaults for urlscan.io.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		ProviderConfig: ProviderConfig{
			APIKeyEnv: "URLSCAN_API_KEY",
			BaseURL:   urlscanDefaultBaseURL,
			Timeout:   10 * time.Second,
			RateLimit: 60,
			Burst:     2,
		},
		Visibility:   "public",
		PollAttempts: 6,
		PollInterval: 5 * time.Second,
		ScanTimeout:  defaultScanTimeout,
	}
}

// SandboxProvider implements SandboxLookup against urlscan.io.
type SandboxProvider struct {
	config     SandboxConfig
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSandboxProvider creates a urlscan.io provider.
func NewSandboxProvider(config SandboxConfig) (*SandboxProvider, error) {
	apiKey := config.ResolveAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("urlscan api key not found in env var %s: %w", config.APIKeyEnv, ErrMissingCredential)
	}

	if config.BaseURL == "" {
		config.BaseURL = urlscanDefaultBaseURL
	}
	if config.Visibility == "" {
		config.Visibility = "public"
	}
	if config.PollAttempts <= 0 {
		config.PollAttempts = 6
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}

	return &SandboxProvider{
		config:     config,
		apiKey:     apiKey,
		httpClient: config.httpClient(),
		limiter:    config.limiter(),
	}, nil
}

// Name returns the provider identifier.
func (p *SandboxProvider) Name() string {
	return "sandbox"
}

// Scan submits rawURL and polls for the finished result. Exhausting the poll
// attempts reports a pending error; running out of ScanTimeout a timeout.
func (p *SandboxProvider) Scan(ctx context.Context, rawURL string) Result[Sandbox] {
	ctx, cancel := context.WithTimeout(ctx, p.config.Budget())
	defer cancel()

	if perr := waitLimiter(ctx, p.Name(), p.limiter); perr != nil {
		return Unavailable[Sandbox](p.Name(), perr)
	}

	sub, perr := p.submit(ctx, rawURL)
	if perr != nil {
		return Unavailable[Sandbox](p.Name(), perr)
	}

	resultURL := sub.API
	if resultURL == "" {
		resultURL = strings.TrimSuffix(p.config.BaseURL, "/") + "/api/v1/result/" + sub.UUID + "/"
	}

	for attempt := 0; attempt < p.config.PollAttempts; attempt++ {
		if err := sleepCtx(ctx, p.config.PollInterval); err != nil {
			return Unavailable[Sandbox](p.Name(), newProviderError(p.Name(), KindTimeout, err))
		}

		result, done, perr := p.fetchResult(ctx, resultURL)
		if perr != nil {
			return Unavailable[Sandbox](p.Name(), perr)
		}
		if done {
			data := result.toSandbox()
			if data.ReportURL == "" {
				data.ReportURL = sub.Result
			}
			return Result[Sandbox]{Provider: p.Name(), Data: data, Available: true}
		}
	}

	return Unavailable[Sandbox](p.Name(),
		newProviderError(p.Name(), KindPending, fmt.Errorf("scan %s not finished after %d polls", sub.UUID, p.config.PollAttempts)))
}

func (p *SandboxProvider) submit(ctx context.Context, rawURL string) (*urlscanSubmission, *ProviderError) {
	payload, err := json.Marshal(map[string]string{
		"url":        rawURL,
		"visibility": p.config.Visibility,
	})
	if err != nil {
		return nil, newProviderError(p.Name(), KindDecode, err)
	}

	endpoint := strings.TrimSuffix(p.config.BaseURL, "/") + "/api/v1/scan/"
	req, err := p.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, newProviderError(p.Name(), KindNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, transportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, statusError(p.Name(), resp.StatusCode)
	}

	var sub urlscanSubmission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, newProviderError(p.Name(), KindDecode, err)
	}
	if sub.UUID == "" && sub.API == "" {
		return nil, newProviderError(p.Name(), KindDecode, fmt.Errorf("submission response without result reference"))
	}
	return &sub, nil
}

// fetchResult reports done=false while the scan is still running (404).
func (p *SandboxProvider) fetchResult(ctx context.Context, resultURL string) (*urlscanResult, bool, *ProviderError) {
	req, err := p.newRequest(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, false, newProviderError(p.Name(), KindNetwork, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, false, transportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, false, statusError(p.Name(), resp.StatusCode)
	}

	var result urlscanResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, newProviderError(p.Name(), KindDecode, err)
	}
	return &result, true, nil
}

func (p *SandboxProvider) newRequest(ctx context.Context, method, fullURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("API-Key", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	return req, nil
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

// urlscan.io API response types

type urlscanSubmission struct {
	UUID   string `json:"uuid"`
	Result string `json:"result"`
	API    string `json:"api"`
}

type urlscanResult struct {
	Task struct {
		ReportURL     string `json:"reportURL"`
		ScreenshotURL string `json:"screenshotURL"`
	} `json:"task"`
	Page struct {
		IP  string `json:"ip"`
		ASN string `json:"asn"`
	} `json:"page"`
	Verdicts struct {
		Overall struct {
			Score int `json:"score"`
		} `json:"overall"`
		URLScan struct {
			Brands []urlscanBrand `json:"brands"`
		} `json:"urlscan"`
	} `json:"verdicts"`
}

// urlscanBrand accepts both the bare string and the object form of a brand.
type urlscanBrand string

func (b *urlscanBrand) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = urlscanBrand(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*b = urlscanBrand(obj.Name)
	return nil
}

func (r urlscanResult) toSandbox() Sandbox {
	score := r.Verdicts.Overall.Score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	s := Sandbox{
		Score:         score,
		ScreenshotURL: r.Task.ScreenshotURL,
		IP:            r.Page.IP,
		ASN:           r.Page.ASN,
		ReportURL:     r.Task.ReportURL,
	}
	for _, b := range r.Verdicts.URLScan.Brands {
		if b != "" {
			s.Brands = append(s.Brands, string(b))
		}
	}
	return s
}

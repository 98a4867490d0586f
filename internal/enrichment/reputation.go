package enrichment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	vtDefaultBaseURL = "https://www.virustotal.com"
	vtAPIPath        = "/api/v3"

	userAgent = "urlintel/1.0"
)

// ReputationProvider implements ReputationLookup against the VirusTotal v3 API.
type ReputationProvider struct {
	config     ProviderConfig
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// DefaultReputationConfig returns defaults for VirusTotal. The public API
// allows 4 requests per minute.
func DefaultReputationConfig() ProviderConfig {
	return ProviderConfig{
		APIKeyEnv: "VIRUSTOTAL_API_KEY",
		BaseURL:   vtDefaultBaseURL,
		Timeout:   10 * time.Second,
		RateLimit: 4,
		Burst:     4,
	}
}

// NewReputationProvider creates a VirusTotal provider.
func NewReputationProvider(config ProviderConfig) (*ReputationProvider, error) {
	apiKey := config.ResolveAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("virustotal api key not found in env var %s: %w", config.APIKeyEnv, ErrMissingCredential)
	}

	if config.BaseURL == "" {
		config.BaseURL = vtDefaultBaseURL
	}

	return &ReputationProvider{
		config:     config,
		apiKey:     apiKey,
		httpClient: config.httpClient(),
		limiter:    config.limiter(),
	}, nil
}

// Name returns the provider identifier.
func (p *ReputationProvider) Name() string {
	return "reputation"
}

// LookupReputation fetches the URL report. An unknown URL is submitted for
// analysis and reported as pending. Lookup and submission share one timeout.
func (p *ReputationProvider) LookupReputation(ctx context.Context, rawURL string) Result[Reputation] {
	ctx, cancel := context.WithTimeout(ctx, p.config.Budget())
	defer cancel()

	if perr := waitLimiter(ctx, p.Name(), p.limiter); perr != nil {
		return Unavailable[Reputation](p.Name(), perr)
	}

	req, err := p.newRequest(ctx, http.MethodGet, "/urls/"+URLIdentifier(rawURL), nil)
	if err != nil {
		return Unavailable[Reputation](p.Name(), newProviderError(p.Name(), KindNetwork, err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Unavailable[Reputation](p.Name(), transportError(p.Name(), err))
	}
	defer resp.Body.Close()

	// 404 means VirusTotal has never seen the URL
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return Unavailable[Reputation](p.Name(), p.submit(ctx, rawURL))
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Unavailable[Reputation](p.Name(), statusError(p.Name(), resp.StatusCode))
	}

	var report vtURLReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return Unavailable[Reputation](p.Name(), newProviderError(p.Name(), KindDecode, err))
	}

	return Result[Reputation]{
		Provider:  p.Name(),
		Data:      report.toReputation(),
		Available: true,
	}
}

// submit queues the URL for analysis. The returned error is always non-nil:
// pending on success, the submission failure otherwise.
func (p *ReputationProvider) submit(ctx context.Context, rawURL string) *ProviderError {
	form := url.Values{"url": {rawURL}}
	req, err := p.newRequest(ctx, http.MethodPost, "/urls", strings.NewReader(form.Encode()))
	if err != nil {
		return newProviderError(p.Name(), KindNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return transportError(p.Name(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusError(p.Name(), resp.StatusCode)
	}
	return newProviderError(p.Name(), KindPending, fmt.Errorf("url submitted for analysis"))
}

// newRequest creates an authenticated VirusTotal API request.
func (p *ReputationProvider) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + vtAPIPath + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("x-apikey", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	return req, nil
}

// URLIdentifier returns the VirusTotal URL id: unpadded url-safe base64 of the URL.
func URLIdentifier(rawURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rawURL))
}

// VirusTotal API response types

type vtURLReport struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
			Reputation       int               `json:"reputation"`
			Categories       map[string]string `json:"categories"`
			LastAnalysisDate int64             `json:"last_analysis_date"`
		} `json:"attributes"`
	} `json:"data"`
}

func (r vtURLReport) toReputation() Reputation {
	attrs := r.Data.Attributes
	rep := Reputation{
		MaliciousVotes:  attrs.LastAnalysisStats.Malicious,
		SuspiciousVotes: attrs.LastAnalysisStats.Suspicious,
		HarmlessVotes:   attrs.LastAnalysisStats.Harmless,
		UndetectedVotes: attrs.LastAnalysisStats.Undetected,
		CommunityScore:  attrs.Reputation,
		Categories:      uniqueSorted(attrs.Categories),
	}
	if attrs.LastAnalysisDate > 0 {
		t := time.Unix(attrs.LastAnalysisDate, 0).UTC()
		rep.LastAnalysisDate = &t
	}
	return rep
}

// uniqueSorted returns the distinct category labels assigned by vendors.
func uniqueSorted(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(m))
	out := make([]string, 0, len(m))
	for _, v := range m {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

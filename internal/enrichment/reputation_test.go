package enrichment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Provider Creation Tests
// =============================================================================

// TestNewReputationProvider_MissingAPIKey verifies that creating a provider
// without an API key in the environment returns ErrMissingCredential.
func TestNewReputationProvider_MissingAPIKey(t *testing.T) {
	t.Setenv("TEST_VT_KEY", "")

	config := DefaultReputationConfig()
	config.APIKeyEnv = "TEST_VT_KEY"

	_, err := NewReputationProvider(config)
	if err == nil {
		t.Fatal("NewReputationProvider should fail when API key env var is empty")
	}
	if !errors.Is(err, ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential, got: %v", err)
	}
	if !strings.Contains(err.Error(), "TEST_VT_KEY") {
		t.Errorf("error should name the env var, got: %v", err)
	}
}

// TestNewReputationProvider_KeyFromEnv verifies the key is read from the named env var.
func TestNewReputationProvider_KeyFromEnv(t *testing.T) {
	t.Setenv("TEST_VT_KEY", "env-key")

	config := DefaultReputationConfig()
	config.APIKeyEnv = "TEST_VT_KEY"
	config.BaseURL = ""

	provider, err := NewReputationProvider(config)
	if err != nil {
		t.Fatalf("NewReputationProvider should succeed: %v", err)
	}
	if provider.apiKey != "env-key" {
		t.Errorf("expected env key, got %q", provider.apiKey)
	}
	if provider.config.BaseURL != vtDefaultBaseURL {
		t.Errorf("expected default base URL %q, got %q", vtDefaultBaseURL, provider.config.BaseURL)
	}
	if provider.Name() != "reputation" {
		t.Errorf("expected name 'reputation', got %q", provider.Name())
	}
}

func newTestReputationProvider(t *testing.T, baseURL string) *ReputationProvider {
	t.Helper()
	config := DefaultReputationConfig()
	config.APIKey = "test-api-key"
	config.BaseURL = baseURL
	config.RateLimit = 0
	provider, err := NewReputationProvider(config)
	if err != nil {
		t.Fatalf("NewReputationProvider: %v", err)
	}
	return provider
}

// =============================================================================
// Lookup Tests
// =============================================================================

// TestLookupReputation_Found verifies a report is mapped into the reputation payload.
func TestLookupReputation_Found(t *testing.T) {
	target := "https://evil.example/login"
	wantPath := "/api/v3/urls/" + URLIdentifier(target)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wantPath {
			t.Errorf("expected path %s, got %s", wantPath, r.URL.Path)
		}
		if r.Header.Get("x-apikey") != "test-api-key" {
			t.Errorf("expected API key header, got %q", r.Header.Get("x-apikey"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": {
				"id": "abc",
				"attributes": {
					"last_analysis_stats": {"malicious": 7, "suspicious": 2, "harmless": 60, "undetected": 11},
					"reputation": -12,
					"categories": {"Forcepoint": "phishing", "Sophos": "phishing", "BitDefender": "malware"},
					"last_analysis_date": 1700000000
				}
			}
		}`))
	}))
	defer server.Close()

	provider := newTestReputationProvider(t, server.URL)
	result := provider.LookupReputation(context.Background(), target)

	if !result.Available {
		t.Fatalf("expected available result, got error: %v", result.Err)
	}
	rep := result.Data
	if rep.MaliciousVotes != 7 || rep.SuspiciousVotes != 2 || rep.HarmlessVotes != 60 || rep.UndetectedVotes != 11 {
		t.Errorf("unexpected votes: %+v", rep)
	}
	if rep.CommunityScore != -12 {
		t.Errorf("expected community score -12, got %d", rep.CommunityScore)
	}
	if len(rep.Categories) != 2 || rep.Categories[0] != "malware" || rep.Categories[1] != "phishing" {
		t.Errorf("expected deduplicated sorted categories, got %v", rep.Categories)
	}
	if rep.LastAnalysisDate == nil || !rep.LastAnalysisDate.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected last analysis date: %v", rep.LastAnalysisDate)
	}
}

// TestLookupReputation_NotFoundSubmits verifies an unknown URL is submitted
// and reported as pending rather than harmless.
func TestLookupReputation_NotFoundSubmits(t *testing.T) {
	var submitted int32
	target := "https://new.example/"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v3/urls":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.PostForm.Get("url") != target {
				t.Errorf("expected submitted url %q, got %q", target, r.PostForm.Get("url"))
			}
			atomic.AddInt32(&submitted, 1)
			w.Write([]byte(`{"data": {"type": "analysis", "id": "u-1"}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	provider := newTestReputationProvider(t, server.URL)
	result := provider.LookupReputation(context.Background(), target)

	if result.Available {
		t.Fatal("pending lookup must not be available")
	}
	if result.Err == nil || result.Err.Kind != KindPending {
		t.Errorf("expected pending error, got %v", result.Err)
	}
	if atomic.LoadInt32(&submitted) != 1 {
		t.Errorf("expected one submission, got %d", submitted)
	}
}

// TestLookupReputation_StatusErrors verifies non-200 responses are classified.
func TestLookupReputation_StatusErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindStatus},
		{http.StatusInternalServerError, KindStatus},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		provider := newTestReputationProvider(t, server.URL)
		result := provider.LookupReputation(context.Background(), "https://a.example/")
		server.Close()

		if result.Available {
			t.Errorf("status %d: expected unavailable result", tt.status)
			continue
		}
		if result.Err.Kind != tt.kind || result.Err.StatusCode != tt.status {
			t.Errorf("status %d: expected kind %s, got %+v", tt.status, tt.kind, result.Err)
		}
	}
}

// TestLookupReputation_MalformedJSON verifies decode failures are reported.
func TestLookupReputation_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [`))
	}))
	defer server.Close()

	provider := newTestReputationProvider(t, server.URL)
	result := provider.LookupReputation(context.Background(), "https://a.example/")

	if result.Available || result.Err == nil || result.Err.Kind != KindDecode {
		t.Errorf("expected decode error, got %+v", result)
	}
}

// TestLookupReputation_Timeout verifies a slow provider yields a timeout error.
func TestLookupReputation_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	config := DefaultReputationConfig()
	config.APIKey = "k"
	config.BaseURL = server.URL
	config.Timeout = 50 * time.Millisecond
	config.RateLimit = 0
	provider, err := NewReputationProvider(config)
	if err != nil {
		t.Fatal(err)
	}

	result := provider.LookupReputation(context.Background(), "https://slow.example/")
	if result.Available || result.Err == nil || result.Err.Kind != KindTimeout {
		t.Errorf("expected timeout error, got %+v", result.Err)
	}
}

// TestURLIdentifier verifies the unpadded url-safe encoding.
func TestURLIdentifier(t *testing.T) {
	got := URLIdentifier("http://example.com/")
	if strings.ContainsAny(got, "=+/") {
		t.Errorf("identifier must be unpadded url-safe base64, got %q", got)
	}
	if got != "aHR0cDovL2V4YW1wbGUuY29tLw" {
		t.Errorf("unexpected identifier %q", got)
	}
}

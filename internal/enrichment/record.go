package enrichment

import (
	"time"
)

// Priority selects the execution mode of an enrichment request.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Synchronous reports whether the full pipeline runs on the caller's request.
func (p Priority) Synchronous() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// Verdict is the categorical risk classification of a URL.
type Verdict string

const (
	VerdictSafe       Verdict = "safe"
	VerdictSuspicious Verdict = "suspicious"
	VerdictMalicious  Verdict = "malicious"
	VerdictUnknown    Verdict = "unknown"

	// VerdictPending only ever appears on placeholder records.
	VerdictPending Verdict = "pending"
)

// ParseVerdict maps a free-form verdict string to a known verdict.
// Pending is not accepted.
func ParseVerdict(s string) (Verdict, bool) {
	switch v := Verdict(s); v {
	case VerdictSafe, VerdictSuspicious, VerdictMalicious, VerdictUnknown:
		return v, true
	}
	return "", false
}

// Request is an inbound enrichment request. URL must already be normalized.
type Request struct {
	URL         string   `json:"url"`
	Priority    Priority `json:"priority"`
	Source      string   `json:"source"`
	SubmitterID string   `json:"submitter_id,omitempty"`
}

// Registration is the domain registration payload.
type Registration struct {
	Registrar      string     `json:"registrar,omitempty"`
	CreationDate   *time.Time `json:"creation_date,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	NameServers    []string   `json:"name_servers,omitempty"`
	// AgeDays is nil when the creation date is unknown.
	AgeDays *int `json:"domain_age_days,omitempty"`
}

// Reputation is the community/vendor vote payload.
type Reputation struct {
	MaliciousVotes   int        `json:"malicious_votes"`
	SuspiciousVotes  int        `json:"suspicious_votes"`
	HarmlessVotes    int        `json:"harmless_votes"`
	UndetectedVotes  int        `json:"undetected_votes"`
	CommunityScore   int        `json:"community_score"`
	Categories       []string   `json:"categories,omitempty"`
	LastAnalysisDate *time.Time `json:"last_analysis_date,omitempty"`
}

// Sandbox is the dynamic-analysis payload.
type Sandbox struct {
	Score         int      `json:"score"`
	Brands        []string `json:"brands,omitempty"`
	ScreenshotURL string   `json:"screenshot_url,omitempty"`
	IP            string   `json:"ip,omitempty"`
	ASN           string   `json:"asn,omitempty"`
	ReportURL     string   `json:"report_url,omitempty"`
}

// Result is the outcome of one provider call. Available is true only when
// Data holds usable provider output; an unavailable result never means harmless.
type Result[T any] struct {
	Provider  string
	Data      T
	Available bool
	Err       *ProviderError
}

// Unavailable builds the empty result for a failed provider call.
func Unavailable[T any](provider string, err *ProviderError) Result[T] {
	return Result[T]{Provider: provider, Err: err}
}

// AIVerdict is the structured verdict returned by the AI judge.
type AIVerdict struct {
	Verdict     Verdict  `json:"verdict"`
	Confidence  int      `json:"confidence"`
	Explanation string   `json:"explanation"`
	RiskFactors []string `json:"risk_factors"`
}

// UnknownVerdict is the fallback used whenever the judge cannot produce a verdict.
func UnknownVerdict(explanation string) AIVerdict {
	return AIVerdict{
		Verdict:     VerdictUnknown,
		Confidence:  0,
		Explanation: explanation,
		RiskFactors: []string{},
	}
}

// Record is the immutable snapshot produced by one pipeline run.
type Record struct {
	URL       string    `json:"url"`
	Domain    string    `json:"domain"`
	Timestamp time.Time `json:"timestamp"`

	RegistrationRegistrar      string     `json:"registration_registrar,omitempty"`
	RegistrationCreationDate   *time.Time `json:"registration_creation_date,omitempty"`
	RegistrationExpirationDate *time.Time `json:"registration_expiration_date,omitempty"`
	RegistrationNameServers    []string   `json:"registration_name_servers,omitempty"`
	DomainAgeDays              *int       `json:"domain_age_days,omitempty"`

	ReputationMaliciousVotes   int        `json:"reputation_malicious_votes"`
	ReputationSuspiciousVotes  int        `json:"reputation_suspicious_votes"`
	ReputationHarmlessVotes    int        `json:"reputation_harmless_votes"`
	ReputationCommunityScore   int        `json:"reputation_community_score"`
	ReputationCategories       []string   `json:"reputation_categories,omitempty"`
	ReputationLastAnalysisDate *time.Time `json:"reputation_last_analysis_date,omitempty"`

	SandboxScore         *int     `json:"sandbox_score,omitempty"`
	SandboxBrands        []string `json:"sandbox_brands,omitempty"`
	SandboxScreenshotURL string   `json:"sandbox_screenshot_url,omitempty"`
	SandboxIP            string   `json:"sandbox_ip,omitempty"`
	SandboxASN           string   `json:"sandbox_asn,omitempty"`

	AIVerdict     Verdict  `json:"ai_verdict"`
	AIConfidence  int      `json:"ai_confidence"`
	AIExplanation string   `json:"ai_explanation"`
	AIRiskFactors []string `json:"ai_risk_factors"`

	ThreatScore       int      `json:"threat_score"`
	FinalVerdict      Verdict  `json:"final_verdict"`
	ProcessingTimeMs  int64    `json:"processing_time_ms"`
	CacheHit          bool     `json:"cache_hit"`
	EnrichmentSources []string `json:"enrichment_sources"`
}

// Placeholder is returned for normal-priority requests while the pipeline
// runs in the background. It must never be cached.
func Placeholder(url, domain string, now time.Time) *Record {
	return &Record{
		URL:               url,
		Domain:            domain,
		Timestamp:         now.UTC(),
		AIVerdict:         VerdictPending,
		AIExplanation:     "Enrichment in progress. Check again in 10 seconds.",
		AIRiskFactors:     []string{},
		ThreatScore:       0,
		FinalVerdict:      VerdictPending,
		EnrichmentSources: []string{},
	}
}

// IsPlaceholder reports whether r is a placeholder record.
func (r *Record) IsPlaceholder() bool {
	return r != nil && r.FinalVerdict == VerdictPending
}

// Clone returns a deep copy so callers can flag a copy without touching the original.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.RegistrationCreationDate = cloneTime(r.RegistrationCreationDate)
	c.RegistrationExpirationDate = cloneTime(r.RegistrationExpirationDate)
	c.ReputationLastAnalysisDate = cloneTime(r.ReputationLastAnalysisDate)
	if r.DomainAgeDays != nil {
		v := *r.DomainAgeDays
		c.DomainAgeDays = &v
	}
	if r.SandboxScore != nil {
		v := *r.SandboxScore
		c.SandboxScore = &v
	}
	c.RegistrationNameServers = cloneStrings(r.RegistrationNameServers)
	c.ReputationCategories = cloneStrings(r.ReputationCategories)
	c.SandboxBrands = cloneStrings(r.SandboxBrands)
	c.AIRiskFactors = cloneStrings(r.AIRiskFactors)
	c.EnrichmentSources = cloneStrings(r.EnrichmentSources)
	return &c
}

// Feedback is a user-asserted verdict for a URL. It is published on its own
// stream and never merged into a Record.
type Feedback struct {
	URL           string    `json:"url"`
	UserVerdict   Verdict   `json:"user_verdict"`
	Confidence    int       `json:"confidence"`
	Comment       string    `json:"comment,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	CachedVerdict Verdict   `json:"cached_verdict,omitempty"`
	CachedScore   *int      `json:"cached_score,omitempty"`
}

// FeedbackEventType tags feedback events on the bus.
const FeedbackEventType = "user_feedback"

// FalsePositive reports whether the user contradicts a cached risky verdict.
func (f Feedback) FalsePositive() bool {
	if f.UserVerdict != VerdictSafe {
		return false
	}
	return f.CachedVerdict == VerdictMalicious || f.CachedVerdict == VerdictSuspicious
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

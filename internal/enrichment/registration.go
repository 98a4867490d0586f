package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const rdapDefaultBaseURL = "https://rdap.org"

// RegistrationProvider looks up domain registration data over RDAP.
type RegistrationProvider struct {
	config     ProviderConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// DefaultRegistrationConfig returns defaults for the RDAP bootstrap service.
func DefaultRegistrationConfig() ProviderConfig {
	cfg := DefaultProviderConfig()
	cfg.BaseURL = rdapDefaultBaseURL
	return cfg
}

// NewRegistrationProvider creates an RDAP registration provider. RDAP needs no credential.
func NewRegistrationProvider(config ProviderConfig) *RegistrationProvider {
	if config.BaseURL == "" {
		config.BaseURL = rdapDefaultBaseURL
	}
	return &RegistrationProvider{
		config:     config,
		httpClient: config.httpClient(),
		limiter:    config.limiter(),
		now:        time.Now,
	}
}

// Name returns the provider identifier.
func (p *RegistrationProvider) Name() string {
	return "registration"
}

// LookupRegistration fetches the RDAP domain object for domain within the
// configured timeout.
func (p *RegistrationProvider) LookupRegistration(ctx context.Context, domain string) Result[Registration] {
	if domain == "" {
		return Unavailable[Registration](p.Name(), newProviderError(p.Name(), KindUnsupported, fmt.Errorf("empty domain")))
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.Budget())
	defer cancel()

	if perr := waitLimiter(ctx, p.Name(), p.limiter); perr != nil {
		return Unavailable[Registration](p.Name(), perr)
	}

	endpoint := strings.TrimSuffix(p.config.BaseURL, "/") + "/domain/" + url.PathEscape(domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Unavailable[Registration](p.Name(), newProviderError(p.Name(), KindNetwork, err))
	}
	req.Header.Set("Accept", "application/rdap+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Unavailable[Registration](p.Name(), transportError(p.Name(), err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Unavailable[Registration](p.Name(), statusError(p.Name(), resp.StatusCode))
	}

	var body rdapDomain
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Unavailable[Registration](p.Name(), newProviderError(p.Name(), KindDecode, err))
	}

	return Result[Registration]{
		Provider:  p.Name(),
		Data:      p.toRegistration(body),
		Available: true,
	}
}

func (p *RegistrationProvider) toRegistration(d rdapDomain) Registration {
	reg := Registration{
		Registrar: d.registrar(),
	}
	for _, ev := range d.Events {
		t, err := time.Parse(time.RFC3339, ev.EventDate)
		if err != nil {
			continue
		}
		t = t.UTC()
		switch ev.EventAction {
		case "registration":
			reg.CreationDate = &t
		case "expiration":
			reg.ExpirationDate = &t
		}
	}
	for _, ns := range d.Nameservers {
		if ns.LDHName != "" {
			reg.NameServers = append(reg.NameServers, strings.ToLower(ns.LDHName))
		}
	}
	if reg.CreationDate != nil {
		age := DomainAgeDays(*reg.CreationDate, p.now())
		reg.AgeDays = &age
	}
	return reg
}

// DomainAgeDays returns the whole days between created and now, never negative.
func DomainAgeDays(created, now time.Time) int {
	d := now.Sub(created)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// RDAP response types

type rdapDomain struct {
	LDHName     string           `json:"ldhName"`
	Events      []rdapEvent      `json:"events"`
	Entities    []rdapEntity     `json:"entities"`
	Nameservers []rdapNameserver `json:"nameservers"`
}

type rdapEvent struct {
	EventAction string `json:"eventAction"`
	EventDate   string `json:"eventDate"`
}

type rdapEntity struct {
	Roles      []string `json:"roles"`
	VCardArray []any    `json:"vcardArray"`
}

type rdapNameserver struct {
	LDHName string `json:"ldhName"`
}

func (d rdapDomain) registrar() string {
	for _, e := range d.Entities {
		for _, role := range e.Roles {
			if role == "registrar" {
				return e.formattedName()
			}
		}
	}
	return ""
}

// formattedName extracts the "fn" property from a jCard array.
func (e rdapEntity) formattedName() string {
	if len(e.VCardArray) < 2 {
		return ""
	}
	props, ok := e.VCardArray[1].([]any)
	if !ok {
		return ""
	}
	for _, p := range props {
		prop, ok := p.([]any)
		if !ok || len(prop) < 4 {
			continue
		}
		if name, _ := prop[0].(string); name == "fn" {
			value, _ := prop[3].(string)
			return value
		}
	}
	return ""
}

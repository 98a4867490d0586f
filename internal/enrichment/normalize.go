package enrichment

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid url")

// Normalize returns the canonical form of raw: lower-case scheme and host,
// default port and fragment removed. Path and query are kept as given.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	return u.String(), nil
}

// Hostname returns the lower-case host of a normalized URL.
func Hostname(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RegistrableDomain returns the eTLD+1 of the URL's host. IP literals and
// hosts without a registrable suffix are returned unchanged.
func RegistrableDomain(normalized string) string {
	host := Hostname(normalized)
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

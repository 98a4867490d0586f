package judge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/urlintel/internal/enrichment"
)

const unknown = "Unknown"

// SystemPrompt instructs the reasoning service to answer with the verdict object only.
const SystemPrompt = `You are a cybersecurity threat analyst. Analyze the provided URL enrichment data and return a single JSON object with exactly these keys:
- verdict (string; one of: safe, suspicious, malicious, unknown)
- confidence (integer 0-100)
- explanation (string; 1-2 sentences)
- risk_factors (array of strings; specific concerns, empty if none)

Return only valid JSON. Do not include extra keys.`

// Input is the evidence handed to the judge.
type Input struct {
	URL          string
	Domain       string
	Registration enrichment.Result[enrichment.Registration]
	Reputation   enrichment.Result[enrichment.Reputation]
	Sandbox      enrichment.Result[enrichment.Sandbox]
}

// BuildContext renders the evidence block. Fields from unavailable providers
// are rendered as Unknown.
func BuildContext(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analyze this URL for security threats:\n\nURL: %s\nDomain: %s\n\n", in.URL, orUnknown(in.Domain))

	b.WriteString("REGISTRATION DATA:\n")
	if reg := in.Registration; reg.Available {
		fmt.Fprintf(&b, "- Registrar: %s\n", orUnknown(reg.Data.Registrar))
		if reg.Data.AgeDays != nil {
			fmt.Fprintf(&b, "- Domain Age: %d days\n", *reg.Data.AgeDays)
		} else {
			fmt.Fprintf(&b, "- Domain Age: %s\n", unknown)
		}
		fmt.Fprintf(&b, "- Creation Date: %s\n", formatDate(reg.Data.CreationDate))
		fmt.Fprintf(&b, "- Name Servers: %s\n", joinOrUnknown(reg.Data.NameServers))
	} else {
		for _, field := range []string{"Registrar", "Domain Age", "Creation Date", "Name Servers"} {
			fmt.Fprintf(&b, "- %s: %s\n", field, unknown)
		}
	}

	b.WriteString("\nREPUTATION DATA:\n")
	if rep := in.Reputation; rep.Available {
		fmt.Fprintf(&b, "- Malicious Votes: %d\n", rep.Data.MaliciousVotes)
		fmt.Fprintf(&b, "- Suspicious Votes: %d\n", rep.Data.SuspiciousVotes)
		fmt.Fprintf(&b, "- Harmless Votes: %d\n", rep.Data.HarmlessVotes)
		fmt.Fprintf(&b, "- Community Score: %d\n", rep.Data.CommunityScore)
		fmt.Fprintf(&b, "- Categories: %s\n", joinOrUnknown(rep.Data.Categories))
	} else {
		for _, field := range []string{"Malicious Votes", "Suspicious Votes", "Harmless Votes", "Community Score", "Categories"} {
			fmt.Fprintf(&b, "- %s: %s\n", field, unknown)
		}
	}

	b.WriteString("\nSANDBOX DATA:\n")
	if sb := in.Sandbox; sb.Available {
		fmt.Fprintf(&b, "- Verdict Score: %s\n", strconv.Itoa(sb.Data.Score))
		fmt.Fprintf(&b, "- Detected Brands: %s\n", joinOrUnknown(sb.Data.Brands))
		fmt.Fprintf(&b, "- IP Address: %s\n", orUnknown(sb.Data.IP))
		fmt.Fprintf(&b, "- ASN: %s\n", orUnknown(sb.Data.ASN))
	} else {
		for _, field := range []string{"Verdict Score", "Detected Brands", "IP Address", "ASN"} {
			fmt.Fprintf(&b, "- %s: %s\n", field, unknown)
		}
	}

	b.WriteString("\nBased on this data, provide a security verdict.")
	return b.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknown
	}
	return s
}

func joinOrUnknown(values []string) string {
	if len(values) == 0 {
		return unknown
	}
	return strings.Join(values, ", ")
}

func formatDate(t *time.Time) string {
	if t == nil {
		return unknown
	}
	return t.UTC().Format("2006-01-02")
}

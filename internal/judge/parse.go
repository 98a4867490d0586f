package judge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/lvonguyen/urlintel/internal/enrichment"
)

// ErrUnparseable is returned when a reply holds no usable verdict object.
var ErrUnparseable = errors.New("unparseable judge reply")

type rawVerdict struct {
	Verdict     *string   `json:"verdict"`
	Confidence  *float64  `json:"confidence"`
	Explanation *string   `json:"explanation"`
	RiskFactors *[]string `json:"risk_factors"`
}

// ParseReply decodes the first well-formed JSON object in reply. Every verdict
// field must be present. Confidence is truncated and clamped to [0,100].
func ParseReply(reply string) (enrichment.AIVerdict, error) {
	var lastErr error = fmt.Errorf("%w: no json object", ErrUnparseable)

	for i := strings.IndexByte(reply, '{'); i >= 0; {
		var raw rawVerdict
		dec := json.NewDecoder(strings.NewReader(reply[i:]))
		err := dec.Decode(&raw)
		if err == nil {
			return raw.toVerdict()
		}
		lastErr = fmt.Errorf("%w: %v", ErrUnparseable, err)

		next := strings.IndexByte(reply[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}

	return enrichment.AIVerdict{}, lastErr
}

func (r rawVerdict) toVerdict() (enrichment.AIVerdict, error) {
	var missing []string
	if r.Verdict == nil {
		missing = append(missing, "verdict")
	}
	if r.Confidence == nil {
		missing = append(missing, "confidence")
	}
	if r.Explanation == nil {
		missing = append(missing, "explanation")
	}
	if r.RiskFactors == nil {
		missing = append(missing, "risk_factors")
	}
	if len(missing) > 0 {
		return enrichment.AIVerdict{}, fmt.Errorf("%w: missing %s", ErrUnparseable, strings.Join(missing, ", "))
	}

	verdict, ok := enrichment.ParseVerdict(strings.ToLower(strings.TrimSpace(*r.Verdict)))
	if !ok {
		return enrichment.AIVerdict{}, fmt.Errorf("%w: invalid verdict %q", ErrUnparseable, *r.Verdict)
	}

	conf := *r.Confidence
	if math.IsNaN(conf) {
		conf = 0
	}
	confidence := int(math.Max(0, math.Min(100, math.Trunc(conf))))

	factors := make([]string, 0, len(*r.RiskFactors))
	for _, f := range *r.RiskFactors {
		if f = strings.TrimSpace(f); f != "" {
			factors = append(factors, f)
		}
	}

	return enrichment.AIVerdict{
		Verdict:     verdict,
		Confidence:  confidence,
		Explanation: strings.TrimSpace(*r.Explanation),
		RiskFactors: factors,
	}, nil
}

// Package scoring turns provider results and the AI verdict into a bounded
// threat score and final verdict.
package scoring

import (
	"github.com/lvonguyen/urlintel/internal/enrichment"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// Verdict thresholds. Scores in [UnknownFloor, SuspiciousFloor) are unknown.
const (
	MaliciousFloor  = 70
	SuspiciousFloor = 40
	UnknownFloor    = 20
)

// Input contains everything the aggregator consumes. Unavailable results
// contribute nothing.
type Input struct {
	Registration enrichment.Result[enrichment.Registration]
	Reputation   enrichment.Result[enrichment.Reputation]
	Sandbox      enrichment.Result[enrichment.Sandbox]
	AI           enrichment.AIVerdict
}

// Output is the aggregated assessment. Signals name the rules that fired, in
// evaluation order.
type Output struct {
	Score   int
	Verdict enrichment.Verdict
	Signals []string
}

// Score evaluates the additive rules, applies the confidence boost and clamps.
// It is a pure function of its input.
func Score(in Input) Output {
	score := 0
	signals := make([]string, 0)

	// Rule: young domain. Unknown age is treated as old.
	if in.Registration.Available && in.Registration.Data.AgeDays != nil {
		switch age := *in.Registration.Data.AgeDays; {
		case age < 30:
			score += 20
			signals = append(signals, "very_new_domain")
		case age < 90:
			score += 10
			signals = append(signals, "new_domain")
		}
	}

	// Rule: malicious and suspicious vendor votes.
	if in.Reputation.Available {
		switch votes := in.Reputation.Data.MaliciousVotes; {
		case votes > 5:
			score += 40
			signals = append(signals, "many_malicious_votes")
		case votes > 0:
			score += 20 + 2*votes
			signals = append(signals, "malicious_votes")
		}
		if in.Reputation.Data.SuspiciousVotes > 3 {
			score += 10
			signals = append(signals, "suspicious_votes")
		}
	}

	// Rule: sandbox risk score.
	if in.Sandbox.Available {
		switch s := in.Sandbox.Data.Score; {
		case s > 50:
			score += 20
			signals = append(signals, "sandbox_high_risk")
		case s > 20:
			score += 10
			signals = append(signals, "sandbox_elevated_risk")
		}
	}

	// Rule: AI verdict.
	switch in.AI.Verdict {
	case enrichment.VerdictMalicious:
		score += 20
		signals = append(signals, "ai_malicious")
	case enrichment.VerdictSuspicious:
		score += 10
		signals = append(signals, "ai_suspicious")
	}

	// Boost by 1.2 on high AI confidence, truncating toward zero.
	if in.AI.Confidence > 80 {
		score = score * 12 / 10
		signals = append(signals, "ai_high_confidence")
	}

	score = Clamp(score)

	return Output{
		Score:   score,
		Verdict: VerdictFor(score),
		Signals: signals,
	}
}

// Clamp bounds score to [MinScore, MaxScore].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// VerdictFor maps a score to its verdict.
func VerdictFor(score int) enrichment.Verdict {
	switch {
	case score >= MaliciousFloor:
		return enrichment.VerdictMalicious
	case score >= SuspiciousFloor:
		return enrichment.VerdictSuspicious
	case score < UnknownFloor:
		return enrichment.VerdictSafe
	default:
		return enrichment.VerdictUnknown
	}
}

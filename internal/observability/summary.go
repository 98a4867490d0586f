package observability

import (
	"fmt"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the operational snapshot served on /metrics.
type Summary struct {
	CacheHitRate        float64 `json:"cache_hit_rate"`
	AvgCachedLatencyMs  float64 `json:"avg_cached_latency_ms"`
	AvgFullEnrichmentMs float64 `json:"avg_full_enrichment_ms"`
	FalsePositiveRate   float64 `json:"false_positive_rate"`
	TotalEnrichments    int64   `json:"total_enrichments"`
	EventBusLag         int64   `json:"event_bus_lag"`
}

// Summarize computes the snapshot from the registry's current state.
func (m *Metrics) Summarize() (Summary, error) {
	families, err := m.Registry().Gather()
	if err != nil {
		return Summary{}, fmt.Errorf("gathering metrics: %w", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	hits := counterSum(byName[namespace+"_cache_lookups_total"], "result", "hit")
	misses := counterSum(byName[namespace+"_cache_lookups_total"], "result", "miss")
	cachedSum, cachedCount := histogramSum(byName[namespace+"_pipeline_duration_seconds"], "path", PathCached)
	fullSum, fullCount := histogramSum(byName[namespace+"_pipeline_duration_seconds"], "path", PathFull)
	feedback := counterSum(byName[namespace+"_feedback_total"], "", "")
	falsePositives := counterSum(byName[namespace+"_false_positives_total"], "", "")
	inFlight := gaugeValue(byName[namespace+"_events_in_flight"])

	return Summary{
		CacheHitRate:        ratio(hits, hits+misses),
		AvgCachedLatencyMs:  ratio(cachedSum*1000, float64(cachedCount)),
		AvgFullEnrichmentMs: ratio(fullSum*1000, float64(fullCount)),
		FalsePositiveRate:   ratio(falsePositives, feedback),
		TotalEnrichments:    int64(fullCount),
		EventBusLag:         int64(inFlight),
	}, nil
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// counterSum adds every series of a counter family, optionally filtered by one label.
func counterSum(f *dto.MetricFamily, label, value string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if label != "" && !hasLabel(m, label, value) {
			continue
		}
		total += m.GetCounter().GetValue()
	}
	return total
}

func histogramSum(f *dto.MetricFamily, label, value string) (float64, uint64) {
	if f == nil {
		return 0, 0
	}
	var sum float64
	var count uint64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, label, value) {
			continue
		}
		sum += m.GetHistogram().GetSampleSum()
		count += m.GetHistogram().GetSampleCount()
	}
	return sum, count
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

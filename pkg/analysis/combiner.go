package analysis

import "fmt"

// Combine merges per-chunk results, in chunk order, into a single Result.
// Findings are concatenated, threat score and confidence are averaged, and
// indicators and recommended actions are deduplicated by exact string match
// preserving first occurrence. A nil or empty slice yields a sentinel result
// marking total analysis failure.
func Combine(results []*Result) *Result {
	if len(results) == 0 {
		return &Result{
			ExecutiveSummary:   "Analysis failed: no chunk produced a usable result",
			RecommendedActions: []string{"All analysis chunks failed - manual review of raw evidence required"},
		}
	}

	combined := &Result{}
	var threatSum, confidenceSum float64
	seenIndicators := make(map[string]bool)
	seenActions := make(map[string]bool)

	for _, res := range results {
		combined.Findings = append(combined.Findings, res.Findings...)
		threatSum += res.ThreatScore
		confidenceSum += res.Confidence
		for _, ind := range res.KeyIndicators {
			if !seenIndicators[ind] {
				seenIndicators[ind] = true
				combined.KeyIndicators = append(combined.KeyIndicators, ind)
			}
		}
		for _, act := range res.RecommendedActions {
			if !seenActions[act] {
				seenActions[act] = true
				combined.RecommendedActions = append(combined.RecommendedActions, act)
			}
		}
	}

	n := float64(len(results))
	combined.ThreatScore = threatSum / n
	combined.Confidence = confidenceSum / n
	combined.ExecutiveSummary = fmt.Sprintf(
		"Combined analysis of %d evidence chunks produced %d suspicious findings (avg threat score %.1f/10).",
		len(results), len(combined.Findings), combined.ThreatScore)
	return combined
}

// Package analysis feeds aggregated evidence through a downstream analyzer,
// chunking oversized input under a token budget, resuming partially analyzed
// chunk sets from disk, and combining per-chunk results into one finding set.
package analysis

import "context"

// Finding is one suspicious observation from the analyzer.
type Finding struct {
	FindingType string  `json:"finding_type"`
	Description string  `json:"description"`
	Severity    string  `json:"severity"` // low, medium, high, critical
	Evidence    string  `json:"evidence"`
	Score       float64 `json:"score"`
}

// Result is a structured analysis outcome, for a single chunk or combined
// across all chunks.
type Result struct {
	Findings           []Finding `json:"suspicious_findings"`
	ExecutiveSummary   string    `json:"executive_summary"`
	ThreatScore        float64   `json:"threat_score"`
	KeyIndicators      []string  `json:"key_indicators"`
	RecommendedActions []string  `json:"recommended_actions"`
	Confidence         float64   `json:"analysis_confidence"`
}

// ChunkAnalyzer analyzes one chunk of evidence text. Implementations must
// return tagged errors (providers.RateLimitError) for throttling so the
// engine can decide retries without parsing prose.
type ChunkAnalyzer interface {
	AnalyzeChunk(ctx context.Context, chunk string, chunkInfo string) (*Result, error)
}

// SourceInfo identifies what an analysis run was looking at. Persisted in
// chunk metadata so a resumed run can be traced back to its inputs.
type SourceInfo struct {
	DumpPath   string `json:"memory_dump_path,omitempty"`
	OSHint     string `json:"os_hint,omitempty"`
	UserPrompt string `json:"user_prompt,omitempty"`
}

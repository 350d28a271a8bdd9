// Package tokens provides token counting and token-bounded text splitting.
// Counting is a pure function of the text so chunk boundaries are
// deterministic across runs.
package tokens

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/evidentia/memtriage/pkg/logger"
)

// CounterFunc counts the tokens in a piece of text.
type CounterFunc func(text string) int

const fallbackEncoding = "cl100k_base"

// NewCounter returns a counter for the given model's encoding. Unknown
// models fall back to cl100k_base; the fallback matters because it changes
// chunk boundaries, so it is logged rather than silent. When no encoding can
// be loaded at all, a rune-quarter estimate keeps the pipeline running.
func NewCounter(model string) CounterFunc {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		logger.WarnCF("tokens", "unknown model encoding, falling back", map[string]any{
			"model":    model,
			"fallback": fallbackEncoding,
		})
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			logger.ErrorCF("tokens", "fallback encoding unavailable, estimating", map[string]any{
				"error": err.Error(),
			})
			return EstimateCount
		}
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

// EstimateCount approximates tokens as one per four characters. Only used
// when no real encoding is available.
func EstimateCount(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		return 1
	}
	return n
}

// SplitByTokens partitions text into chunks whose token counts stay within
// maxTokens, splitting only at line boundaries with a greedy first-fit
// policy. A single line exceeding the budget occupies a chunk by itself and
// is not subdivided. Concatenating the chunks in order reproduces the input.
func SplitByTokens(text string, maxTokens int, count CounterFunc) []string {
	lines := strings.Split(text, "\n")

	var (
		chunks        []string
		currentChunk  []string
		currentTokens int
	)

	for _, line := range lines {
		lineTokens := count(line + "\n")

		if currentTokens+lineTokens > maxTokens && len(currentChunk) > 0 {
			chunks = append(chunks, strings.Join(currentChunk, "\n"))
			currentChunk = []string{line}
			currentTokens = lineTokens
		} else {
			currentChunk = append(currentChunk, line)
			currentTokens += lineTokens
		}
	}

	if len(currentChunk) > 0 {
		chunks = append(chunks, strings.Join(currentChunk, "\n"))
	}
	return chunks
}

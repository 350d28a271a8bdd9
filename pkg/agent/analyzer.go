package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/evidentia/memtriage/pkg/analysis"
	"github.com/evidentia/memtriage/pkg/logger"
	"github.com/evidentia/memtriage/pkg/providers"
)

var jsonFencePattern = regexp.MustCompile("(?s)^\\s*```(?:json)?\\s*|\\s*```\\s*$")

// stripJSONFences removes markdown code fences some models wrap around JSON
// even when asked not to.
func stripJSONFences(raw string) string {
	return jsonFencePattern.ReplaceAllString(raw, "")
}

// llmAnalyzer adapts a chat provider to the analysis.ChunkAnalyzer interface.
// Rate-limit errors pass through untouched so the engine's backoff sees them;
// other provider errors trigger one attempt on the fallback model.
type llmAnalyzer struct {
	provider         providers.Provider
	fallbackProvider providers.Provider
	model            string
	fallbackModel    string
	temperature      float64
	maxTokens        int
	timeout          time.Duration
}

func (a *llmAnalyzer) AnalyzeChunk(ctx context.Context, chunk, chunkInfo string) (*analysis.Result, error) {
	messages := []providers.Message{
		{Role: "system", Content: analysisSystemPrompt},
		{Role: "user", Content: analysisUserPrompt(chunk, chunkInfo)},
	}
	opts := providers.Options{
		Temperature: &a.temperature,
		MaxTokens:   a.maxTokens,
		JSONOutput:  true,
	}

	content, err := a.chat(ctx, a.provider, messages, a.model, opts)
	if err != nil {
		if _, ok := providers.IsRateLimit(err); ok {
			return nil, err
		}
		if a.fallbackProvider == nil || a.fallbackModel == "" || a.fallbackModel == a.model {
			return nil, err
		}
		logger.WarnCF("agent", "analyzer model failed, trying fallback", map[string]any{
			"model":    a.model,
			"fallback": a.fallbackModel,
			"error":    err.Error(),
		})
		content, err = a.chat(ctx, a.fallbackProvider, messages, a.fallbackModel, opts)
		if err != nil {
			return nil, err
		}
	}

	var res analysis.Result
	if err := json.Unmarshal([]byte(stripJSONFences(content)), &res); err != nil {
		return nil, fmt.Errorf("parsing analysis response: %w", err)
	}
	return &res, nil
}

func (a *llmAnalyzer) chat(ctx context.Context, p providers.Provider, messages []providers.Message, model string, opts providers.Options) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resp, err := p.Chat(cctx, messages, model, opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

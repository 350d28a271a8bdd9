package analysis

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/evidentia/memtriage/pkg/evidence"
	"github.com/evidentia/memtriage/pkg/logger"
	"github.com/evidentia/memtriage/pkg/providers"
	"github.com/evidentia/memtriage/pkg/tokens"
)

// EngineConfig carries the knobs the engine needs. Zero values are replaced
// with conservative defaults by NewEngine.
type EngineConfig struct {
	MaxChunkTokens int
	Concurrency    int
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// Engine decides whether evidence fits in a single analyzer call or must be
// chunked, runs chunk analyses concurrently with retry on rate limiting, and
// persists every intermediate artifact for resumability.
type Engine struct {
	analyzer ChunkAnalyzer
	counter  tokens.CounterFunc
	cfg      EngineConfig
}

func NewEngine(analyzer ChunkAnalyzer, counter tokens.CounterFunc, cfg EngineConfig) *Engine {
	if cfg.MaxChunkTokens <= 0 {
		cfg.MaxChunkTokens = 20000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	return &Engine{analyzer: analyzer, counter: counter, cfg: cfg}
}

// Analyze runs the full evidence text through the analyzer. Text within the
// token budget goes through a single call; larger text is split, analyzed
// chunk by chunk, and combined. Snapshots of every result land under the
// store's analysis_results directory.
func (e *Engine) Analyze(ctx context.Context, text string, store *evidence.Store, src SourceInfo) (*Result, error) {
	return e.analyze(ctx, text, store, src, "")
}

// AnalyzeDeeper is Analyze for follow-up evidence. Results land in the same
// resumable pipeline but are snapshotted as deeper_analysis so a reviewer can
// tell the passes apart in analysis_results.
func (e *Engine) AnalyzeDeeper(ctx context.Context, text string, store *evidence.Store, src SourceInfo) (*Result, error) {
	return e.analyze(ctx, text, store, src, "deeper_analysis")
}

func (e *Engine) analyze(ctx context.Context, text string, store *evidence.Store, src SourceInfo, snapshotType string) (*Result, error) {
	total := e.counter(text)
	if total <= e.cfg.MaxChunkTokens {
		logger.InfoCF("analysis", "evidence fits in single pass", map[string]any{
			"tokens": total,
			"budget": e.cfg.MaxChunkTokens,
		})
		res, err := e.analyzeWithRetry(ctx, text, "full evidence")
		if err != nil {
			return nil, err
		}
		if snapshotType == "" {
			snapshotType = "single_analysis"
		}
		e.snapshot(store, snapshotType, src, res)
		return res, nil
	}

	logger.InfoCF("analysis", "evidence exceeds token budget, chunking", map[string]any{
		"tokens": total,
		"budget": e.cfg.MaxChunkTokens,
	})
	return e.analyzeChunked(ctx, text, store, src, snapshotType)
}

func (e *Engine) analyzeChunked(ctx context.Context, text string, store *evidence.Store, src SourceInfo, snapshotType string) (*Result, error) {
	chunksDir, err := store.ChunksDir()
	if err != nil {
		return nil, err
	}
	chunks := tokens.SplitByTokens(text, e.cfg.MaxChunkTokens, e.counter)
	meta, err := SaveChunks(chunksDir, chunks, src, e.counter)
	if err != nil {
		return nil, err
	}
	existing := LoadExistingResults(chunksDir)

	results := make([]*Result, len(chunks))
	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		id := ChunkID(i + 1)
		if res, ok := existing[id]; ok {
			results[i] = res
			continue
		}
		wg.Add(1)
		go func(i int, id, chunk string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			info := fmt.Sprintf("%s of %d", id, len(chunks))
			res, err := e.analyzeWithRetry(ctx, chunk, info)
			if err != nil {
				logger.WarnCF("analysis", "chunk analysis failed", map[string]any{
					"chunk": id,
					"error": err.Error(),
				})
				return
			}
			results[i] = res
			if err := SaveChunkResult(chunksDir, id, res); err != nil {
				logger.WarnCF("analysis", "failed to persist chunk result", map[string]any{
					"chunk": id,
					"error": err.Error(),
				})
			}
		}(i, id, chunk)
	}
	wg.Wait()

	var usable []*Result
	for _, res := range results {
		if res != nil {
			usable = append(usable, res)
		}
	}
	combined := Combine(usable)
	logger.InfoCF("analysis", "combined chunk results", map[string]any{
		"chunks":   len(chunks),
		"analyzed": len(usable),
		"findings": len(combined.Findings),
	})

	if snapshotType == "" {
		snapshotType = "combined_analysis"
	}
	e.snapshot(store, snapshotType, src, combined)
	doc := map[string]any{
		"timestamp":       time.Now().Format(time.RFC3339),
		"chunk_metadata":  meta,
		"chunks_analyzed": len(usable),
		"chunks_failed":   len(chunks) - len(usable),
		"combined_result": combined,
	}
	name := fmt.Sprintf("chunked_analysis_metadata_%s.json", time.Now().Format("20060102_150405"))
	if _, err := e.resultsFile(store, name, doc); err != nil {
		logger.WarnCF("analysis", "failed to write chunked analysis metadata", map[string]any{
			"error": err.Error(),
		})
	}
	return combined, nil
}

// analyzeWithRetry retries on tagged rate-limit errors with exponential
// backoff plus jitter, honoring the server's Retry-After when present. Any
// other error aborts immediately.
func (e *Engine) analyzeWithRetry(ctx context.Context, chunk, info string) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		res, err := e.analyzer.AnalyzeChunk(ctx, chunk, info)
		if err == nil {
			return res, nil
		}
		rle, ok := providers.IsRateLimit(err)
		if !ok {
			return nil, err
		}
		lastErr = err

		delay := e.cfg.BaseDelay << uint(attempt)
		if delay > e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
		}
		if rle.RetryAfter > 0 {
			delay = rle.RetryAfter
			if delay > e.cfg.MaxDelay {
				delay = e.cfg.MaxDelay
			}
		}
		delay += time.Duration(rand.Int63n(int64(delay/4) + 1))

		logger.WarnCF("analysis", "rate limited, backing off", map[string]any{
			"info":    info,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("rate limit retries exhausted after %d attempts: %w", e.cfg.MaxRetries, lastErr)
}

func (e *Engine) snapshot(store *evidence.Store, analysisType string, src SourceInfo, res *Result) {
	doc := map[string]any{
		"timestamp":     time.Now().Format(time.RFC3339),
		"analysis_type": analysisType,
		"source":        src,
		"result":        res,
	}
	name := fmt.Sprintf("%s_%s.json", analysisType, time.Now().Format("20060102_150405"))
	if _, err := e.resultsFile(store, name, doc); err != nil {
		logger.WarnCF("analysis", "failed to write analysis snapshot", map[string]any{
			"type":  analysisType,
			"error": err.Error(),
		})
	}
}

func (e *Engine) resultsFile(store *evidence.Store, name string, doc any) (string, error) {
	dir, err := store.ResultsDir()
	if err != nil {
		return "", err
	}
	return store.WriteJSON(filepath.Join(filepath.Base(dir), name), doc)
}

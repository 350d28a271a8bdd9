package analysis

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/evidentia/memtriage/pkg/logger"
	"github.com/evidentia/memtriage/pkg/tokens"
)

// ChunkInfo describes one persisted chunk file.
type ChunkInfo struct {
	ChunkID        string `json:"chunk_id"`
	FilePath       string `json:"file_path"`
	TokenCount     int    `json:"token_count"`
	CharacterCount int    `json:"character_count"`
}

// ChunkMetadata is the manifest written next to the chunk files.
type ChunkMetadata struct {
	Timestamp       string      `json:"timestamp"`
	ChunksDirectory string      `json:"chunks_directory"`
	TotalChunks     int         `json:"total_chunks"`
	Source          SourceInfo  `json:"source"`
	ChunkFiles      []ChunkInfo `json:"chunk_files"`
}

// chunkResult is the on-disk form of one analyzed chunk. The full Result is
// persisted so a resumed run combines to the same output as an uninterrupted
// one.
type chunkResult struct {
	Timestamp string `json:"timestamp"`
	ChunkID   string `json:"chunk_id"`
	Result    Result `json:"result"`
}

// ChunkID returns the stable identifier for the i-th chunk (1-based).
func ChunkID(i int) string {
	return fmt.Sprintf("chunk_%03d", i)
}

// SaveChunks writes each chunk to its own file under dir and a manifest
// describing the set. Existing files are overwritten.
func SaveChunks(dir string, chunks []string, src SourceInfo, count tokens.CounterFunc) (*ChunkMetadata, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chunks directory: %w", err)
	}

	meta := &ChunkMetadata{
		Timestamp:       time.Now().Format(time.RFC3339),
		ChunksDirectory: dir,
		TotalChunks:     len(chunks),
		Source:          src,
	}
	for i, chunk := range chunks {
		id := ChunkID(i + 1)
		path := filepath.Join(dir, id+".txt")
		if err := os.WriteFile(path, []byte(chunk), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", id, err)
		}
		meta.ChunkFiles = append(meta.ChunkFiles, ChunkInfo{
			ChunkID:        id,
			FilePath:       path,
			TokenCount:     count(chunk),
			CharacterCount: len(chunk),
		})
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling chunk metadata: %w", err)
	}
	metaPath := filepath.Join(dir, "chunks_metadata.json")
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing chunk metadata: %w", err)
	}

	logger.InfoCF("analysis", "saved evidence chunks", map[string]any{
		"dir":    dir,
		"chunks": len(chunks),
	})
	return meta, nil
}

// SaveChunkResult persists one chunk's analysis so an interrupted run can
// resume without re-analyzing it.
func SaveChunkResult(dir, chunkID string, res *Result) error {
	rec := chunkResult{
		Timestamp: time.Now().Format(time.RFC3339),
		ChunkID:   chunkID,
		Result:    *res,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling chunk result: %w", err)
	}
	path := filepath.Join(dir, chunkID+"_result.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing chunk result: %w", err)
	}
	return nil
}

// LoadExistingResults scans dir for chunk result files from a previous run.
// Unreadable or malformed files are skipped with a warning; the chunk is
// simply re-analyzed.
func LoadExistingResults(dir string) map[string]*Result {
	matches, err := filepath.Glob(filepath.Join(dir, "chunk_*_result.json"))
	if err != nil || len(matches) == 0 {
		return nil
	}

	existing := make(map[string]*Result)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.WarnCF("analysis", "skipping unreadable chunk result", map[string]any{
				"file":  filepath.Base(path),
				"error": err.Error(),
			})
			continue
		}
		var rec chunkResult
		if err := json.Unmarshal(data, &rec); err != nil || rec.ChunkID == "" {
			logger.WarnCF("analysis", "skipping malformed chunk result", map[string]any{
				"file": filepath.Base(path),
			})
			continue
		}
		res := rec.Result
		existing[rec.ChunkID] = &res
	}
	if len(existing) > 0 {
		logger.InfoCF("analysis", "resuming from existing chunk results", map[string]any{
			"found": len(existing),
		})
	}
	return existing
}

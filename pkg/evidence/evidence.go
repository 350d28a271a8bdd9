// Package evidence owns the on-disk layout of an investigation run: the
// fixed category tree for raw command output, the append-only execution log,
// and the run summary snapshot. Directories are append-mostly and never
// deleted by this package.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Fixed category subdirectories, created eagerly for every run.
var categoryDirs = map[string]string{
	"triage":      "01_triage",
	"processes":   "02_processes",
	"network":     "03_network",
	"persistence": "04_persistence",
	"memory":      "05_memory",
	"timeline":    "06_timeline",
	"iocs":        "07_iocs",
	"logs":        "logs",
}

// CategoryDirNames returns the evidence category directories in layout
// order, excluding logs. Callers walking collected command output iterate
// these.
func CategoryDirNames() []string {
	return []string{
		"01_triage", "02_processes", "03_network", "04_persistence",
		"05_memory", "06_timeline", "07_iocs",
	}
}

const (
	chunksDirName  = "analysis_chunks"
	resultsDirName = "analysis_results"
	deeperDirName  = "deeper_analysis"

	executionLogName = "execution_log.jsonl"
)

// LogEntry is one record in the append-only execution log, written for every
// command attempt whether executed or reused.
type LogEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Command       string         `json:"command"`
	Status        string         `json:"status"`
	ExecutionTime float64        `json:"execution_time"`
	ExitCode      int            `json:"exit_code"`
	OutputFile    string         `json:"output_file,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// Store manages one run's evidence directory tree.
type Store struct {
	root string

	mu  sync.Mutex
	log []LogEntry
}

// NewStore creates the evidence tree rooted at root, including all fixed
// category directories.
func NewStore(root string) (*Store, error) {
	for _, sub := range categoryDirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("creating evidence dir %s: %w", sub, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the run's evidence root directory.
func (s *Store) Root() string {
	return s.root
}

// CategoryDir resolves a category name to its directory, falling back to
// logs/ for unknown categories.
func (s *Store) CategoryDir(category string) string {
	sub, ok := categoryDirs[category]
	if !ok {
		sub = categoryDirs["logs"]
	}
	return filepath.Join(s.root, sub)
}

// SaveCommandOutput writes one command's stdout under the category directory.
// The file starts with a three-line header (command, timestamp, separator)
// followed by the raw output byte-for-byte.
func (s *Store) SaveCommandOutput(command, output, category string, ts time.Time) (string, error) {
	fields := strings.Fields(command)
	cmdPart := "unknown"
	if len(fields) > 0 {
		cmdPart = fields[len(fields)-1]
	}
	safeCmd := sanitizeFilename(cmdPart)

	filename := fmt.Sprintf("%s_%s.txt", ts.Format("20060102_150405"), safeCmd)
	path := filepath.Join(s.CategoryDir(category), filename)

	var b strings.Builder
	fmt.Fprintf(&b, "Command: %s\n", command)
	fmt.Fprintf(&b, "Timestamp: %s\n", ts.Format(time.RFC3339))
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString(output)

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing command output: %w", err)
	}
	return path, nil
}

// sanitizeFilename keeps only alphanumerics and ._- from a command token.
func sanitizeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AppendLog records one command attempt in memory and appends it to the
// JSONL log file synchronously, so a crash mid-run loses at most the
// in-flight command.
func (s *Store) AppendLog(entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding log entry: %w", err)
	}

	path := filepath.Join(s.CategoryDir("logs"), executionLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening execution log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending execution log: %w", err)
	}
	return nil
}

// Log returns a copy of the in-memory execution log.
func (s *Store) Log() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.log))
	copy(out, s.log)
	return out
}

// ExecutionSummary is the JSON snapshot persisted at the end of a run. It is
// derived data; the JSONL log remains the authoritative record.
type ExecutionSummary struct {
	ExecutionStart     string     `json:"execution_start,omitempty"`
	ExecutionEnd       string     `json:"execution_end"`
	TotalCommands      int        `json:"total_commands"`
	SuccessfulCommands int        `json:"successful_commands"`
	FailedCommands     int        `json:"failed_commands"`
	TimeoutCommands    int        `json:"timeout_commands"`
	TotalExecutionTime float64    `json:"total_execution_time"`
	EvidenceDirectory  string     `json:"evidence_directory"`
	DetailedLog        []LogEntry `json:"detailed_log"`
}

// WriteSummary builds the execution summary from the in-memory log and
// persists it under logs/. Returns the snapshot path.
func (s *Store) WriteSummary() (string, error) {
	entries := s.Log()

	summary := ExecutionSummary{
		ExecutionEnd:      time.Now().Format(time.RFC3339),
		TotalCommands:     len(entries),
		EvidenceDirectory: s.root,
		DetailedLog:       entries,
	}
	if len(entries) > 0 {
		summary.ExecutionStart = entries[0].Timestamp.Format(time.RFC3339)
	}
	for _, e := range entries {
		switch e.Status {
		case "success":
			summary.SuccessfulCommands++
		case "failed":
			summary.FailedCommands++
		case "timeout":
			summary.TimeoutCommands++
		}
		summary.TotalExecutionTime += e.ExecutionTime
	}

	path := filepath.Join(s.CategoryDir("logs"),
		fmt.Sprintf("execution_summary_%s.json", time.Now().Format("20060102_150405")))
	if err := writeJSON(path, summary); err != nil {
		return "", err
	}
	return path, nil
}

// ChunksDir lazily creates and returns the analysis_chunks directory.
func (s *Store) ChunksDir() (string, error) {
	return s.lazyDir(chunksDirName)
}

// ResultsDir lazily creates and returns the analysis_results directory.
func (s *Store) ResultsDir() (string, error) {
	return s.lazyDir(resultsDirName)
}

func (s *Store) lazyDir(name string) (string, error) {
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", name, err)
	}
	return dir, nil
}

// DeeperStore creates the deeper_analysis subtree, mirroring the category
// layout, and returns a store rooted there. Used on escalation.
func (s *Store) DeeperStore() (*Store, error) {
	return NewStore(filepath.Join(s.root, deeperDirName))
}

// WriteJSON persists an arbitrary document under the store root at the given
// relative path.
func (s *Store) WriteJSON(relPath string, doc any) (string, error) {
	path := filepath.Join(s.root, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating parent dir for %s: %w", relPath, err)
	}
	if err := writeJSON(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

func writeJSON(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

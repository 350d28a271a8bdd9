package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/evidentia/memtriage/pkg/evidence"
	"github.com/evidentia/memtriage/pkg/executor"
	"github.com/evidentia/memtriage/pkg/logger"
)

// evidenceFilePattern matches saved command output files and captures the
// plugin part of the name, past the timestamp prefix.
var evidenceFilePattern = regexp.MustCompile(`^\d{8}_\d{6}_(.+)\.txt$`)

// Cap per evidence file so one noisy plugin cannot crowd out the rest before
// chunking even starts.
const maxEvidenceFileChars = 50000

// GatherAnalysisContext assembles the text handed to the analyzer: a run
// summary header followed by the saved command outputs, one file per plugin.
// When the same plugin ran more than once only the newest output is kept.
func GatherAnalysisContext(store *evidence.Store, run *executor.RunResult) string {
	var b strings.Builder

	if run != nil {
		b.WriteString("=== INVESTIGATION RUN SUMMARY ===\n")
		fmt.Fprintf(&b, "Status: %s\n", run.Status)
		fmt.Fprintf(&b, "Commands: %d total, %d successful (%.0f%% success rate)\n",
			run.Summary.TotalCommands, run.Summary.SuccessfulCommands, run.Summary.SuccessRate*100)
		fmt.Fprintf(&b, "Suspicious hits: %d\n", run.Summary.TotalSuspiciousHits)
		fmt.Fprintf(&b, "Deduplicated commands: %d\n", run.Summary.DeduplicatedCommands)
		for _, phase := range run.Phases {
			fmt.Fprintf(&b, "Phase %s: %d/%d commands succeeded, %d hits\n",
				phase.PhaseName, phase.Summary.SuccessfulCommands, phase.Summary.TotalCommands,
				phase.Summary.TotalHits)
		}
		b.WriteString("\n")
	}

	for _, file := range collectEvidenceFiles(store.Root()) {
		data, err := os.ReadFile(file)
		if err != nil {
			logger.WarnCF("agent", "skipping unreadable evidence file", map[string]any{
				"file":  filepath.Base(file),
				"error": err.Error(),
			})
			continue
		}
		content := string(data)
		if len(content) > maxEvidenceFileChars {
			content = content[:maxEvidenceFileChars] + "\n... [output truncated]\n"
		}
		fmt.Fprintf(&b, "=== EVIDENCE: %s ===\n%s\n\n", filepath.Base(file), content)
	}

	return b.String()
}

// collectEvidenceFiles walks the category directories and returns one output
// file per plugin suffix, preferring the lexically newest (timestamps sort
// lexically). Results are ordered by category then plugin name for stable
// analyzer input.
func collectEvidenceFiles(root string) []string {
	byPlugin := make(map[string]string)
	for _, dir := range evidence.CategoryDirNames() {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			m := evidenceFilePattern.FindStringSubmatch(entry.Name())
			if m == nil {
				continue
			}
			key := dir + "/" + m[1]
			path := filepath.Join(root, dir, entry.Name())
			if prev, ok := byPlugin[key]; !ok || filepath.Base(path) > filepath.Base(prev) {
				byPlugin[key] = path
			}
		}
	}

	keys := make([]string, 0, len(byPlugin))
	for key := range byPlugin {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	files := make([]string, 0, len(keys))
	for _, key := range keys {
		files = append(files, byPlugin[key])
	}
	return files
}

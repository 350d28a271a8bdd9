package executor

import "sync"

// LedgerEntry is what the ledger remembers about an executed command.
type LedgerEntry struct {
	Status     Status
	OutputFile string
}

// Ledger maps exact command strings to their prior result within one
// investigation run. Global triage and every phase share one ledger by
// reference, so each unique command string executes at most once per run.
//
// Keys are compared by exact string equality: commands differing only in
// whitespace or argument order are distinct and will re-execute. Known
// limitation, kept intentionally.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]LedgerEntry
}

// NewLedger returns an empty ledger. Deeper-analysis runs get a fresh one.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]LedgerEntry)}
}

// Lookup reports the prior result for an identical command string, if any.
func (l *Ledger) Lookup(command string) (LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[command]
	return entry, ok
}

// Record stores a command's outcome for future occurrences.
func (l *Ledger) Record(command string, status Status, outputFile string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[command] = LedgerEntry{Status: status, OutputFile: outputFile}
}

// Size reports the number of unique commands executed so far.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

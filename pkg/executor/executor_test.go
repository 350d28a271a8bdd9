package executor

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/evidentia/memtriage/pkg/evidence"
)

// fakeSpawn swaps the process launcher for a canned response and restores it
// on cleanup.
func fakeSpawn(t *testing.T, stdout, stderr string, exitCode int, timedOut bool) *[]string {
	t.Helper()
	var spawned []string
	orig := spawn
	spawn = func(ctx context.Context, argv []string, timeout time.Duration) (string, string, int, bool, error) {
		spawned = append(spawned, strings.Join(argv, " "))
		return stdout, stderr, exitCode, timedOut, nil
	}
	t.Cleanup(func() { spawn = orig })
	return &spawned
}

func newTestExecutor(t *testing.T) (*Executor, *evidence.Store) {
	t.Helper()
	store, err := evidence.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewExecutor(store, time.Minute), store
}

func TestExecute_Success(t *testing.T) {
	fakeSpawn(t, "PID  PPID\n4    0\n", "", 0, false)
	exec, store := newTestExecutor(t)

	result := exec.Execute(context.Background(), "vol3 -f mem.raw windows.pslist", nil, true, "processes")

	if result.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	if result.ContentHash == "" || len(result.ContentHash) != 64 {
		t.Errorf("content hash = %q, want sha256 hex", result.ContentHash)
	}
	if result.OutputFile == "" {
		t.Fatal("output file not recorded")
	}
	if _, err := os.Stat(result.OutputFile); err != nil {
		t.Errorf("output file missing: %v", err)
	}
	if result.OutputLength != len("PID  PPID\n4    0\n") {
		t.Errorf("output length = %d", result.OutputLength)
	}
	if len(store.Log()) != 1 {
		t.Errorf("log entries = %d, want 1", len(store.Log()))
	}
}

// TestExecute_RejectedNeverSpawns verifies the gate runs before the launcher:
// an unsafe command must not reach the subprocess layer at all.
func TestExecute_RejectedNeverSpawns(t *testing.T) {
	spawned := fakeSpawn(t, "anything", "", 0, false)
	exec, store := newTestExecutor(t)

	result := exec.Execute(context.Background(), "vol3 -f mem.raw pslist; rm -rf /", nil, true, "triage")

	if len(*spawned) != 0 {
		t.Fatalf("rejected command was spawned: %v", *spawned)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", result.ExitCode)
	}
	if result.ExecutionTime != 0 {
		t.Errorf("execution time = %f, want 0 for a rejected command", result.ExecutionTime)
	}
	if len(store.Log()) != 1 {
		t.Error("rejection must still be logged")
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	fakeSpawn(t, "", "plugin error", 2, false)
	exec, _ := newTestExecutor(t)

	result := exec.Execute(context.Background(), "vol3 -f mem.raw windows.pslist", nil, true, "processes")

	if result.Status != StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if !strings.Contains(result.ErrorMessage, "2") {
		t.Errorf("error message %q should carry the exit code", result.ErrorMessage)
	}
	if result.OutputFile != "" {
		t.Error("empty stdout must not create an evidence file")
	}
}

// TestExecute_FailedWithOutputStillSavesEvidence: a plugin that prints
// findings and then exits nonzero keeps its evidence file and content hash.
func TestExecute_FailedWithOutputStillSavesEvidence(t *testing.T) {
	fakeSpawn(t, "PID 4512 suspicious RWX region\n", "scan aborted", 1, false)
	exec, _ := newTestExecutor(t)

	result := exec.Execute(context.Background(), "vol3 -f mem.raw windows.malfind", nil, true, "memory")

	if result.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if result.OutputFile == "" {
		t.Fatal("failed command with non-empty stdout produced no evidence file")
	}
	if _, err := os.Stat(result.OutputFile); err != nil {
		t.Errorf("evidence file missing: %v", err)
	}
	if len(result.ContentHash) != 64 {
		t.Errorf("content hash = %q, want sha256 hex", result.ContentHash)
	}
	if result.OutputLength == 0 {
		t.Error("output length lost")
	}
}

func TestExecute_Timeout(t *testing.T) {
	fakeSpawn(t, "", "", -1, true)
	exec, _ := newTestExecutor(t)

	result := exec.Execute(context.Background(), "vol3 -f mem.raw windows.pslist", nil, true, "processes")

	if result.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", result.Status)
	}
	if result.OutputLength != 0 {
		t.Errorf("timed-out command should discard partial output, length = %d", result.OutputLength)
	}
}

func TestExecute_EmptyOutputSkipsSave(t *testing.T) {
	fakeSpawn(t, "   \n", "", 0, false)
	exec, _ := newTestExecutor(t)

	result := exec.Execute(context.Background(), "vol3 -f mem.raw windows.pslist", nil, true, "processes")

	if result.Status != StatusSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	if result.OutputFile != "" {
		t.Error("whitespace-only output should not create an evidence file")
	}
}

// TestExecute_SameOutputSameHash verifies identical output hashes identically
// across commands, the property the ledger's future content-dedup relies on.
func TestExecute_SameOutputSameHash(t *testing.T) {
	fakeSpawn(t, "identical output", "", 0, false)
	exec, _ := newTestExecutor(t)

	a := exec.Execute(context.Background(), "vol3 -f mem.raw windows.pslist", nil, true, "processes")
	b := exec.Execute(context.Background(), "vol3 -f mem.raw windows.pstree", nil, true, "processes")

	if a.ContentHash == "" || a.ContentHash != b.ContentHash {
		t.Errorf("hashes differ for identical output: %q vs %q", a.ContentHash, b.ContentHash)
	}
}

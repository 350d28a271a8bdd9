package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/evidentia/memtriage/pkg/evidence"
	"github.com/evidentia/memtriage/pkg/plan"
)

func newTestRunner(t *testing.T) (*Runner, *evidence.Store) {
	t.Helper()
	store, err := evidence.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	exec := NewExecutor(store, time.Minute)
	return NewRunner(exec, store, NewLedger()), store
}

func twoPhaserPlan() *plan.Plan {
	return &plan.Plan{
		PlanVersion: "1.0.0",
		Inputs:      plan.Inputs{DumpPath: "/cases/mem.raw", OSHint: "windows"},
		GlobalTriage: []plan.Step{
			{
				Name:     "os identification",
				Commands: []string{"vol3 -f /cases/mem.raw windows.info"},
			},
		},
		OSWorkflows: plan.OSWorkflows{Phases: []plan.Phase{
			{
				Name: "process_analysis",
				Steps: []plan.Step{
					{
						Name: "enumerate processes",
						Commands: []string{
							"vol3 -f /cases/mem.raw windows.pslist",
							"vol3 -f /cases/mem.raw windows.pstree",
						},
						SuspicionHeuristics: []string{"look for suspicious parent-child pairs"},
					},
				},
			},
			{
				Name: "network_analysis",
				Steps: []plan.Step{
					{
						Name: "connections",
						Commands: []string{
							"vol3 -f /cases/mem.raw windows.netscan",
							// repeated triage command, must be deduplicated
							"vol3 -f /cases/mem.raw windows.info",
						},
					},
				},
			},
		}},
	}
}

// TestRun_EndToEnd walks a full plan against a stubbed launcher and checks
// the aggregated counters, status, and persisted summary.
func TestRun_EndToEnd(t *testing.T) {
	output := strings.Repeat("x", 150)
	fakeSpawn(t, output, "", 0, false)
	runner, store := newTestRunner(t)

	result, err := runner.Run(context.Background(), twoPhaserPlan(), map[string]any{"case_id": "c1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Summary.TotalCommands != 5 {
		t.Errorf("total commands = %d, want 5", result.Summary.TotalCommands)
	}
	if result.Summary.SuccessfulCommands != 5 {
		t.Errorf("successful = %d, want 5", result.Summary.SuccessfulCommands)
	}
	if result.Summary.DeduplicatedCommands != 1 {
		t.Errorf("deduplicated = %d, want 1", result.Summary.DeduplicatedCommands)
	}
	if result.Summary.UniqueCommandsExecuted != 4 {
		t.Errorf("unique = %d, want 4", result.Summary.UniqueCommandsExecuted)
	}
	if result.Status != "completed" {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.Summary.TriageSuccessRate != 1.0 {
		t.Errorf("triage success rate = %f", result.Summary.TriageSuccessRate)
	}
	if result.Summary.DetailedLogFile == "" {
		t.Error("summary snapshot path missing")
	}
	if result.Summary.ExecutionTime <= 0 {
		t.Errorf("run execution time = %f, want > 0", result.Summary.ExecutionTime)
	}
	if len(store.Log()) != 5 {
		t.Errorf("log entries = %d, want 5 (executed and reused)", len(store.Log()))
	}
}

// TestRun_DuplicateReusesResult verifies that a repeated command never
// reaches the launcher a second time and carries the cached outcome.
func TestRun_DuplicateReusesResult(t *testing.T) {
	spawned := fakeSpawn(t, "output data here", "", 0, false)
	runner, _ := newTestRunner(t)

	result, err := runner.Run(context.Background(), twoPhaserPlan(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(*spawned) != 4 {
		t.Fatalf("launcher invoked %d times, want 4", len(*spawned))
	}

	var reused *CommandResult
	for _, phase := range result.Phases {
		for _, step := range phase.Steps {
			for i := range step.Results {
				if step.Results[i].Reused {
					reused = &step.Results[i]
				}
			}
		}
	}
	if reused == nil {
		t.Fatal("no reused result recorded")
	}
	if reused.Command != "vol3 -f /cases/mem.raw windows.info" {
		t.Errorf("reused command = %q", reused.Command)
	}
	if reused.Status != StatusSuccess {
		t.Errorf("reused status = %s", reused.Status)
	}
	if reused.ExecutionTime != 0 {
		t.Errorf("reused execution time = %f, want 0", reused.ExecutionTime)
	}
}

// TestRun_FailureNeverHaltsPlan checks that command failures are absorbed and
// the remaining commands still run.
func TestRun_FailureNeverHaltsPlan(t *testing.T) {
	spawned := fakeSpawn(t, "", "plugin blew up", 1, false)
	runner, _ := newTestRunner(t)

	result, err := runner.Run(context.Background(), twoPhaserPlan(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(*spawned) != 4 {
		t.Errorf("launcher invoked %d times, failures must not stop the walk", len(*spawned))
	}
	if result.Status != "failed" {
		t.Errorf("status = %s, want failed at 0%% success", result.Status)
	}
}

func TestRun_EmptyPlanIsFailed(t *testing.T) {
	runner, _ := newTestRunner(t)
	empty := &plan.Plan{PlanVersion: "1.0.0"}

	result, err := runner.Run(context.Background(), empty, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "failed" {
		t.Errorf("status = %s, zero commands must resolve to failed", result.Status)
	}
	if result.Summary.SuccessRate != 0 {
		t.Errorf("success rate = %f, want 0", result.Summary.SuccessRate)
	}
}

// TestRun_HeuristicsFlagSuspiciousOutput: a heuristic naming a suspicion
// keyword fires only on successful commands with enough output.
func TestRun_HeuristicsFlagSuspiciousOutput(t *testing.T) {
	fakeSpawn(t, strings.Repeat("proc ", 40), "", 0, false)
	runner, _ := newTestRunner(t)

	result, err := runner.Run(context.Background(), twoPhaserPlan(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Summary.TotalSuspiciousHits != 2 {
		t.Errorf("hits = %d, want 2 (one per process command)", result.Summary.TotalSuspiciousHits)
	}
}

func TestRun_ShortOutputNoHits(t *testing.T) {
	fakeSpawn(t, "tiny", "", 0, false)
	runner, _ := newTestRunner(t)

	result, err := runner.Run(context.Background(), twoPhaserPlan(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Summary.TotalSuspiciousHits != 0 {
		t.Errorf("hits = %d, short output must not trigger heuristics", result.Summary.TotalSuspiciousHits)
	}
}

// TestRun_MixedPlanCountsRejectedAsFailed: a plan mixing a valid command
// with a denylisted one still runs to completion, with the rejected command
// counted as failed and carrying the gate's reason.
func TestRun_MixedPlanCountsRejectedAsFailed(t *testing.T) {
	spawned := fakeSpawn(t, "clean output", "", 0, false)
	runner, _ := newTestRunner(t)

	mixed := &plan.Plan{
		PlanVersion: "1.0.0",
		GlobalTriage: []plan.Step{
			{
				Name: "triage",
				Commands: []string{
					"vol3 -f /cases/mem.raw windows.info",
					"vol3 -f /cases/mem.raw windows.pslist; rm -rf /",
				},
			},
		},
	}

	result, err := runner.Run(context.Background(), mixed, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(*spawned) != 1 {
		t.Fatalf("launcher invoked %d times, rejected command must never spawn", len(*spawned))
	}
	if result.Summary.TotalCommands != 2 {
		t.Errorf("total commands = %d, want 2", result.Summary.TotalCommands)
	}
	if result.Summary.SuccessfulCommands != 1 {
		t.Errorf("successful = %d, want 1", result.Summary.SuccessfulCommands)
	}
	if result.Status != "partial" {
		t.Errorf("status = %s, want partial at 50%% success", result.Status)
	}

	rejected := result.GlobalTriage[0].Results[1]
	if rejected.Status != StatusFailed || rejected.ExitCode != -1 {
		t.Errorf("rejected result = %s/%d, want failed/-1", rejected.Status, rejected.ExitCode)
	}
	if !strings.Contains(rejected.ErrorMessage, "security validation failed") {
		t.Errorf("error message = %q, want the gate's reason", rejected.ErrorMessage)
	}
}

func TestCategoryForPhase_OrderedRouting(t *testing.T) {
	cases := map[string]string{
		"Initial Triage":            "triage",
		"process_analysis":          "processes",
		"Network Connections":       "network",
		"persistence hunting":       "persistence",
		"memory injection scan":     "memory",
		"Timeline Reconstruction":   "timeline",
		"something else entirely":   "general",
		"initial process discovery": "triage", // triage keywords win over process
	}
	for phase, want := range cases {
		if got := CategoryForPhase(phase); got != want {
			t.Errorf("CategoryForPhase(%q) = %q, want %q", phase, got, want)
		}
	}
}

func TestDeriveStatus_Thresholds(t *testing.T) {
	cases := []struct {
		rate  float64
		total int
		want  string
	}{
		{1.0, 10, "completed"},
		{0.8, 10, "completed"},
		{0.79, 10, "partial"},
		{0.5, 10, "partial"},
		{0.49, 10, "failed"},
		{0, 0, "failed"},
		{1.0, 0, "failed"},
	}
	for _, c := range cases {
		if got := DeriveStatus(c.rate, c.total); got != c.want {
			t.Errorf("DeriveStatus(%.2f, %d) = %q, want %q", c.rate, c.total, got, c.want)
		}
	}
}

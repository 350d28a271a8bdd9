package executor

import (
	"context"
	"strings"
	"time"

	"github.com/evidentia/memtriage/pkg/evidence"
	"github.com/evidentia/memtriage/pkg/logger"
	"github.com/evidentia/memtriage/pkg/plan"
)

// Keywords that make a suspicion heuristic eligible to fire.
var suspicionKeywords = []string{"unusual", "suspicious", "anomal", "inject", "hollow", "malicious"}

// Minimum stdout length before a heuristic can flag a command's output.
const minSuspiciousOutputLen = 100

// Ordered phase-name → evidence-category routing. First match wins.
var categoryRoutes = []struct {
	keywords []string
	category string
}{
	{[]string{"triage", "initial"}, "triage"},
	{[]string{"process"}, "processes"},
	{[]string{"network"}, "network"},
	{[]string{"persistence"}, "persistence"},
	{[]string{"memory", "inject"}, "memory"},
	{[]string{"timeline"}, "timeline"},
}

// Hit records one (command, heuristic) suspicion match.
type Hit struct {
	Command      string `json:"command"`
	Heuristic    string `json:"heuristic"`
	Timestamp    string `json:"timestamp"`
	EvidenceFile string `json:"evidence_file,omitempty"`
}

// StepResult aggregates one step's command outcomes.
type StepResult struct {
	StepName           string          `json:"step_name"`
	CommandsExecuted   int             `json:"commands_executed"`
	SuccessfulCommands int             `json:"successful_commands"`
	SuspiciousHits     int             `json:"suspicious_hits"`
	SkippedDuplicates  int             `json:"skipped_duplicates"`
	Results            []CommandResult `json:"results"`
	Hits               []Hit           `json:"hits,omitempty"`
}

// PhaseSummary holds one phase's derived counters.
type PhaseSummary struct {
	ExecutionTime      float64 `json:"execution_time"`
	TotalCommands      int     `json:"total_commands"`
	SuccessfulCommands int     `json:"successful_commands"`
	SuccessRate        float64 `json:"success_rate"`
	TotalHits          int     `json:"total_hits"`
	EndTime            string  `json:"end_time"`
}

// PhaseResult aggregates one phase's steps.
type PhaseResult struct {
	PhaseName string       `json:"phase_name"`
	StartTime string       `json:"start_time"`
	Steps     []StepResult `json:"steps"`
	Summary   PhaseSummary `json:"summary"`
}

// RunSummary is the run-level rollup.
type RunSummary struct {
	ExecutionTime          float64 `json:"execution_time"`
	TotalCommands          int     `json:"total_commands"`
	SuccessfulCommands     int     `json:"successful_commands"`
	SuccessRate            float64 `json:"success_rate"`
	TotalSuspiciousHits    int     `json:"total_suspicious_hits"`
	TriageSuccessRate      float64 `json:"triage_success_rate"`
	DeduplicatedCommands   int     `json:"deduplicated_commands"`
	UniqueCommandsExecuted int     `json:"unique_commands_executed"`
	EvidenceDirectory      string  `json:"evidence_directory"`
	DetailedLogFile        string  `json:"detailed_log_file,omitempty"`
}

// RunResult is the full record of one plan execution.
type RunResult struct {
	PlanVersion    string        `json:"plan_version"`
	ExecutionStart string        `json:"execution_start"`
	ExecutionEnd   string        `json:"execution_end"`
	GlobalTriage   []StepResult  `json:"global_triage"`
	Phases         []PhaseResult `json:"phases"`
	Summary        RunSummary    `json:"summary"`
	Status         string        `json:"status"`
}

// Runner walks a validated plan sequentially: triage steps first, then each
// phase's steps, then each step's commands, all in declared order. A failing
// or timed-out command never halts the run.
type Runner struct {
	exec   *Executor
	store  *evidence.Store
	ledger *Ledger
}

// NewRunner wires a runner around an executor and a shared ledger.
func NewRunner(exec *Executor, store *evidence.Store, ledger *Ledger) *Runner {
	return &Runner{exec: exec, store: store, ledger: ledger}
}

// Run executes the whole plan and returns the aggregated result along with a
// persisted summary snapshot.
func (r *Runner) Run(ctx context.Context, p *plan.Plan, baseCtx map[string]any) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{
		PlanVersion:    p.PlanVersion,
		ExecutionStart: start.Format(time.RFC3339),
	}

	var (
		totalCommands      int
		successfulCommands int
		totalHits          int
		skippedDuplicates  int
		triageTotal        int
		triageSuccess      int
	)

	logger.InfoCF("runner", "starting global triage", map[string]any{"steps": len(p.GlobalTriage)})
	for _, step := range p.GlobalTriage {
		stepCtx := mergeContext(baseCtx, map[string]any{
			"phase": "global_triage",
			"step":  step.Name,
		})
		stepResult := r.runStep(ctx, step, stepCtx, "triage")

		triageTotal += stepResult.CommandsExecuted
		triageSuccess += stepResult.SuccessfulCommands
		totalCommands += stepResult.CommandsExecuted
		successfulCommands += stepResult.SuccessfulCommands
		totalHits += stepResult.SuspiciousHits
		skippedDuplicates += stepResult.SkippedDuplicates

		result.GlobalTriage = append(result.GlobalTriage, stepResult)
	}

	for _, phase := range p.OSWorkflows.Phases {
		phaseStart := time.Now()
		category := CategoryForPhase(phase.Name)
		logger.InfoCF("runner", "starting phase", map[string]any{
			"phase":    phase.Name,
			"category": category,
		})

		phaseResult := PhaseResult{
			PhaseName: phase.Name,
			StartTime: phaseStart.Format(time.RFC3339),
		}

		for _, step := range phase.Steps {
			stepCtx := mergeContext(baseCtx, map[string]any{
				"phase": phase.Name,
				"step":  step.Name,
			})
			stepResult := r.runStep(ctx, step, stepCtx, category)

			phaseResult.Summary.TotalCommands += stepResult.CommandsExecuted
			phaseResult.Summary.SuccessfulCommands += stepResult.SuccessfulCommands
			phaseResult.Summary.TotalHits += stepResult.SuspiciousHits
			skippedDuplicates += stepResult.SkippedDuplicates

			phaseResult.Steps = append(phaseResult.Steps, stepResult)
		}

		phaseResult.Summary.ExecutionTime = time.Since(phaseStart).Seconds()
		phaseResult.Summary.EndTime = time.Now().Format(time.RFC3339)
		phaseResult.Summary.SuccessRate = safeRate(phaseResult.Summary.SuccessfulCommands, phaseResult.Summary.TotalCommands)

		totalCommands += phaseResult.Summary.TotalCommands
		successfulCommands += phaseResult.Summary.SuccessfulCommands
		totalHits += phaseResult.Summary.TotalHits

		result.Phases = append(result.Phases, phaseResult)
	}

	result.ExecutionEnd = time.Now().Format(time.RFC3339)
	result.Summary = RunSummary{
		ExecutionTime:          time.Since(start).Seconds(),
		TotalCommands:          totalCommands,
		SuccessfulCommands:     successfulCommands,
		SuccessRate:            safeRate(successfulCommands, totalCommands),
		TotalSuspiciousHits:    totalHits,
		TriageSuccessRate:      safeRate(triageSuccess, triageTotal),
		DeduplicatedCommands:   skippedDuplicates,
		UniqueCommandsExecuted: r.ledger.Size(),
		EvidenceDirectory:      r.store.Root(),
	}
	result.Status = DeriveStatus(result.Summary.SuccessRate, totalCommands)

	if path, err := r.store.WriteSummary(); err != nil {
		logger.WarnCF("runner", "writing execution summary failed", map[string]any{"error": err.Error()})
	} else {
		result.Summary.DetailedLogFile = path
	}

	logger.InfoCF("runner", "plan execution complete", map[string]any{
		"status":       result.Status,
		"success_rate": result.Summary.SuccessRate,
		"hits":         totalHits,
		"deduplicated": skippedDuplicates,
	})
	return result, nil
}

// runStep executes one step's commands in order, consulting the ledger
// before each, then applies the step's suspicion heuristics.
func (r *Runner) runStep(ctx context.Context, step plan.Step, stepCtx map[string]any, category string) StepResult {
	stepResult := StepResult{StepName: step.Name}

	for _, cmd := range step.Commands {
		var res CommandResult

		if entry, ok := r.ledger.Lookup(cmd); ok {
			res = CommandResult{
				Command:    cmd,
				Status:     entry.Status,
				Timestamp:  time.Now(),
				OutputFile: entry.OutputFile,
				Reused:     true,
			}
			if entry.Status != StatusSuccess {
				res.ExitCode = 1
			}
			stepResult.SkippedDuplicates++
			logger.DebugCF("runner", "reusing prior result", map[string]any{"command": cmd})

			if err := r.store.AppendLog(evidence.LogEntry{
				Timestamp:  res.Timestamp,
				Command:    cmd,
				Status:     string(res.Status),
				ExitCode:   res.ExitCode,
				OutputFile: res.OutputFile,
				Context:    mergeContext(stepCtx, map[string]any{"reused": true}),
			}); err != nil {
				logger.WarnCF("runner", "execution log write failed", map[string]any{"error": err.Error()})
			}
		} else {
			res = r.exec.Execute(ctx, cmd, stepCtx, true, category)
			r.ledger.Record(cmd, res.Status, res.OutputFile)
		}

		stepResult.CommandsExecuted++
		if res.Status == StatusSuccess {
			stepResult.SuccessfulCommands++
		}
		stepResult.Results = append(stepResult.Results, res)
	}

	stepResult.Hits = applyHeuristics(stepResult.Results, step.SuspicionHeuristics)
	stepResult.SuspiciousHits = len(stepResult.Hits)
	return stepResult
}

// applyHeuristics flags one hit per (successful command, matching heuristic)
// pair. A heuristic matches when its text names a suspicion keyword and the
// command produced enough output to be worth a look.
func applyHeuristics(results []CommandResult, heuristics []string) []Hit {
	var hits []Hit
	for _, res := range results {
		if res.Status != StatusSuccess {
			continue
		}
		for _, heuristic := range heuristics {
			if !heuristicApplies(heuristic, res.Stdout) {
				continue
			}
			hits = append(hits, Hit{
				Command:      res.Command,
				Heuristic:    heuristic,
				Timestamp:    res.Timestamp.Format(time.RFC3339),
				EvidenceFile: res.OutputFile,
			})
		}
	}
	return hits
}

func heuristicApplies(heuristic, output string) bool {
	if len(output) <= minSuspiciousOutputLen {
		return false
	}
	lowered := strings.ToLower(heuristic)
	for _, kw := range suspicionKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// CategoryForPhase routes a phase name to an evidence category by
// case-insensitive substring match, in fixed order. Unmatched phases land in
// the general logs category.
func CategoryForPhase(phaseName string) string {
	lowered := strings.ToLower(phaseName)
	for _, route := range categoryRoutes {
		for _, kw := range route.keywords {
			if strings.Contains(lowered, kw) {
				return route.category
			}
		}
	}
	return "general"
}

// DeriveStatus maps a success rate to the run's terminal status. Zero
// commands is defined as rate 0 and resolves to failed.
func DeriveStatus(successRate float64, totalCommands int) string {
	if totalCommands == 0 {
		return "failed"
	}
	switch {
	case successRate >= 0.8:
		return "completed"
	case successRate >= 0.5:
		return "partial"
	default:
		return "failed"
	}
}

func safeRate(successful, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(successful) / float64(total)
}

func mergeContext(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

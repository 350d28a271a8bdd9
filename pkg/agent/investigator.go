// Package agent orchestrates a full investigation: an LLM planner proposes a
// command plan, the plan is schema-validated and reviewed, the executor runs
// it against the evidence store, the analysis engine interprets the collected
// output, and high-signal results trigger a bounded deeper-analysis pass.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evidentia/memtriage/pkg/analysis"
	"github.com/evidentia/memtriage/pkg/config"
	"github.com/evidentia/memtriage/pkg/evidence"
	"github.com/evidentia/memtriage/pkg/executor"
	"github.com/evidentia/memtriage/pkg/logger"
	"github.com/evidentia/memtriage/pkg/plan"
	"github.com/evidentia/memtriage/pkg/providers"
	"github.com/evidentia/memtriage/pkg/tokens"
)

// Investigation states. The machine moves strictly forward except for the
// planning loop, which retries on validation or review failure up to the
// configured limit before falling back to the built-in plan.
const (
	statePlanning   = "planning"
	stateValidating = "validating"
	stateEvaluating = "evaluating"
	stateExecuting  = "executing"
	stateTriaging   = "triaging"
	stateDeeper     = "deeper_analysis"
	stateDone       = "done"
)

// Request describes one investigation to run.
type Request struct {
	CaseID   string
	DumpPath string
	OSHint   string
	Prompt   string
}

// Report is the final record of an investigation.
type Report struct {
	RunID             string                   `json:"run_id"`
	CaseID            string                   `json:"case_id"`
	Timestamp         string                   `json:"timestamp"`
	DumpPath          string                   `json:"dump_path"`
	OSHint            string                   `json:"os_hint,omitempty"`
	PlanVersion       string                   `json:"plan_version"`
	PlanSource        string                   `json:"plan_source"` // llm or fallback
	Execution         *executor.RunResult      `json:"execution"`
	Analysis          *analysis.Result         `json:"analysis,omitempty"`
	Escalated         bool                     `json:"escalated"`
	EscalationReasons []string                 `json:"escalation_reasons,omitempty"`
	DeeperResults     []executor.CommandResult `json:"deeper_results,omitempty"`
	DeeperAnalysis    *analysis.Result         `json:"deeper_analysis,omitempty"`
	EvidenceDirectory string                   `json:"evidence_directory"`
}

// planEvaluation is the reviewer's verdict on a proposed plan.
type planEvaluation struct {
	Feedback           string `json:"feedback"`
	SuccessCriteriaMet bool   `json:"success_criteria_met"`
	UserInputNeeded    bool   `json:"user_input_needed"`
}

// Investigator drives the investigation state machine.
type Investigator struct {
	cfg *config.Config

	openai    providers.Provider
	anthropic providers.Provider
}

// New builds an investigator from configuration. Providers are constructed
// lazily per backend; a missing API key only fails when a model actually
// resolves to that backend.
func New(cfg *config.Config) *Investigator {
	inv := &Investigator{cfg: cfg}
	if cfg.OpenAIAPIKey != "" {
		inv.openai = providers.NewOpenAIProvider(cfg.OpenAIAPIKey)
	}
	if cfg.AnthropicAPIKey != "" {
		inv.anthropic = providers.NewClaudeProvider(cfg.AnthropicAPIKey)
	}
	return inv
}

// providerFor resolves a model name to its backend client.
func (inv *Investigator) providerFor(model string) (providers.Provider, error) {
	switch providers.ResolveProvider(model) {
	case "anthropic":
		if inv.anthropic == nil {
			return nil, fmt.Errorf("model %q requires ANTHROPIC_API_KEY", model)
		}
		return inv.anthropic, nil
	default:
		if inv.openai == nil {
			return nil, fmt.Errorf("model %q requires OPENAI_API_KEY", model)
		}
		return inv.openai, nil
	}
}

// NormalizeOSHint lowercases and canonicalizes a user-supplied OS hint.
// Aliases of macOS collapse to "macos"; unknown values pass through lowered
// with a warning so the planner still sees them.
func NormalizeOSHint(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	switch h {
	case "", "windows", "linux", "macos":
		return h
	case "mac", "osx", "os x", "darwin":
		return "macos"
	case "win", "win10", "win11":
		return "windows"
	default:
		logger.WarnCF("agent", "unrecognized OS hint, passing through", map[string]any{"hint": h})
		return h
	}
}

// Investigate runs one complete investigation and writes the final report
// into the run's evidence directory.
func (inv *Investigator) Investigate(ctx context.Context, req Request) (*Report, error) {
	runID := uuid.NewString()
	osHint := NormalizeOSHint(req.OSHint)
	caseID := req.CaseID
	if caseID == "" {
		caseID = "case"
	}

	runDir := filepath.Join(inv.cfg.EvidenceBaseDir,
		fmt.Sprintf("%s_%s", sanitizeCaseID(caseID), time.Now().Format("20060102_150405")))
	store, err := evidence.NewStore(runDir)
	if err != nil {
		return nil, fmt.Errorf("creating evidence store: %w", err)
	}

	logger.InfoCF("agent", "investigation started", map[string]any{
		"run_id":   runID,
		"case_id":  caseID,
		"dump":     req.DumpPath,
		"os_hint":  osHint,
		"evidence": runDir,
	})

	report := &Report{
		RunID:             runID,
		CaseID:            caseID,
		Timestamp:         time.Now().Format(time.RFC3339),
		DumpPath:          req.DumpPath,
		OSHint:            osHint,
		EvidenceDirectory: runDir,
	}

	var (
		state       = statePlanning
		rawPlan     string
		activePlan  *plan.Plan
		feedback    string
		planAttempt int
	)

	for state != stateDone {
		switch state {
		case statePlanning:
			if planAttempt >= inv.cfg.MaxRetries {
				// A schema-valid plan the reviewer kept rejecting is still a
				// better plan than the minimal built-in one.
				if activePlan != nil {
					logger.WarnCF("agent", "planning retries exhausted, proceeding with last validated plan", map[string]any{
						"attempts":     planAttempt,
						"plan_version": activePlan.PlanVersion,
					})
					state = stateExecuting
					continue
				}
				logger.WarnCF("agent", "planning retries exhausted with no valid plan, using fallback plan", map[string]any{
					"attempts": planAttempt,
				})
				activePlan = plan.Fallback(req.DumpPath, osHint)
				report.PlanSource = "fallback"
				state = stateExecuting
				continue
			}
			planAttempt++

			raw, err := inv.chat(ctx, inv.cfg.PlannerModel, []providers.Message{
				{Role: "system", Content: plannerSystemPrompt},
				{Role: "user", Content: plannerUserPrompt(req.DumpPath, osHint, req.Prompt, feedback)},
			}, true)
			if err != nil {
				logger.ErrorCF("agent", "planner call failed, using fallback plan", map[string]any{
					"error": err.Error(),
				})
				activePlan = plan.Fallback(req.DumpPath, osHint)
				report.PlanSource = "fallback"
				state = stateExecuting
				continue
			}
			rawPlan = raw
			state = stateValidating

		case stateValidating:
			parsed, err := plan.Parse(rawPlan)
			if err != nil {
				logger.WarnCF("agent", "plan rejected by validator, replanning", map[string]any{
					"attempt": planAttempt,
					"error":   err.Error(),
				})
				feedback = fmt.Sprintf("The plan failed validation: %v", err)
				state = statePlanning
				continue
			}
			activePlan = parsed
			report.PlanSource = "llm"
			state = stateEvaluating

		case stateEvaluating:
			eval, err := inv.evaluatePlan(ctx, rawPlan)
			if err != nil {
				// Review is advisory. A broken reviewer should not block
				// execution of a schema-valid plan.
				logger.WarnCF("agent", "plan review failed, proceeding with validated plan", map[string]any{
					"error": err.Error(),
				})
				state = stateExecuting
				continue
			}
			if !eval.SuccessCriteriaMet {
				logger.InfoCF("agent", "plan review requested changes, replanning", map[string]any{
					"attempt":  planAttempt,
					"feedback": eval.Feedback,
				})
				feedback = eval.Feedback
				state = statePlanning
				continue
			}
			state = stateExecuting

		case stateExecuting:
			exec := executor.NewExecutor(store, inv.cfg.CommandTimeout)
			runner := executor.NewRunner(exec, store, executor.NewLedger())
			baseCtx := map[string]any{
				"run_id":  runID,
				"case_id": caseID,
			}
			runResult, err := runner.Run(ctx, activePlan, baseCtx)
			if err != nil {
				return nil, fmt.Errorf("executing plan: %w", err)
			}
			report.PlanVersion = activePlan.PlanVersion
			report.Execution = runResult
			state = stateTriaging

		case stateTriaging:
			res, err := inv.analyzeEvidence(ctx, store, report.Execution, req, osHint)
			if err != nil {
				logger.ErrorCF("agent", "evidence analysis failed", map[string]any{
					"error": err.Error(),
				})
				state = stateDone
				continue
			}
			report.Analysis = res

			escalate, reasons := ShouldEscalate(res, inv.cfg.ThreatScoreThreshold, inv.cfg.ConfidenceThreshold)
			report.Escalated = escalate
			report.EscalationReasons = reasons
			if escalate {
				logger.InfoCF("agent", "escalating to deeper analysis", map[string]any{
					"reasons": strings.Join(reasons, "; "),
				})
				state = stateDeeper
			} else {
				state = stateDone
			}

		case stateDeeper:
			src := analysis.SourceInfo{DumpPath: req.DumpPath, OSHint: osHint, UserPrompt: req.Prompt}
			results, deeperRes, err := inv.runDeeperAnalysis(ctx, req.DumpPath, report.Analysis, store, src)
			if err != nil {
				logger.ErrorCF("agent", "deeper analysis failed", map[string]any{
					"error": err.Error(),
				})
			}
			report.DeeperResults = results
			report.DeeperAnalysis = deeperRes
			state = stateDone
		}
	}

	name := fmt.Sprintf("investigation_report_%s.json", time.Now().Format("20060102_150405"))
	if path, err := store.WriteJSON(name, report); err != nil {
		logger.WarnCF("agent", "failed to write investigation report", map[string]any{
			"error": err.Error(),
		})
	} else {
		logger.InfoCF("agent", "investigation complete", map[string]any{
			"report": path,
		})
	}
	return report, nil
}

// RunPlan executes an externally supplied plan without the planning loop,
// then analyzes the collected evidence. Used by the run-plan CLI command.
func (inv *Investigator) RunPlan(ctx context.Context, raw string, caseID string) (*Report, error) {
	parsed, err := plan.Parse(raw)
	if err != nil {
		return nil, err
	}
	req := Request{
		CaseID:   caseID,
		DumpPath: parsed.Inputs.DumpPath,
		OSHint:   parsed.Inputs.OSHint,
	}
	return inv.investigateWithPlan(ctx, req, parsed)
}

func (inv *Investigator) investigateWithPlan(ctx context.Context, req Request, activePlan *plan.Plan) (*Report, error) {
	runID := uuid.NewString()
	osHint := NormalizeOSHint(req.OSHint)
	caseID := req.CaseID
	if caseID == "" {
		caseID = "case"
	}

	runDir := filepath.Join(inv.cfg.EvidenceBaseDir,
		fmt.Sprintf("%s_%s", sanitizeCaseID(caseID), time.Now().Format("20060102_150405")))
	store, err := evidence.NewStore(runDir)
	if err != nil {
		return nil, fmt.Errorf("creating evidence store: %w", err)
	}

	exec := executor.NewExecutor(store, inv.cfg.CommandTimeout)
	runner := executor.NewRunner(exec, store, executor.NewLedger())
	runResult, err := runner.Run(ctx, activePlan, map[string]any{"run_id": runID, "case_id": caseID})
	if err != nil {
		return nil, fmt.Errorf("executing plan: %w", err)
	}

	report := &Report{
		RunID:             runID,
		CaseID:            caseID,
		Timestamp:         time.Now().Format(time.RFC3339),
		DumpPath:          req.DumpPath,
		OSHint:            osHint,
		PlanVersion:       activePlan.PlanVersion,
		PlanSource:        "supplied",
		Execution:         runResult,
		EvidenceDirectory: runDir,
	}

	res, err := inv.analyzeEvidence(ctx, store, runResult, req, osHint)
	if err != nil {
		logger.ErrorCF("agent", "evidence analysis failed", map[string]any{"error": err.Error()})
	} else {
		report.Analysis = res
		report.Escalated, report.EscalationReasons = ShouldEscalate(res, inv.cfg.ThreatScoreThreshold, inv.cfg.ConfidenceThreshold)
		if report.Escalated {
			src := analysis.SourceInfo{DumpPath: req.DumpPath, OSHint: osHint}
			report.DeeperResults, report.DeeperAnalysis, _ = inv.runDeeperAnalysis(ctx, req.DumpPath, res, store, src)
		}
	}

	name := fmt.Sprintf("investigation_report_%s.json", time.Now().Format("20060102_150405"))
	if _, err := store.WriteJSON(name, report); err != nil {
		logger.WarnCF("agent", "failed to write investigation report", map[string]any{"error": err.Error()})
	}
	return report, nil
}

// analyzeEvidence assembles the collected evidence into one text and runs it
// through the chunked analysis engine.
func (inv *Investigator) analyzeEvidence(ctx context.Context, store *evidence.Store, run *executor.RunResult, req Request, osHint string) (*analysis.Result, error) {
	text := GatherAnalysisContext(store, run)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no evidence collected to analyze")
	}
	engine, err := inv.newAnalysisEngine()
	if err != nil {
		return nil, err
	}

	src := analysis.SourceInfo{
		DumpPath:   req.DumpPath,
		OSHint:     osHint,
		UserPrompt: req.Prompt,
	}
	return engine.Analyze(ctx, text, store, src)
}

// newAnalysisEngine wires the configured analyzer model and its fallback into
// a chunked analysis engine.
func (inv *Investigator) newAnalysisEngine() (*analysis.Engine, error) {
	provider, err := inv.providerFor(inv.cfg.AnalyzerModel)
	if err != nil {
		return nil, err
	}
	fallbackProvider, err := inv.providerFor(inv.cfg.FallbackAnalyzerModel)
	if err != nil {
		fallbackProvider = nil
	}

	analyzer := &llmAnalyzer{
		provider:         provider,
		fallbackProvider: fallbackProvider,
		model:            inv.cfg.AnalyzerModel,
		fallbackModel:    inv.cfg.FallbackAnalyzerModel,
		temperature:      inv.cfg.LLMTemperature,
		maxTokens:        inv.cfg.LLMMaxTokens,
		timeout:          inv.cfg.LLMTimeout,
	}
	return analysis.NewEngine(analyzer, tokens.NewCounter(inv.cfg.AnalyzerModel), analysis.EngineConfig{
		MaxChunkTokens: inv.cfg.MaxChunkTokens,
		Concurrency:    inv.cfg.ChunkConcurrency,
		MaxRetries:     inv.cfg.MaxRetries,
		BaseDelay:      inv.cfg.RateLimitDelay,
		MaxDelay:       inv.cfg.MaxRateLimitDelay,
	}), nil
}

// evaluatePlan asks the reviewer model for a verdict on the raw plan JSON.
func (inv *Investigator) evaluatePlan(ctx context.Context, rawPlan string) (*planEvaluation, error) {
	content, err := inv.chat(ctx, inv.cfg.EvaluatorModel, []providers.Message{
		{Role: "system", Content: evaluatorSystemPrompt},
		{Role: "user", Content: evaluatorUserPrompt(rawPlan)},
	}, true)
	if err != nil {
		return nil, err
	}
	var eval planEvaluation
	if err := json.Unmarshal([]byte(stripJSONFences(content)), &eval); err != nil {
		return nil, fmt.Errorf("parsing plan review: %w", err)
	}
	return &eval, nil
}

// chat sends one request to the backend serving the given model, under the
// configured per-call timeout.
func (inv *Investigator) chat(ctx context.Context, model string, messages []providers.Message, jsonOutput bool) (string, error) {
	provider, err := inv.providerFor(model)
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, inv.cfg.LLMTimeout)
	defer cancel()

	temp := inv.cfg.LLMTemperature
	resp, err := provider.Chat(cctx, messages, model, providers.Options{
		Temperature: &temp,
		MaxTokens:   inv.cfg.LLMMaxTokens,
		JSONOutput:  jsonOutput,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// sanitizeCaseID keeps case identifiers filesystem-safe.
func sanitizeCaseID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "case"
	}
	return b.String()
}

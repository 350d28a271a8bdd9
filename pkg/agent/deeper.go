package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/evidentia/memtriage/pkg/analysis"
	"github.com/evidentia/memtriage/pkg/evidence"
	"github.com/evidentia/memtriage/pkg/executor"
	"github.com/evidentia/memtriage/pkg/logger"
	"github.com/evidentia/memtriage/pkg/providers"
	"github.com/evidentia/memtriage/pkg/safety"
)

// Finding types that always warrant a second pass regardless of scores.
var escalatingFindingTypes = []string{"code_injection", "persistence", "network_activity"}

// ShouldEscalate decides whether analysis results justify deeper analysis.
// Escalation triggers when the threat score reaches the threshold, confidence
// falls below its threshold, any finding is high severity, or any finding
// type matches a known-escalating category. Returns the reasons so the report
// can show why.
func ShouldEscalate(res *analysis.Result, threatThreshold, confidenceThreshold float64) (bool, []string) {
	var reasons []string
	if res.ThreatScore >= threatThreshold {
		reasons = append(reasons, fmt.Sprintf("threat score %.1f >= %.1f", res.ThreatScore, threatThreshold))
	}
	if res.Confidence < confidenceThreshold {
		reasons = append(reasons, fmt.Sprintf("analysis confidence %.2f < %.2f", res.Confidence, confidenceThreshold))
	}
	for _, f := range res.Findings {
		if strings.EqualFold(f.Severity, "high") {
			reasons = append(reasons, fmt.Sprintf("high severity finding: %s", f.FindingType))
			break
		}
	}
	for _, f := range res.Findings {
		ft := strings.ToLower(f.FindingType)
		for _, esc := range escalatingFindingTypes {
			if strings.Contains(ft, esc) {
				reasons = append(reasons, fmt.Sprintf("escalating finding type: %s", f.FindingType))
				return true, reasons
			}
		}
	}
	return len(reasons) > 0, reasons
}

// Deeper-analysis command templates by category. "{dump}" and "{pid}" are
// substituted; templates without "{pid}" run once regardless of which PIDs
// were extracted.
var deeperCommandTemplates = map[string][]string{
	"code_injection": {
		"vol3 -f {dump} windows.malfind",
		"vol3 -f {dump} windows.vadinfo --pid {pid}",
		"vol3 -f {dump} windows.dlllist --pid {pid}",
	},
	"persistence": {
		`vol3 -f {dump} windows.registry.printkey --key 'Software\Microsoft\Windows\CurrentVersion\Run'`,
		"vol3 -f {dump} windows.svcscan",
		"vol3 -f {dump} windows.scheduled_tasks",
	},
	"network_activity": {
		"vol3 -f {dump} windows.netscan",
		"vol3 -f {dump} windows.netstat",
	},
	"process_anomaly": {
		"vol3 -f {dump} windows.pstree",
		"vol3 -f {dump} windows.cmdline --pid {pid}",
		"vol3 -f {dump} windows.handles --pid {pid}",
	},
}

const (
	maxDeeperCommands            = 8
	maxDeeperCommandsPerCategory = 3
	maxDeeperPIDs                = 2
)

var pidPattern = regexp.MustCompile(`(?i)pid[:\s]*(\d+)`)

// extractPIDs pulls process IDs out of finding evidence text, deduplicated in
// first-seen order, capped at maxDeeperPIDs.
func extractPIDs(findings []analysis.Finding) []string {
	seen := make(map[string]bool)
	var pids []string
	for _, f := range findings {
		for _, m := range pidPattern.FindAllStringSubmatch(f.Evidence+" "+f.Description, -1) {
			pid := m[1]
			if seen[pid] {
				continue
			}
			seen[pid] = true
			pids = append(pids, pid)
			if len(pids) >= maxDeeperPIDs {
				return pids
			}
		}
	}
	return pids
}

// categoryForFinding maps a finding type onto a deeper-analysis command
// category.
func categoryForFinding(findingType string) string {
	ft := strings.ToLower(findingType)
	switch {
	case strings.Contains(ft, "inject") || strings.Contains(ft, "hollow"):
		return "code_injection"
	case strings.Contains(ft, "persist"):
		return "persistence"
	case strings.Contains(ft, "network"):
		return "network_activity"
	case strings.Contains(ft, "process"):
		return "process_anomaly"
	default:
		return ""
	}
}

// buildDeeperCommands expands templates for the categories the findings hit,
// honoring the per-category and total caps.
func buildDeeperCommands(dumpPath string, findings []analysis.Finding) []string {
	pids := extractPIDs(findings)

	var categories []string
	seen := make(map[string]bool)
	for _, f := range findings {
		cat := categoryForFinding(f.FindingType)
		if cat == "" || seen[cat] {
			continue
		}
		seen[cat] = true
		categories = append(categories, cat)
	}

	var commands []string
	addCommand := func(cmd string) bool {
		for _, existing := range commands {
			if existing == cmd {
				return true
			}
		}
		if len(commands) >= maxDeeperCommands {
			return false
		}
		commands = append(commands, cmd)
		return true
	}

	for _, cat := range categories {
		perCategory := 0
		for _, tmpl := range deeperCommandTemplates[cat] {
			if perCategory >= maxDeeperCommandsPerCategory {
				break
			}
			base := strings.ReplaceAll(tmpl, "{dump}", dumpPath)
			if strings.Contains(base, "{pid}") {
				for _, pid := range pids {
					if perCategory >= maxDeeperCommandsPerCategory {
						break
					}
					if !addCommand(strings.ReplaceAll(base, "{pid}", pid)) {
						return commands
					}
					perCategory++
				}
			} else {
				if !addCommand(base) {
					return commands
				}
				perCategory++
			}
		}
	}
	return commands
}

// parseDeeperCommands extracts the command list from the model's response,
// keeping only commands that pass the safety gate, capped at
// maxDeeperCommands.
func parseDeeperCommands(raw string) []string {
	var proposal struct {
		Commands []string `json:"commands"`
	}
	if err := json.Unmarshal([]byte(stripJSONFences(raw)), &proposal); err != nil {
		logger.WarnCF("agent", "unparseable deeper plan response", map[string]any{
			"error": err.Error(),
		})
		return nil
	}

	var commands []string
	for _, cmd := range proposal.Commands {
		if len(commands) >= maxDeeperCommands {
			break
		}
		if _, err := safety.SafeArgv(cmd); err != nil {
			logger.WarnCF("agent", "rejected proposed deeper command", map[string]any{
				"command": cmd,
				"error":   err.Error(),
			})
			continue
		}
		commands = append(commands, cmd)
	}
	return commands
}

// deeperPlan asks the planner model for follow-up commands targeting the
// triage findings. The template table is the fallback when the model is
// unavailable or proposes nothing usable.
func (inv *Investigator) deeperPlan(ctx context.Context, dumpPath string, res *analysis.Result) []string {
	raw, err := inv.chat(ctx, inv.cfg.PlannerModel, []providers.Message{
		{Role: "system", Content: deeperPlanSystemPrompt},
		{Role: "user", Content: deeperPlanUserPrompt(dumpPath, res)},
	}, true)
	if err != nil {
		logger.WarnCF("agent", "deeper plan call failed, using template commands", map[string]any{
			"error": err.Error(),
		})
		return buildDeeperCommands(dumpPath, res.Findings)
	}
	if commands := parseDeeperCommands(raw); len(commands) > 0 {
		return commands
	}
	logger.WarnCF("agent", "deeper plan produced no usable commands, using template commands", nil)
	return buildDeeperCommands(dumpPath, res.Findings)
}

// runDeeperAnalysis executes the escalation command set against a fresh
// ledger under the deeper_analysis subtree, so commands already run during
// the main investigation execute again with full output capture. The
// collected output then goes back through the analysis engine for a second
// verdict scoped to the follow-up evidence.
func (inv *Investigator) runDeeperAnalysis(ctx context.Context, dumpPath string, res *analysis.Result, store *evidence.Store, src analysis.SourceInfo) ([]executor.CommandResult, *analysis.Result, error) {
	commands := inv.deeperPlan(ctx, dumpPath, res)
	if len(commands) == 0 {
		logger.InfoC("agent", "no deeper analysis commands derived from findings")
		return nil, nil, nil
	}

	deepStore, err := store.DeeperStore()
	if err != nil {
		return nil, nil, err
	}
	exec := executor.NewExecutor(deepStore, inv.cfg.CommandTimeout)

	logger.InfoCF("agent", "running deeper analysis", map[string]any{
		"commands": len(commands),
	})
	var results []executor.CommandResult
	for _, cmd := range commands {
		execCtx := map[string]any{"phase": "deeper_analysis"}
		results = append(results, exec.Execute(ctx, cmd, execCtx, true, "memory"))
	}

	deeperRes, err := inv.analyzeDeeperEvidence(ctx, deepStore, src)
	if err != nil {
		logger.WarnCF("agent", "deeper evidence analysis failed", map[string]any{
			"error": err.Error(),
		})
		return results, nil, nil
	}
	return results, deeperRes, nil
}

// analyzeDeeperEvidence runs the follow-up evidence through the analysis
// engine, snapshotted separately from the initial pass.
func (inv *Investigator) analyzeDeeperEvidence(ctx context.Context, deepStore *evidence.Store, src analysis.SourceInfo) (*analysis.Result, error) {
	text := GatherAnalysisContext(deepStore, nil)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no deeper evidence collected to analyze")
	}
	engine, err := inv.newAnalysisEngine()
	if err != nil {
		return nil, err
	}
	return engine.AnalyzeDeeper(ctx, text, deepStore, src)
}

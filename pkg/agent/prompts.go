package agent

import (
	"fmt"
	"strings"

	"github.com/evidentia/memtriage/pkg/analysis"
)

const plannerSystemPrompt = `You are a memory forensics investigation planner. You design Volatility 3 command plans for analyzing memory dumps.

Rules:
- Every command must start with the launcher "vol" or "vol3" followed by its arguments.
- Never use shell features: no pipes, redirection, command chaining, or substitution.
- Prefer broad triage plugins first (pslist, pstree, netscan), then targeted plugins per phase.
- Respond with a single JSON object only, no prose and no markdown fences.

The JSON object must have this shape:
{
  "plan_version": "1.0.0",
  "inputs": {"dump_path": "...", "os_hint": "..."},
  "goals": ["..."],
  "constraints": ["..."],
  "global_triage": [{"name": "...", "commands": ["..."], "suspicion_heuristics": ["..."]}],
  "os_workflows": {"phases": [{"name": "...", "steps": [{"name": "...", "commands": ["..."], "suspicion_heuristics": ["..."]}]}]}
}`

func plannerUserPrompt(dumpPath, osHint, userPrompt, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Design an investigation plan for the memory dump at %s.\n", dumpPath)
	if osHint != "" {
		fmt.Fprintf(&b, "The operating system is believed to be %s; scope the phase plugins accordingly.\n", osHint)
	} else {
		b.WriteString("The operating system is unknown; start with OS identification in global triage.\n")
	}
	if userPrompt != "" {
		fmt.Fprintf(&b, "Investigation focus from the analyst: %s\n", userPrompt)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nYour previous plan was rejected. Address this feedback:\n%s\n", feedback)
	}
	return b.String()
}

const evaluatorSystemPrompt = `You review memory forensics investigation plans for completeness and safety before execution.

Check that the plan:
- covers process, network, and persistence analysis for the stated OS
- uses only vol/vol3 commands with no shell metacharacters
- orders broad triage before targeted plugins

Respond with a single JSON object only:
{"feedback": "...", "success_criteria_met": true|false, "user_input_needed": false}`

func evaluatorUserPrompt(planJSON string) string {
	return "Review this investigation plan:\n\n" + planJSON
}

const analysisSystemPrompt = `You are a memory forensics analyst reviewing Volatility command output for signs of compromise.

Look for process injection, hollowing, suspicious network connections, persistence mechanisms, hidden or masquerading processes, and unusual parent-child relationships.

Respond with a single JSON object only:
{
  "suspicious_findings": [{"finding_type": "...", "description": "...", "severity": "low|medium|high|critical", "evidence": "...", "score": 0.0}],
  "executive_summary": "...",
  "threat_score": 0.0,
  "key_indicators": ["..."],
  "recommended_actions": ["..."],
  "analysis_confidence": 0.0
}
threat_score is 0-10, analysis_confidence is 0-1. Reference concrete PIDs and artifacts in evidence fields where the output supports it.`

const deeperPlanSystemPrompt = `You plan targeted follow-up Volatility 3 commands after an initial memory forensics triage flagged suspicious findings.

Rules:
- Every command must start with the launcher "vol" or "vol3" followed by its arguments.
- Never use shell features: no pipes, redirection, command chaining, or substitution.
- Target the specific findings: use --pid for processes named in the evidence, pick plugins that confirm or refute each finding.
- Propose at most 8 commands.

Respond with a single JSON object only:
{"commands": ["..."]}`

func deeperPlanUserPrompt(dumpPath string, res *analysis.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The memory dump at %s was triaged with an overall threat score of %.1f/10.\n\n", dumpPath, res.ThreatScore)
	if res.ExecutiveSummary != "" {
		fmt.Fprintf(&b, "Summary: %s\n\n", res.ExecutiveSummary)
	}
	b.WriteString("Suspicious findings to investigate further:\n")
	for _, f := range res.Findings {
		fmt.Fprintf(&b, "- [%s] %s: %s", f.Severity, f.FindingType, f.Description)
		if f.Evidence != "" {
			fmt.Fprintf(&b, " (evidence: %s)", f.Evidence)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nPropose follow-up commands that dig into these findings.\n")
	return b.String()
}

func analysisUserPrompt(chunk, chunkInfo string) string {
	var b strings.Builder
	if chunkInfo != "" {
		fmt.Fprintf(&b, "This is %s of the collected evidence.\n\n", chunkInfo)
	}
	b.WriteString("Analyze the following forensic evidence:\n\n")
	b.WriteString(chunk)
	return b.String()
}

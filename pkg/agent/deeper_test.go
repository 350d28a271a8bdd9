package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/evidentia/memtriage/pkg/analysis"
	"github.com/evidentia/memtriage/pkg/safety"
)

func TestShouldEscalate_ThreatThresholdIsInclusive(t *testing.T) {
	res := &analysis.Result{ThreatScore: 7.0, Confidence: 0.95}
	escalate, reasons := ShouldEscalate(res, 7.0, 0.8)
	if !escalate {
		t.Fatal("threat score exactly at threshold must escalate")
	}
	if len(reasons) == 0 || !strings.Contains(reasons[0], "threat score") {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestShouldEscalate_LowConfidence(t *testing.T) {
	res := &analysis.Result{ThreatScore: 2.0, Confidence: 0.5}
	if escalate, _ := ShouldEscalate(res, 7.0, 0.8); !escalate {
		t.Error("low confidence must escalate even with low threat")
	}
}

func TestShouldEscalate_HighSeverityFinding(t *testing.T) {
	res := &analysis.Result{
		ThreatScore: 3.0,
		Confidence:  0.9,
		Findings:    []analysis.Finding{{FindingType: "odd_handle", Severity: "HIGH"}},
	}
	if escalate, _ := ShouldEscalate(res, 7.0, 0.8); !escalate {
		t.Error("high severity finding must escalate, case-insensitively")
	}
}

func TestShouldEscalate_EscalatingFindingTypes(t *testing.T) {
	for _, ft := range []string{"code_injection", "persistence_registry", "network_activity_beacon"} {
		res := &analysis.Result{
			ThreatScore: 1.0,
			Confidence:  0.95,
			Findings:    []analysis.Finding{{FindingType: ft, Severity: "low"}},
		}
		if escalate, _ := ShouldEscalate(res, 7.0, 0.8); !escalate {
			t.Errorf("finding type %q must escalate", ft)
		}
	}
}

func TestShouldEscalate_QuietResult(t *testing.T) {
	res := &analysis.Result{
		ThreatScore: 2.0,
		Confidence:  0.95,
		Findings:    []analysis.Finding{{FindingType: "benign_artifact", Severity: "low"}},
	}
	if escalate, reasons := ShouldEscalate(res, 7.0, 0.8); escalate {
		t.Errorf("quiet result escalated: %v", reasons)
	}
}

func TestExtractPIDs_DedupAndCap(t *testing.T) {
	findings := []analysis.Finding{
		{Evidence: "injection in PID 4512 spawned by pid: 4512"},
		{Evidence: "beacon from PID 880", Description: "also pid 7001 involved"},
	}
	pids := extractPIDs(findings)
	if len(pids) != 2 {
		t.Fatalf("pids = %v, want cap of 2", pids)
	}
	if pids[0] != "4512" || pids[1] != "880" {
		t.Errorf("pids = %v, want first-seen order", pids)
	}
}

func TestBuildDeeperCommands_SubstitutesAndCaps(t *testing.T) {
	findings := []analysis.Finding{
		{FindingType: "code_injection", Evidence: "pid 4512"},
		{FindingType: "persistence_run_key", Evidence: ""},
		{FindingType: "network_activity", Evidence: "pid 880"},
		{FindingType: "process_hollowing_suspect", Evidence: ""},
	}
	commands := buildDeeperCommands("/cases/mem.raw", findings)

	if len(commands) == 0 || len(commands) > 8 {
		t.Fatalf("commands = %d, want 1..8", len(commands))
	}
	perCategory := map[string]int{}
	for _, cmd := range commands {
		if !strings.Contains(cmd, "/cases/mem.raw") {
			t.Errorf("dump path not substituted: %q", cmd)
		}
		if strings.Contains(cmd, "{pid}") || strings.Contains(cmd, "{dump}") {
			t.Errorf("unsubstituted placeholder: %q", cmd)
		}
		switch {
		case strings.Contains(cmd, "malfind") || strings.Contains(cmd, "vadinfo") || strings.Contains(cmd, "dlllist"):
			perCategory["code_injection"]++
		case strings.Contains(cmd, "printkey") || strings.Contains(cmd, "svcscan") || strings.Contains(cmd, "scheduled"):
			perCategory["persistence"]++
		case strings.Contains(cmd, "netscan") || strings.Contains(cmd, "netstat"):
			perCategory["network_activity"]++
		}
	}
	for cat, n := range perCategory {
		if n > 3 {
			t.Errorf("category %s has %d commands, cap 3", cat, n)
		}
	}
}

// TestBuildDeeperCommands_AllPassSafetyGate: every generated follow-up
// command must survive the same gate as planner commands.
func TestBuildDeeperCommands_AllPassSafetyGate(t *testing.T) {
	findings := []analysis.Finding{
		{FindingType: "code_injection", Evidence: "pid 4512 and pid 880"},
		{FindingType: "persistence", Evidence: ""},
		{FindingType: "network_activity", Evidence: ""},
		{FindingType: "process_anomaly", Evidence: ""},
	}
	for _, cmd := range buildDeeperCommands("/cases/mem.raw", findings) {
		if _, err := safety.SafeArgv(cmd); err != nil {
			t.Errorf("deeper command rejected by gate: %q: %v", cmd, err)
		}
	}
}

func TestBuildDeeperCommands_NoMatchingFindings(t *testing.T) {
	findings := []analysis.Finding{{FindingType: "informational", Evidence: "nothing"}}
	if commands := buildDeeperCommands("/cases/mem.raw", findings); len(commands) != 0 {
		t.Errorf("commands = %v, want none for unmatched finding types", commands)
	}
}

func TestParseDeeperCommands_FiltersUnsafeAndCaps(t *testing.T) {
	raw := `{"commands": [
		"vol3 -f /cases/mem.raw windows.malfind",
		"vol3 -f /cases/mem.raw windows.pslist; rm -rf /",
		"cat /etc/passwd",
		"vol3 -f /cases/mem.raw windows.netscan",
		"vol3 -f /cases/mem.raw windows.dlllist --pid 1",
		"vol3 -f /cases/mem.raw windows.dlllist --pid 2",
		"vol3 -f /cases/mem.raw windows.dlllist --pid 3",
		"vol3 -f /cases/mem.raw windows.dlllist --pid 4",
		"vol3 -f /cases/mem.raw windows.dlllist --pid 5",
		"vol3 -f /cases/mem.raw windows.dlllist --pid 6",
		"vol3 -f /cases/mem.raw windows.dlllist --pid 7"
	]}`
	commands := parseDeeperCommands(raw)

	if len(commands) != 8 {
		t.Fatalf("commands = %d, want cap of 8", len(commands))
	}
	for _, cmd := range commands {
		if strings.Contains(cmd, ";") || strings.HasPrefix(cmd, "cat") {
			t.Errorf("unsafe command survived the gate: %q", cmd)
		}
	}
	if commands[0] != "vol3 -f /cases/mem.raw windows.malfind" {
		t.Errorf("commands[0] = %q, want model order preserved", commands[0])
	}
}

func TestParseDeeperCommands_ProseResponse(t *testing.T) {
	if commands := parseDeeperCommands("run malfind next"); commands != nil {
		t.Errorf("commands = %v, want none for an unparseable response", commands)
	}
}

// TestDeeperPlan_ModelCommandsPreferred: a usable model proposal replaces the
// template table.
func TestDeeperPlan_ModelCommandsPreferred(t *testing.T) {
	backend := &stubProvider{response: `{"commands": ["vol3 -f /cases/mem.raw windows.vadinfo --pid 4512"]}`}
	inv := testInvestigator(t, backend)

	res := &analysis.Result{
		ThreatScore: 8.0,
		Findings:    []analysis.Finding{{FindingType: "code_injection", Evidence: "pid 4512"}},
	}
	commands := inv.deeperPlan(context.Background(), "/cases/mem.raw", res)
	if len(commands) != 1 || commands[0] != "vol3 -f /cases/mem.raw windows.vadinfo --pid 4512" {
		t.Errorf("commands = %v, want the model's proposal", commands)
	}
}

// TestDeeperPlan_FallsBackToTemplates: planner failure or an empty proposal
// degrades to the template commands instead of skipping the pass.
func TestDeeperPlan_FallsBackToTemplates(t *testing.T) {
	res := &analysis.Result{
		ThreatScore: 8.0,
		Findings:    []analysis.Finding{{FindingType: "code_injection", Evidence: "pid 4512"}},
	}

	for name, backend := range map[string]*stubProvider{
		"backend error":  {err: fmt.Errorf("backend down")},
		"empty proposal": {response: `{"commands": []}`},
	} {
		inv := testInvestigator(t, backend)

		commands := inv.deeperPlan(context.Background(), "/cases/mem.raw", res)
		if len(commands) == 0 {
			t.Errorf("%s: no commands, want template fallback", name)
			continue
		}
		if !strings.Contains(commands[0], "windows.malfind") {
			t.Errorf("%s: commands[0] = %q, want template command", name, commands[0])
		}
	}
}

func TestCategoryForFinding_Mapping(t *testing.T) {
	cases := map[string]string{
		"code_injection":        "code_injection",
		"process_hollowing":     "code_injection",
		"persistence_service":   "persistence",
		"network_activity":      "network_activity",
		"process_masquerade":    "process_anomaly",
		"informational_finding": "",
	}
	for ft, want := range cases {
		if got := categoryForFinding(ft); got != want {
			t.Errorf("categoryForFinding(%q) = %q, want %q", ft, got, want)
		}
	}
}

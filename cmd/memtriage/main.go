package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/evidentia/memtriage/pkg/agent"
	"github.com/evidentia/memtriage/pkg/archive"
	"github.com/evidentia/memtriage/pkg/config"
	"github.com/evidentia/memtriage/pkg/logger"
)

var (
	version   = "dev"
	buildTime string
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "investigate":
		investigateCmd(os.Args[2:])
	case "run-plan":
		runPlanCmd(os.Args[2:])
	case "archive":
		archiveCmd(os.Args[2:])
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("memtriage - LLM-driven memory forensics triage")
	fmt.Println()
	fmt.Println("Usage: memtriage <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  investigate   Plan and run a full investigation of a memory dump")
	fmt.Println("  run-plan      Execute an existing plan JSON file, skipping the planner")
	fmt.Println("  archive       Package a run's evidence directory as tar.gz")
	fmt.Println("  version       Show version")
	fmt.Println()
	fmt.Println("investigate flags:")
	fmt.Println("  --dump <path>     memory dump to analyze (required)")
	fmt.Println("  --os <hint>       windows, linux, or macos")
	fmt.Println("  --case <id>       case identifier used in the evidence directory name")
	fmt.Println("  --prompt <text>   analyst focus passed to the planner")
	fmt.Println("  --config <path>   YAML config file")
	fmt.Println()
	fmt.Println("run-plan flags:")
	fmt.Println("  --plan <path>     plan JSON file (required)")
	fmt.Println("  --case <id>       case identifier")
	fmt.Println("  --config <path>   YAML config file")
	fmt.Println()
	fmt.Println("archive flags:")
	fmt.Println("  --evidence <dir>  run evidence directory (required)")
	fmt.Println("  --out <path>      archive destination, default <dir>.tar.gz")
}

func printVersion() {
	fmt.Printf("memtriage v%s", version)
	if buildTime != "" {
		fmt.Printf(" (built %s)", buildTime)
	}
	fmt.Println()
}

// parseFlags does simple --key value parsing. Unknown flags are fatal so
// typos never silently change a run.
func parseFlags(args []string, known map[string]*string) {
	for i := 0; i < len(args); i++ {
		target, ok := known[args[i]]
		if !ok {
			fmt.Printf("Unknown flag: %s\n", args[i])
			os.Exit(1)
		}
		if i+1 >= len(args) {
			fmt.Printf("Flag %s requires a value\n", args[i])
			os.Exit(1)
		}
		i++
		*target = args[i]
	}
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	return cfg
}

// signalContext returns a context cancelled on SIGINT or SIGTERM so a long
// investigation shuts down between commands instead of being killed mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func investigateCmd(args []string) {
	var dump, osHint, caseID, prompt, configPath string
	parseFlags(args, map[string]*string{
		"--dump":   &dump,
		"--os":     &osHint,
		"--case":   &caseID,
		"--prompt": &prompt,
		"--config": &configPath,
	})
	if dump == "" {
		fmt.Println("investigate requires --dump <path>")
		os.Exit(1)
	}
	if _, err := os.Stat(dump); err != nil {
		fmt.Printf("Cannot read memory dump: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(configPath)
	ctx, cancel := signalContext()
	defer cancel()

	inv := agent.New(cfg)
	start := time.Now()
	report, err := inv.Investigate(ctx, agent.Request{
		CaseID:   caseID,
		DumpPath: dump,
		OSHint:   osHint,
		Prompt:   prompt,
	})
	if err != nil {
		fmt.Printf("Investigation failed: %v\n", err)
		os.Exit(1)
	}
	printReport(report, time.Since(start))
}

func runPlanCmd(args []string) {
	var planPath, caseID, configPath string
	parseFlags(args, map[string]*string{
		"--plan":   &planPath,
		"--case":   &caseID,
		"--config": &configPath,
	})
	if planPath == "" {
		fmt.Println("run-plan requires --plan <path>")
		os.Exit(1)
	}
	raw, err := os.ReadFile(planPath)
	if err != nil {
		fmt.Printf("Cannot read plan file: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(configPath)
	ctx, cancel := signalContext()
	defer cancel()

	inv := agent.New(cfg)
	start := time.Now()
	report, err := inv.RunPlan(ctx, string(raw), caseID)
	if err != nil {
		fmt.Printf("Plan execution failed: %v\n", err)
		os.Exit(1)
	}
	printReport(report, time.Since(start))
}

func archiveCmd(args []string) {
	var evidenceDir, outPath string
	parseFlags(args, map[string]*string{
		"--evidence": &evidenceDir,
		"--out":      &outPath,
	})
	if evidenceDir == "" {
		fmt.Println("archive requires --evidence <dir>")
		os.Exit(1)
	}
	if outPath == "" {
		outPath = filepath.Clean(evidenceDir) + ".tar.gz"
	}

	if err := archive.Create(evidenceDir, outPath); err != nil {
		fmt.Printf("Archive failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Evidence archived to %s\n", outPath)
}

func printReport(report *agent.Report, elapsed time.Duration) {
	fmt.Println()
	fmt.Println("=== Investigation Report ===")
	fmt.Printf("Run ID:      %s\n", report.RunID)
	fmt.Printf("Case:        %s\n", report.CaseID)
	fmt.Printf("Plan:        %s (%s)\n", report.PlanVersion, report.PlanSource)
	if report.Execution != nil {
		fmt.Printf("Status:      %s\n", report.Execution.Status)
		fmt.Printf("Commands:    %d executed, %d successful, %d deduplicated\n",
			report.Execution.Summary.TotalCommands,
			report.Execution.Summary.SuccessfulCommands,
			report.Execution.Summary.DeduplicatedCommands)
		fmt.Printf("Hits:        %d suspicious\n", report.Execution.Summary.TotalSuspiciousHits)
	}
	if report.Analysis != nil {
		fmt.Printf("Threat:      %.1f/10 (confidence %.2f)\n",
			report.Analysis.ThreatScore, report.Analysis.Confidence)
		fmt.Printf("Findings:    %d\n", len(report.Analysis.Findings))
		if report.Analysis.ExecutiveSummary != "" {
			fmt.Printf("Summary:     %s\n", report.Analysis.ExecutiveSummary)
		}
	}
	if report.Escalated {
		fmt.Printf("Escalated:   yes (%s)\n", strings.Join(report.EscalationReasons, "; "))
		fmt.Printf("Deeper:      %d follow-up commands\n", len(report.DeeperResults))
	}
	fmt.Printf("Evidence:    %s\n", report.EvidenceDirectory)
	fmt.Printf("Elapsed:     %s\n", elapsed.Round(time.Second))
}

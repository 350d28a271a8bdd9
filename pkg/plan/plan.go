// Package plan defines the typed investigation-plan tree and the boundary
// that turns externally authored JSON into it. Plans are validated once
// against a JSON schema here; internal components only ever see the typed
// form and treat it as read-only.
package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Plan is a complete investigation plan.
type Plan struct {
	PlanVersion  string      `json:"plan_version"`
	Inputs       Inputs      `json:"inputs"`
	Goals        []string    `json:"goals,omitempty"`
	Constraints  []string    `json:"constraints,omitempty"`
	GlobalTriage []Step      `json:"global_triage"`
	OSWorkflows  OSWorkflows `json:"os_workflows"`
}

// Inputs identifies the dump under investigation.
type Inputs struct {
	DumpPath string `json:"dump_path"`
	OSHint   string `json:"os_hint,omitempty"`
}

// OSWorkflows holds the OS-specific phases executed after global triage.
type OSWorkflows struct {
	Phases []Phase `json:"phases"`
}

// Phase groups ordered steps under a named investigation focus.
type Phase struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// Step is an ordered list of commands plus the heuristics applied to their
// output.
type Step struct {
	Name                string   `json:"name"`
	Commands            []string `json:"commands"`
	ParseExpectations   string   `json:"parse_expectations,omitempty"`
	SuspicionHeuristics []string `json:"suspicion_heuristics,omitempty"`
	ActionsOnHits       []string `json:"actions_on_hits,omitempty"`
	EvidenceOutputs     []string `json:"evidence_outputs,omitempty"`
}

const planSchema = `{
  "type": "object",
  "required": ["plan_version", "inputs", "global_triage", "os_workflows"],
  "properties": {
    "plan_version": {"type": "string"},
    "inputs": {
      "type": "object",
      "required": ["dump_path"],
      "properties": {
        "dump_path": {"type": "string"},
        "os_hint": {"type": "string"}
      }
    },
    "goals": {"type": "array", "items": {"type": "string"}},
    "constraints": {"type": "array", "items": {"type": "string"}},
    "global_triage": {"type": "array", "items": {"$ref": "#/definitions/step"}},
    "os_workflows": {
      "type": "object",
      "required": ["phases"],
      "properties": {
        "phases": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "steps"],
            "properties": {
              "name": {"type": "string"},
              "steps": {"type": "array", "items": {"$ref": "#/definitions/step"}}
            }
          }
        }
      }
    }
  },
  "definitions": {
    "step": {
      "type": "object",
      "required": ["name", "commands"],
      "properties": {
        "name": {"type": "string"},
        "commands": {"type": "array", "items": {"type": "string"}},
        "parse_expectations": {"type": "string"},
        "suspicion_heuristics": {"type": "array", "items": {"type": "string"}},
        "actions_on_hits": {"type": "array", "items": {"type": "string"}},
        "evidence_outputs": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var fencePattern = regexp.MustCompile("(?s)^\\s*```(?:json)?\\s*|\\s*```\\s*$")

var compiledSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(planSchema))
	if err != nil {
		panic(fmt.Sprintf("plan schema does not compile: %v", err))
	}
	compiledSchema = schema
}

// Parse turns raw plan text into a validated typed plan. LLM output is often
// wrapped in markdown fences; those are stripped before parsing.
func Parse(raw string) (*Plan, error) {
	cleaned := fencePattern.ReplaceAllString(raw, "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return nil, fmt.Errorf("empty plan document")
	}

	result, err := compiledSchema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var reasons []string
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return nil, fmt.Errorf("plan does not conform to schema: %s", strings.Join(reasons, "; "))
	}

	var p Plan
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	return &p, nil
}

// CommandCount returns the number of command occurrences across triage and
// all phases, counting repeats.
func (p *Plan) CommandCount() int {
	n := 0
	for _, step := range p.GlobalTriage {
		n += len(step.Commands)
	}
	for _, phase := range p.OSWorkflows.Phases {
		for _, step := range phase.Steps {
			n += len(step.Commands)
		}
	}
	return n
}

// Fallback returns a minimal triage-only plan used when plan generation
// fails entirely.
func Fallback(dumpPath, osHint string) *Plan {
	return &Plan{
		PlanVersion: "1.0.0-fallback",
		Inputs:      Inputs{DumpPath: dumpPath, OSHint: osHint},
		Goals: []string{
			"Identify malicious processes",
			"Analyze network connections",
			"Detect persistence mechanisms",
		},
		Constraints: []string{"planner unavailable - using fallback plan"},
		GlobalTriage: []Step{
			{
				Name:              "System Information",
				Commands:          []string{fmt.Sprintf("vol -f %s windows.info", dumpPath)},
				ParseExpectations: "System details and memory layout",
			},
		},
		OSWorkflows: OSWorkflows{Phases: []Phase{}},
	}
}

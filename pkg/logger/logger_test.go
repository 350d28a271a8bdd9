package logger

import (
	"os"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *strings.Builder {
	t.Helper()
	var buf strings.Builder
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestInfoCF_FormatAndSortedFields(t *testing.T) {
	buf := captureOutput(t)

	InfoCF("executor", "command finished", map[string]any{
		"status":  "success",
		"command": "vol3 pslist",
	})

	line := buf.String()
	if !strings.Contains(line, "[INFO] executor: command finished") {
		t.Errorf("line = %q", line)
	}
	// Fields print in sorted key order for stable output.
	if strings.Index(line, "command=") > strings.Index(line, "status=") {
		t.Errorf("fields not sorted: %q", line)
	}
}

func TestSetLevel_FiltersBelowMinimum(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelWarn)

	InfoCF("agent", "not shown", nil)
	DebugCF("agent", "not shown either", nil)
	WarnCF("agent", "shown", nil)

	out := buf.String()
	if strings.Contains(out, "not shown") {
		t.Errorf("filtered entries leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] agent: shown") {
		t.Errorf("warn entry missing: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"Warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", name, got, want)
		}
	}
}

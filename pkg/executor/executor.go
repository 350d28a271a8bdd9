// Package executor runs validated forensics commands as isolated
// subprocesses and walks whole investigation plans, recording every attempt
// in the evidence store. Command-level failures are always absorbed into
// structured results and never surface as errors.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/evidentia/memtriage/pkg/evidence"
	"github.com/evidentia/memtriage/pkg/logger"
	"github.com/evidentia/memtriage/pkg/safety"
)

// Status classifies the outcome of one command attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
	StatusPartial Status = "partial"
)

// CommandResult is the immutable record of one command attempt. Reused
// results carry the cached status and output file but no captured output.
type CommandResult struct {
	Command       string    `json:"command"`
	Status        Status    `json:"status"`
	Stdout        string    `json:"-"`
	Stderr        string    `json:"-"`
	ExitCode      int       `json:"exit_code"`
	ExecutionTime float64   `json:"execution_time"`
	Timestamp     time.Time `json:"timestamp"`
	ContentHash   string    `json:"content_hash,omitempty"`
	OutputFile    string    `json:"output_file,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Reused        bool      `json:"reused,omitempty"`
	OutputLength  int       `json:"output_length"`
}

// Executor executes single validated commands with a wall-clock timeout.
type Executor struct {
	store   *evidence.Store
	timeout time.Duration
}

// NewExecutor returns an executor writing into the given evidence store.
// A non-positive timeout falls back to 10 minutes.
func NewExecutor(store *evidence.Store, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &Executor{store: store, timeout: timeout}
}

// spawn runs an argument vector and reports its output, exit code, and
// whether the deadline killed it. Overridable for tests.
var spawn = func(ctx context.Context, argv []string, timeout time.Duration) (stdout, stderr string, exitCode int, timedOut bool, err error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if cmdCtx.Err() == context.DeadlineExceeded {
		return "", stderr, -1, true, nil
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return stdout, stderr, exitErr.ExitCode(), false, nil
		}
		return stdout, stderr, -1, false, runErr
	}
	return stdout, stderr, 0, false, nil
}

// Execute validates and runs one command. The gate runs first; a rejected
// command never reaches the process launcher and comes back as a failed
// result with exit code -1 and zero execution time.
func (e *Executor) Execute(ctx context.Context, command string, execCtx map[string]any, saveOutput bool, category string) CommandResult {
	start := time.Now()
	ts := start

	argv, err := safety.SafeArgv(command)
	if err != nil {
		result := CommandResult{
			Command:      command,
			Status:       StatusFailed,
			Stderr:       err.Error(),
			ExitCode:     -1,
			Timestamp:    ts,
			ErrorMessage: err.Error(),
		}
		e.logAttempt(result, execCtx)
		logger.WarnCF("executor", "command rejected", map[string]any{
			"command": command,
			"reason":  err.Error(),
		})
		return result
	}

	logger.InfoCF("executor", "executing command", map[string]any{"command": command})

	stdout, stderr, exitCode, timedOut, spawnErr := spawn(ctx, argv, e.timeout)
	elapsed := time.Since(start).Seconds()

	result := CommandResult{
		Command:       command,
		Status:        StatusSuccess,
		Stdout:        stdout,
		Stderr:        stderr,
		ExitCode:      exitCode,
		ExecutionTime: elapsed,
		Timestamp:     ts,
		OutputLength:  len(stdout),
	}

	switch {
	case timedOut:
		result.Status = StatusTimeout
		result.Stdout = ""
		result.OutputLength = 0
		result.ErrorMessage = "timeout after " + e.timeout.String()
	case spawnErr != nil:
		result.Status = StatusFailed
		result.ErrorMessage = "launch failed: " + spawnErr.Error()
	case exitCode != 0:
		result.Status = StatusFailed
		result.ErrorMessage = "command exited with code " + strconv.Itoa(exitCode)
	}

	// Output is evidence regardless of exit status: a plugin that prints
	// findings and then exits nonzero still produced data worth keeping.
	// Timeouts are excluded because their partial stdout was discarded above.
	if saveOutput && strings.TrimSpace(result.Stdout) != "" {
		hash := sha256.Sum256([]byte(result.Stdout))
		result.ContentHash = hex.EncodeToString(hash[:])

		path, saveErr := e.store.SaveCommandOutput(command, result.Stdout, category, ts)
		if saveErr != nil {
			logger.WarnCF("executor", "saving command output failed", map[string]any{
				"command": command,
				"error":   saveErr.Error(),
			})
		} else {
			result.OutputFile = path
		}
	}

	e.logAttempt(result, execCtx)
	logger.InfoCF("executor", "command finished", map[string]any{
		"command": command,
		"status":  string(result.Status),
		"elapsed": result.ExecutionTime,
	})
	return result
}

func (e *Executor) logAttempt(result CommandResult, execCtx map[string]any) {
	entry := evidence.LogEntry{
		Timestamp:     result.Timestamp,
		Command:       result.Command,
		Status:        string(result.Status),
		ExecutionTime: result.ExecutionTime,
		ExitCode:      result.ExitCode,
		OutputFile:    result.OutputFile,
		Context:       execCtx,
	}
	if err := e.store.AppendLog(entry); err != nil {
		logger.WarnCF("executor", "execution log write failed", map[string]any{"error": err.Error()})
	}
}


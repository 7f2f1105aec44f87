// Package sandbox runs user code in a child interpreter under a wall-clock
// budget and reports the captured console output.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"codesync/server/internal/metrics"
)

// Line is one captured line of console output.
type Line struct {
	Type    string `json:"type"` // output, error or warn
	Content string `json:"content"`
}

// Result is the outcome of one execution. Output is nil when the
// interpreter could not be started.
type Result struct {
	Success       bool   `json:"success"`
	Output        []Line `json:"output"`
	ExecutionTime int64  `json:"executionTime"` // millis
	Error         string `json:"error,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	TimedOut      bool   `json:"timedOut,omitempty"`
}

// Config selects the interpreter. The wrapped code is appended to Args.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
	// Wrap turns user code into the program handed to the interpreter.
	// The program must print a single JSON report on stdout.
	Wrap func(code string) string
}

// NodeConfig runs JavaScript with node -e.
func NodeConfig(command string, timeout time.Duration) Config {
	if command == "" {
		command = "node"
	}
	return Config{Command: command, Args: []string{"-e"}, Timeout: timeout, Wrap: WrapJavaScript}
}

const codePlaceholder = "/*__USER_CODE__*/"

const jsWrapper = `
const logs = [];
const capture = (type) => (...args) => {
  logs.push({ type, args: args.map(arg =>
    typeof arg === 'object' ? JSON.stringify(arg, null, 2) : String(arg)
  ).join(' ') });
};
console.log = capture('log');
console.error = capture('error');
console.warn = capture('warn');
try {
  ` + codePlaceholder + `
  process.stdout.write(JSON.stringify({ success: true, logs }));
} catch (error) {
  process.stdout.write(JSON.stringify({ success: false, error: error.message, logs }));
}
`

// WrapJavaScript embeds code in a program that captures console output.
func WrapJavaScript(code string) string {
	return strings.Replace(jsWrapper, codePlaceholder, code, 1)
}

// report is the JSON the wrapped program prints.
type report struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Logs    []struct {
		Type string `json:"type"`
		Args string `json:"args"`
	} `json:"logs"`
}

// Executor runs code with a bounded wall-clock budget.
type Executor struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Wrap == nil {
		cfg.Wrap = func(code string) string { return code }
	}
	return &Executor{cfg: cfg, logger: logger.With().Str("component", "sandbox").Logger()}
}

// Run executes code. It never returns an error: every failure, including a
// timeout, is reported in the Result.
func (e *Executor) Run(ctx context.Context, code string) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), e.cfg.Args...), e.cfg.Wrap(code))
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	// Forces pipes closed if a killed interpreter leaves children holding them.
	cmd.WaitDelay = 500 * time.Millisecond
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	if err := cmd.Start(); err != nil {
		metrics.SandboxRuns.WithLabelValues("spawn_error").Inc()
		e.logger.Error().Err(err).Str("command", e.cfg.Command).Msg("starting interpreter")
		return Result{
			Success:       false,
			ExecutionTime: time.Since(start).Milliseconds(),
			Error:         fmt.Sprintf("Execution failed: %v", err),
			Stderr:        err.Error(),
		}
	}
	waitErr := cmd.Wait()
	elapsed := time.Since(start).Milliseconds()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		metrics.SandboxRuns.WithLabelValues("timeout").Inc()
		return Result{
			Success:       false,
			Output:        []Line{{Type: "error", Content: fmt.Sprintf("Execution timed out (%s limit)", e.cfg.Timeout)}},
			ExecutionTime: elapsed,
			Error:         "Timeout",
			Stderr:        "Timeout",
			TimedOut:      true,
		}
	}

	res := interpret(stdout.Bytes(), stderr.String(), waitErr)
	res.ExecutionTime = elapsed
	if res.Success {
		metrics.SandboxRuns.WithLabelValues("success").Inc()
	} else {
		metrics.SandboxRuns.WithLabelValues("failure").Inc()
	}
	return res
}

func interpret(stdout []byte, stderr string, waitErr error) Result {
	switch {
	case len(stdout) > 0:
		var rep report
		if err := json.Unmarshal(stdout, &rep); err != nil {
			msg := fmt.Sprintf("Failed to parse execution result: %v", err)
			return Result{Output: []Line{{Type: "error", Content: msg}}, Error: msg, Stderr: stderr}
		}
		lines := make([]Line, 0, len(rep.Logs)+1)
		for _, l := range rep.Logs {
			typ := l.Type
			if typ == "log" {
				typ = "output"
			}
			lines = append(lines, Line{Type: typ, Content: l.Args})
		}
		if rep.Success {
			return Result{Success: true, Output: lines}
		}
		lines = append(lines, Line{Type: "error", Content: "Error: " + rep.Error})
		return Result{Output: lines, Error: rep.Error, Stderr: stderr}
	case stderr != "":
		msg := strings.TrimSpace(stderr)
		return Result{Output: []Line{{Type: "error", Content: msg}}, Error: msg, Stderr: stderr}
	case waitErr != nil:
		msg := waitErr.Error()
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("Process exited with code %d", exitErr.ExitCode())
		}
		return Result{Output: []Line{{Type: "error", Content: msg}}, Error: msg}
	}
	return Result{Success: true, Output: []Line{}}
}

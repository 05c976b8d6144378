// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tools registers local tool executors and dispatches model-issued
// function calls to them. Execution failures are rendered into the tool
// output string rather than returned as errors so the model can observe the
// failure and recover; only context cancellation aborts a dispatch.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/json"
)

// Registration errors.
var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("unknown tool")
)

// reasonArgumentsInvalid tags argument validation failures in tool output.
const reasonArgumentsInvalid = "tool_arguments_invalid"

// Result is what an executor produced.
type Result struct {
	// Output is the raw textual output, truncated before rendering.
	Output string
	// ExitCode is the process-style exit status; zero means success.
	ExitCode int
	// Duration is how long the execution took.
	Duration time.Duration
	// Binary optionally carries non-text output for providers that accept
	// inline data (Gemini).
	Binary *BinaryOutput
}

// BinaryOutput is inline binary tool output.
type BinaryOutput struct {
	MIMEType string
	Data     []byte
}

// Executor runs one tool invocation. Implementations must honor ctx
// cancellation.
type Executor interface {
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, args map[string]any) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return f(ctx, args)
}

// outputEnvelope is the rendered tool output on success.
type outputEnvelope struct {
	Output   string         `json:"output"`
	Metadata outputMetadata `json:"metadata"`
}

type outputMetadata struct {
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// failureEnvelope is the rendered tool output when dispatch itself failed.
type failureEnvelope struct {
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

type registration struct {
	tool chat.Tool
	exec Executor
}

// Dispatcher holds the registered tools for one runtime instance.
// Registration and dispatch are safe for concurrent use.
type Dispatcher struct {
	mu     sync.RWMutex
	tools  map[string]*registration
	logger *slog.Logger
}

// NewDispatcher returns an empty dispatcher. A nil logger disables logging.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{tools: map[string]*registration{}, logger: logger}
}

// Register adds a tool. The name must satisfy the declaration alphabet and
// be unused.
func (d *Dispatcher) Register(tool chat.Tool, exec Executor) error {
	if err := chat.ValidateToolName(tool.Name); err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("%w: nil executor for %q", chat.ErrInvalidTool, tool.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tools[tool.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, tool.Name)
	}
	d.tools[tool.Name] = &registration{tool: tool, exec: exec}
	return nil
}

// Declarations returns the registered tool declarations sorted by name, so
// that rendered requests stay deterministic.
func (d *Dispatcher) Declarations() []chat.Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]chat.Tool, 0, len(d.tools))
	for _, r := range d.tools {
		out = append(out, r.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs one function call and returns the tool output string to send
// back to the model. Unknown tools, invalid arguments, and executor failures
// are all rendered into the output; the error return is reserved for context
// cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, call chat.FunctionCall) (string, *BinaryOutput, error) {
	d.mu.RLock()
	reg, ok := d.tools[call.Name]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("unknown tool requested", slog.String("tool", call.Name))
		return renderFailure(fmt.Sprintf("Error: unknown tool %q", call.Name)), nil, nil
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		d.logger.Warn("tool arguments unparsable",
			slog.String("tool", call.Name), slog.String("error", err.Error()))
		return renderFailure(fmt.Sprintf("Error: %s: arguments are not valid JSON: %v", reasonArgumentsInvalid, err)), nil, nil
	}
	if err := ValidateArguments(reg.tool.Parameters, args); err != nil {
		d.logger.Warn("tool arguments rejected",
			slog.String("tool", call.Name), slog.String("error", err.Error()))
		return renderFailure(fmt.Sprintf("Error: %s: %v", reasonArgumentsInvalid, err)), nil, nil
	}

	start := time.Now()
	result, err := reg.exec.Execute(ctx, args)
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return "", nil, ctx.Err()
	}
	if err != nil {
		d.logger.Warn("tool execution failed",
			slog.String("tool", call.Name),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()))
		return renderFailure("Error: " + err.Error()), nil, nil
	}
	if result == nil {
		result = &Result{}
	}
	if result.Duration == 0 {
		result.Duration = elapsed
	}

	d.logger.Debug("tool executed",
		slog.String("tool", call.Name),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration))

	// Tool output may contain arbitrary process bytes; invalid UTF-8 would
	// make the envelope unserializable.
	envelope := outputEnvelope{
		Output: Truncate(strings.ToValidUTF8(result.Output, "�")),
		Metadata: outputMetadata{
			ExitCode:        result.ExitCode,
			DurationSeconds: result.Duration.Seconds(),
		},
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return renderFailure("Error: failed to encode tool output: " + err.Error()), nil, nil
	}
	return string(b), result.Binary, nil
}

// parseArguments decodes the JSON arguments document. Empty arguments mean
// an empty object.
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func renderFailure(msg string) string {
	b, err := json.Marshal(failureEnvelope{Output: msg, Success: false})
	if err != nil {
		return msg
	}
	return string(b)
}

// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package agent runs the provider-agnostic turn loop: translate the
// canonical transcript, stream the response, execute requested tools, and
// feed the results back until the model stops asking for tools.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/metrics"
	"github.com/llxprt/agentrt/internal/sse"
	"github.com/llxprt/agentrt/internal/streaming"
	"github.com/llxprt/agentrt/internal/tools"
	"github.com/llxprt/agentrt/internal/translator"
)

// Loop errors.
var (
	ErrMaxToolIterations = errors.New("max_tool_iterations")
	ErrProviderError     = errors.New("provider_error")
	ErrRateLimited       = errors.New("rate_limited")
)

// Defaults for the loop configuration.
const (
	DefaultMaxToolIterations = 8
	maxRetryAttempts         = 5
	retryBaseBackoff         = time.Second
)

// AuthFunc resolves the credential for the next request.
type AuthFunc func(ctx context.Context) (translator.Auth, error)

// Config wires one Loop. Provider, Auth and HTTPClient are required.
type Config struct {
	Provider translator.Provider
	Options  translator.Options

	// Auth resolves the current credential before each request.
	Auth AuthFunc
	// RefreshAuth is invoked once per cycle after an HTTP 401 on an OAuth
	// credential. Nil disables the retry.
	RefreshAuth AuthFunc

	Dispatcher *tools.Dispatcher
	// MaxToolIterations bounds the tool cycles per turn.
	MaxToolIterations int
	// ParallelTools executes the calls of one function_call event
	// concurrently instead of in declaration order.
	ParallelTools bool

	HTTPClient *http.Client
	// WatchBody optionally wraps the response body, e.g. with an idle
	// watchdog.
	WatchBody func(io.Reader) io.Reader

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Result is the outcome of one turn. On error returns the fields hold
// whatever was accumulated before the failure.
type Result struct {
	FinalText    string
	Thoughts     string
	ToolsUsed    []string
	Usage        chat.Usage
	ResponseID   string
	FinishReason string
	// Transcript is the canonical conversation including everything this
	// turn appended.
	Transcript []chat.Message
	// Partial marks a result returned alongside an error.
	Partial bool
}

// Loop executes turns.
type Loop struct {
	cfg Config
}

// New validates and builds a Loop.
func New(cfg Config) (*Loop, error) {
	if !cfg.Provider.Valid() {
		return nil, fmt.Errorf("%w: %q", translator.ErrUnsupportedProvider, cfg.Provider)
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("agent: Auth resolver is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = tools.NewDispatcher(cfg.Logger)
	}
	if cfg.sleep == nil {
		cfg.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return &Loop{cfg: cfg}, nil
}

// Run executes one turn. onEvent, when non-nil, receives every normalized
// stream event in order, across all tool cycles.
func (l *Loop) Run(ctx context.Context, msgs []chat.Message, onEvent func(chat.StreamEvent)) (*Result, error) {
	start := time.Now()
	opts := l.cfg.Options
	opts.Stream = true

	result := &Result{Transcript: append([]chat.Message(nil), msgs...)}
	declarations := l.cfg.Dispatcher.Declarations()

	for iteration := 0; iteration < l.cfg.MaxToolIterations; iteration++ {
		cycle, err := l.runCycle(ctx, result.Transcript, declarations, opts, onEvent)
		if cycle != nil {
			l.cfg.Metrics.RecordTokenUsage(ctx, string(l.cfg.Provider), opts.Model,
				cycle.usage.PromptTokens, cycle.usage.CompletionTokens)
			result.Usage.Add(cycle.usage)
			result.FinalText += cycle.text
			result.Thoughts += cycle.thoughts
			if cycle.responseID != "" {
				result.ResponseID = cycle.responseID
			}
			result.FinishReason = cycle.finishReason
		}
		if err != nil {
			result.Partial = true
			l.recordTurn(ctx, start, err)
			return result, err
		}
		opts.FirstTurn = false

		if len(cycle.calls) == 0 {
			if cycle.text != "" || cycle.thoughts != "" {
				result.Transcript = append(result.Transcript, chat.AssistantText(cycle.text))
			}
			l.recordTurn(ctx, start, nil)
			return result, nil
		}

		calls := dedupCalls(cycle.calls)
		result.Transcript = append(result.Transcript, assistantMessage(cycle.text, calls))

		toolMsgs, err := l.executeCalls(ctx, calls)
		if err != nil {
			result.Partial = true
			l.recordTurn(ctx, start, err)
			return result, err
		}
		for _, c := range calls {
			result.ToolsUsed = append(result.ToolsUsed, c.Name)
		}
		result.Transcript = append(result.Transcript, toolMsgs...)
	}

	result.Partial = true
	err := fmt.Errorf("%w: exceeded %d tool cycles", ErrMaxToolIterations, l.cfg.MaxToolIterations)
	l.recordTurn(ctx, start, err)
	return result, err
}

func (l *Loop) recordTurn(ctx context.Context, start time.Time, err error) {
	errType := ""
	if err != nil {
		errType = err.Error()
		var root error
		for _, candidate := range []error{ErrMaxToolIterations, ErrProviderError, ErrRateLimited, chat.ErrTruncatedStream, context.Canceled, context.DeadlineExceeded} {
			if errors.Is(err, candidate) {
				root = candidate
				break
			}
		}
		if root != nil {
			errType = root.Error()
		}
	}
	l.cfg.Metrics.RecordTurn(ctx, string(l.cfg.Provider), l.cfg.Options.Model, time.Since(start), errType)
}

// cycleResult accumulates one request/stream round.
type cycleResult struct {
	text         string
	thoughts     string
	calls        []chat.FunctionCall
	usage        chat.Usage
	responseID   string
	finishReason string
}

// runCycle performs one provider request with auth-refresh and rate-limit
// retries, then consumes the stream.
func (l *Loop) runCycle(ctx context.Context, msgs []chat.Message, decls []chat.Tool, opts translator.Options, onEvent func(chat.StreamEvent)) (*cycleResult, error) {
	refreshed := false
	attempt := 0
	for {
		auth, err := l.cfg.Auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credentials: %w", err)
		}
		req, err := translator.Translate(l.cfg.Provider, msgs, decls, auth, opts)
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		httpReq.Header = req.Headers

		l.cfg.Metrics.RecordRequest(ctx, string(l.cfg.Provider), opts.Model)
		requestStart := time.Now()
		resp, err := l.cfg.HTTPClient.Do(httpReq)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return nil, cause
			}
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			return l.consumeStream(ctx, resp.Body, requestStart, opts.Model, onEvent)
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized && auth.Type == translator.AuthTypeOAuth &&
			!refreshed && l.cfg.RefreshAuth != nil:
			// One refresh per cycle; a second 401 is a real failure.
			refreshed = true
			l.cfg.Logger.Info("access token rejected, refreshing",
				slog.String("provider", string(l.cfg.Provider)))
			if _, err := l.cfg.RefreshAuth(ctx); err != nil {
				return nil, fmt.Errorf("token refresh after 401 failed: %w", err)
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetryAttempts:
			attempt++
			delay := retryAfter(resp, attempt)
			l.cfg.Logger.Warn("rate limited, backing off",
				slog.Int("attempt", attempt), slog.Duration("delay", delay))
			if err := l.cfg.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 500 && attempt < maxRetryAttempts:
			attempt++
			delay := retryBaseBackoff << (attempt - 1)
			l.cfg.Logger.Warn("provider error, retrying",
				slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt))
			if err := l.cfg.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: gave up after %d attempts", ErrRateLimited, attempt)

		default:
			return nil, fmt.Errorf("%w: status %d: %s", ErrProviderError, resp.StatusCode, truncateBody(body))
		}
	}
}

// consumeStream frames the SSE body and folds the normalized events into a
// cycle result.
func (l *Loop) consumeStream(ctx context.Context, body io.ReadCloser, requestStart time.Time, model string, onEvent func(chat.StreamEvent)) (*cycleResult, error) {
	defer func() { _ = body.Close() }()

	handler, err := streaming.New(l.cfg.Provider)
	if err != nil {
		return nil, err
	}

	var reader io.Reader = body
	if l.cfg.WatchBody != nil {
		reader = l.cfg.WatchBody(body)
	}

	cycle := &cycleResult{}
	doneSeen := false
	firstToken := false
	apply := func(events []chat.StreamEvent) {
		for _, ev := range events {
			if onEvent != nil {
				onEvent(ev)
			}
			if !firstToken && (ev.OfContent != nil || ev.OfThought != nil || ev.OfFunctionCall != nil) {
				firstToken = true
				l.cfg.Metrics.RecordFirstToken(ctx, string(l.cfg.Provider), model, time.Since(requestStart))
			}
			switch {
			case ev.OfContent != nil:
				cycle.text += ev.OfContent.Text
			case ev.OfThought != nil:
				cycle.thoughts += ev.OfThought.Text
			case ev.OfFunctionCall != nil:
				cycle.calls = append(cycle.calls, ev.OfFunctionCall.Calls...)
			case ev.OfUsage != nil:
				cycle.usage.Add(ev.OfUsage.Usage)
			case ev.OfDone != nil:
				doneSeen = true
				cycle.responseID = ev.OfDone.ResponseID
				cycle.finishReason = ev.OfDone.FinishReason
			case ev.OfError != nil:
				l.cfg.Logger.Warn("stream error event", slog.String("reason", ev.OfError.Reason))
			}
		}
	}

	var framer sse.Framer
	buf := make([]byte, 32<<10)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			apply(handleAll(handler, framer.Push(buf[:n])))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cycle, cause
			}
			return cycle, fmt.Errorf("stream read failed: %w", readErr)
		}
	}
	apply(handleAll(handler, framer.Flush()))
	apply(handler.Finish())

	if !doneSeen {
		return cycle, chat.ErrTruncatedStream
	}
	return cycle, nil
}

func handleAll(h streaming.Handler, events []sse.Event) []chat.StreamEvent {
	var out []chat.StreamEvent
	for _, ev := range events {
		out = append(out, h.HandleEvent(ev)...)
	}
	return out
}

// executeCalls dispatches the calls and renders one tool-role message per
// call, preserving call order in the transcript either way.
func (l *Loop) executeCalls(ctx context.Context, calls []chat.FunctionCall) ([]chat.Message, error) {
	outputs := make([]string, len(calls))
	binaries := make([]*tools.BinaryOutput, len(calls))
	errs := make([]error, len(calls))

	runOne := func(i int) {
		start := time.Now()
		out, bin, err := l.cfg.Dispatcher.Dispatch(ctx, calls[i])
		l.cfg.Metrics.RecordToolExecution(ctx, calls[i].Name, time.Since(start), err == nil)
		outputs[i], binaries[i], errs[i] = out, bin, err
	}

	if l.cfg.ParallelTools && len(calls) > 1 {
		var wg sync.WaitGroup
		for i := range calls {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				runOne(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range calls {
			runOne(i)
			if errs[i] != nil {
				break
			}
		}
	}

	msgs := make([]chat.Message, 0, len(calls))
	for i, call := range calls {
		if errs[i] != nil {
			if cause := context.Cause(ctx); cause != nil {
				return nil, cause
			}
			return nil, errs[i]
		}
		blocks := []chat.ContentBlock{chat.NewToolResult(call.ID, outputs[i])}
		if bin := binaries[i]; bin != nil {
			blocks = append(blocks, chat.NewInlineImage(bin.MIMEType, base64.StdEncoding.EncodeToString(bin.Data)))
		}
		msgs = append(msgs, chat.Message{Role: chat.RoleTool, Content: blocks})
	}
	return msgs, nil
}

// assistantMessage renders the assistant turn that requested the calls.
func assistantMessage(text string, calls []chat.FunctionCall) chat.Message {
	var blocks []chat.ContentBlock
	if text != "" {
		blocks = append(blocks, chat.NewText(text))
	}
	for _, c := range calls {
		blocks = append(blocks, chat.NewToolCall(c.ID, c.Name, c.Arguments))
	}
	return chat.Message{Role: chat.RoleAssistant, Content: blocks}
}

// dedupCalls removes calls repeating an earlier ID. A duplicate with
// non-empty arguments fills in an earlier empty-argument entry; otherwise
// the first occurrence wins.
func dedupCalls(calls []chat.FunctionCall) []chat.FunctionCall {
	seen := map[string]int{}
	var out []chat.FunctionCall
	for _, c := range calls {
		if idx, ok := seen[c.ID]; ok {
			if (out[idx].Arguments == "" || out[idx].Arguments == "{}") && c.Arguments != "" {
				out[idx].Arguments = c.Arguments
			}
			continue
		}
		seen[c.ID] = len(out)
		out = append(out, c)
	}
	return out
}

// retryAfter honors the Retry-After header when present, falling back to
// exponential backoff.
func retryAfter(resp *http.Response, attempt int) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	return retryBaseBackoff << (attempt - 1)
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

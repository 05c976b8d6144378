// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/tools"
	"github.com/llxprt/agentrt/internal/translator"
)

func staticAuth(a translator.Auth) AuthFunc {
	return func(context.Context) (translator.Auth, error) { return a, nil }
}

// sseResponse writes one SSE body from data payloads and closes with [DONE]
// unless told otherwise.
func sseResponse(w http.ResponseWriter, payloads []string, sendDone bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, p := range payloads {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", p)
	}
	if sendDone {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
}

func textChunks(text string) []string {
	return []string{
		fmt.Sprintf(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":%q}}]}`, text),
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	}
}

func toolCallChunks(id, name, args string) []string {
	return []string{
		fmt.Sprintf(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":%q,"function":{"name":%q,"arguments":%q}}]}}]}`, id, name, args),
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":8,"total_tokens":28}}`,
	}
}

func newTestLoop(t *testing.T, serverURL string, mutate func(*Config)) *Loop {
	t.Helper()
	cfg := Config{
		Provider: translator.ProviderOpenAIChat,
		Options:  translator.Options{Model: "gpt-4o", BaseURL: serverURL},
		Auth:     staticAuth(translator.Auth{Type: translator.AuthTypeAPIKey, Token: "sk-test"}),
		sleep:    func(context.Context, time.Duration) error { return nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	loop, err := New(cfg)
	require.NoError(t, err)
	return loop
}

func TestRun_SimpleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		sseResponse(w, textChunks("Hello there."), true)
	}))
	defer srv.Close()

	loop := newTestLoop(t, srv.URL, nil)
	var events []chat.StreamEvent
	res, err := loop.Run(context.Background(), []chat.Message{chat.UserText("hi")},
		func(ev chat.StreamEvent) { events = append(events, ev) })
	require.NoError(t, err)

	require.Equal(t, "Hello there.", res.FinalText)
	require.Equal(t, "chatcmpl-1", res.ResponseID)
	require.Equal(t, "stop", res.FinishReason)
	require.Equal(t, 15, res.Usage.TotalTokens)
	require.False(t, res.Partial)

	// Transcript gains the assistant reply.
	require.Len(t, res.Transcript, 2)
	require.Equal(t, chat.RoleAssistant, res.Transcript[1].Role)

	// Usage precedes done in the forwarded events.
	usageAt, doneAt := -1, -1
	for i, ev := range events {
		if ev.OfUsage != nil {
			usageAt = i
		}
		if ev.OfDone != nil {
			doneAt = i
		}
	}
	require.GreaterOrEqual(t, usageAt, 0)
	require.Greater(t, doneAt, usageAt)
}

func TestRun_ToolCycle(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			sseResponse(w, toolCallChunks("call_1", "get_time", `{"zone":"UTC"}`), true)
			return
		}
		sseResponse(w, textChunks("It is noon."), true)
	}))
	defer srv.Close()

	dispatcher := tools.NewDispatcher(nil)
	require.NoError(t, dispatcher.Register(chat.Tool{
		Name:       "get_time",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{"zone": map[string]any{"type": "string"}}},
	}, tools.ExecutorFunc(func(ctx context.Context, args map[string]any) (*tools.Result, error) {
		require.Equal(t, "UTC", args["zone"])
		return &tools.Result{Output: "12:00"}, nil
	})))

	loop := newTestLoop(t, srv.URL, func(cfg *Config) { cfg.Dispatcher = dispatcher })
	res, err := loop.Run(context.Background(), []chat.Message{chat.UserText("what time is it?")}, nil)
	require.NoError(t, err)

	require.Equal(t, "It is noon.", res.FinalText)
	require.Equal(t, []string{"get_time"}, res.ToolsUsed)
	// Usage accumulates across both cycles.
	require.Equal(t, 43, res.Usage.TotalTokens)

	// user, assistant tool_call, tool result, assistant text.
	require.Len(t, res.Transcript, 4)
	require.Equal(t, chat.RoleAssistant, res.Transcript[1].Role)
	require.NotNil(t, res.Transcript[1].Content[0].OfToolCall)
	require.Equal(t, chat.RoleTool, res.Transcript[2].Role)

	// The follow-up request carries the tool result back to the provider.
	mu.Lock()
	second := bodies[1]
	mu.Unlock()
	msgs := gjson.Get(second, "messages").Array()
	last := msgs[len(msgs)-1]
	require.Equal(t, "tool", last.Get("role").String())
	require.Equal(t, "call_1", last.Get("tool_call_id").String())
	require.Equal(t, "12:00", gjson.Get(last.Get("content").String(), "output").String())
}

func TestRun_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Stream ends without finish_reason or [DONE].
		sseResponse(w, []string{
			`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"partial "}}]}`,
		}, false)
	}))
	defer srv.Close()

	loop := newTestLoop(t, srv.URL, nil)
	res, err := loop.Run(context.Background(), []chat.Message{chat.UserText("hi")}, nil)
	require.ErrorIs(t, err, chat.ErrTruncatedStream)
	require.True(t, res.Partial)
	require.Equal(t, "partial ", res.FinalText)
}

func TestRun_RateLimitRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		sseResponse(w, textChunks("ok"), true)
	}))
	defer srv.Close()

	loop := newTestLoop(t, srv.URL, nil)
	res, err := loop.Run(context.Background(), []chat.Message{chat.UserText("hi")}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", res.FinalText)
	require.Equal(t, 2, calls)
}

func TestRun_RateLimitExhausted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	loop := newTestLoop(t, srv.URL, nil)
	_, err := loop.Run(context.Background(), []chat.Message{chat.UserText("hi")}, nil)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, maxRetryAttempts+1, calls)
}

func TestRun_RefreshOn401(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sseResponse(w, textChunks("authed"), true)
	}))
	defer srv.Close()

	token := "stale"
	refreshes := 0
	loop := newTestLoop(t, srv.URL, func(cfg *Config) {
		cfg.Auth = func(context.Context) (translator.Auth, error) {
			return translator.Auth{Type: translator.AuthTypeOAuth, Token: token}, nil
		}
		cfg.RefreshAuth = func(context.Context) (translator.Auth, error) {
			refreshes++
			token = "fresh"
			return translator.Auth{Type: translator.AuthTypeOAuth, Token: token}, nil
		}
	})

	res, err := loop.Run(context.Background(), []chat.Message{chat.UserText("hi")}, nil)
	require.NoError(t, err)
	require.Equal(t, "authed", res.FinalText)
	require.Equal(t, 1, refreshes)
	require.Equal(t, 2, calls)
}

func TestRun_SecondUnauthorizedFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	refreshes := 0
	loop := newTestLoop(t, srv.URL, func(cfg *Config) {
		cfg.Auth = staticAuth(translator.Auth{Type: translator.AuthTypeOAuth, Token: "stale"})
		cfg.RefreshAuth = func(context.Context) (translator.Auth, error) {
			refreshes++
			return translator.Auth{Type: translator.AuthTypeOAuth, Token: "still-stale"}, nil
		}
	})

	_, err := loop.Run(context.Background(), []chat.Message{chat.UserText("hi")}, nil)
	require.ErrorIs(t, err, ErrProviderError)
	require.Equal(t, 1, refreshes)
}

func TestRun_MaxToolIterations(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		sseResponse(w, toolCallChunks(fmt.Sprintf("call_%d", calls), "loop_tool", `{}`), true)
	}))
	defer srv.Close()

	dispatcher := tools.NewDispatcher(nil)
	require.NoError(t, dispatcher.Register(chat.Tool{Name: "loop_tool"},
		tools.ExecutorFunc(func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{Output: "again"}, nil
		})))

	loop := newTestLoop(t, srv.URL, func(cfg *Config) {
		cfg.Dispatcher = dispatcher
		cfg.MaxToolIterations = 3
	})
	res, err := loop.Run(context.Background(), []chat.Message{chat.UserText("go")}, nil)
	require.ErrorIs(t, err, ErrMaxToolIterations)
	require.True(t, res.Partial)
	require.Equal(t, 3, calls)
	require.Len(t, res.ToolsUsed, 3)
}

func TestRun_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cause := fmt.Errorf("cancelled")
	ctx, cancel := context.WithCancelCause(context.Background())
	loop := newTestLoop(t, srv.URL, nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel(cause)
	}()
	res, err := loop.Run(ctx, []chat.Message{chat.UserText("hi")}, nil)
	require.ErrorIs(t, err, cause)
	require.True(t, res.Partial)
}

func TestRun_ParallelTools(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			sseResponse(w, []string{
				`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[` +
					`{"index":0,"id":"call_a","function":{"name":"probe","arguments":"{\"n\":1}"}},` +
					`{"index":1,"id":"call_b","function":{"name":"probe","arguments":"{\"n\":2}"}}]}}]}`,
				`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			}, true)
			return
		}
		sseResponse(w, textChunks("both done"), true)
	}))
	defer srv.Close()

	var started sync.WaitGroup
	started.Add(2)
	dispatcher := tools.NewDispatcher(nil)
	require.NoError(t, dispatcher.Register(chat.Tool{Name: "probe"},
		tools.ExecutorFunc(func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			// Both executions must be in flight at once.
			started.Done()
			started.Wait()
			return &tools.Result{Output: "seen"}, nil
		})))

	loop := newTestLoop(t, srv.URL, func(cfg *Config) {
		cfg.Dispatcher = dispatcher
		cfg.ParallelTools = true
	})
	res, err := loop.Run(context.Background(), []chat.Message{chat.UserText("go")}, nil)
	require.NoError(t, err)
	require.Equal(t, "both done", res.FinalText)
	require.Equal(t, []string{"probe", "probe"}, res.ToolsUsed)

	// Results keep call order in the follow-up request.
	mu.Lock()
	second := bodies[1]
	mu.Unlock()
	msgs := gjson.Get(second, "messages").Array()
	require.Equal(t, "call_a", msgs[len(msgs)-2].Get("tool_call_id").String())
	require.Equal(t, "call_b", msgs[len(msgs)-1].Get("tool_call_id").String())
}

func TestDedupCalls(t *testing.T) {
	calls := []chat.FunctionCall{
		{ID: "a", Name: "t", Arguments: ""},
		{ID: "b", Name: "t", Arguments: `{"x":1}`},
		{ID: "a", Name: "t", Arguments: `{"y":2}`},
		{ID: "b", Name: "t", Arguments: `{"ignored":true}`},
	}
	out := dedupCalls(calls)
	require.Len(t, out, 2)
	require.Equal(t, `{"y":2}`, out[0].Arguments)
	require.Equal(t, `{"x":1}`, out[1].Arguments)
}

func TestRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "7")
	require.Equal(t, 7*time.Second, retryAfter(resp, 1))

	resp.Header.Del("Retry-After")
	require.Equal(t, retryBaseBackoff, retryAfter(resp, 1))
	require.Equal(t, 4*retryBaseBackoff, retryAfter(resp, 3))
}

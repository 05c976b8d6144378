// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agentrt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(context.Background(), Config{
		StorePath:  filepath.Join(t.TempDir(), "creds.db"),
		Passphrase: "test-passphrase",
		// Low iteration count keeps key derivation fast in tests.
		KDFIterations: 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rt.Close()) })
	return rt
}

func TestCreateSession_APIKey(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	name, err := rt.CreateSession(ctx, SessionParams{
		Provider: ProviderAnthropic,
		AuthType: AuthTypeAPIKey,
		Name:     "My Work Key",
		APIKey:   "sk-ant-test",
	})
	require.NoError(t, err)
	require.Equal(t, "my_work_key", name)

	sessions, err := rt.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, ProviderAnthropic, sessions[0].Provider)
	require.Equal(t, "my_work_key", sessions[0].Name)
	require.Nil(t, sessions[0].ExpiresAt)
}

func TestCreateSession_RejectsEmptyAPIKey(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.CreateSession(context.Background(), SessionParams{
		Provider: ProviderAnthropic,
		AuthType: AuthTypeAPIKey,
	})
	require.Error(t, err)
}

func TestDeleteSession(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.CreateSession(ctx, SessionParams{
		Provider: ProviderOpenAIChat,
		AuthType: AuthTypeAPIKey,
		APIKey:   "sk-test",
	})
	require.NoError(t, err)

	require.NoError(t, rt.DeleteSession(ctx, ProviderOpenAIChat, AuthTypeAPIKey, "default"))
	require.ErrorIs(t, rt.DeleteSession(ctx, ProviderOpenAIChat, AuthTypeAPIKey, "default"), ErrSessionNotFound)
}

func chatCompletionsSSE(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "data: {\"id\":\"chatcmpl-9\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", text)
	_, _ = io.WriteString(w, `data: {"id":"chatcmpl-9","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
	_, _ = io.WriteString(w, `data: {"id":"chatcmpl-9","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`+"\n\n")
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func TestRunTurn_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		chatCompletionsSSE(w, "hello from the model")
	}))
	defer srv.Close()

	rt := newTestRuntime(t)
	ctx := context.Background()
	_, err := rt.CreateSession(ctx, SessionParams{
		Provider: ProviderOpenAIChat,
		AuthType: AuthTypeAPIKey,
		APIKey:   "sk-test",
	})
	require.NoError(t, err)

	res, err := rt.RunTurn(ctx, TurnParams{
		Provider: ProviderOpenAIChat,
		Model:    "gpt-4o",
		Messages: []Message{UserText("hi")},
		Options:  TurnOptions{BaseURL: srv.URL},
	})
	require.NoError(t, err)
	require.Equal(t, "hello from the model", res.FinalText)
	require.Equal(t, 10, res.Usage.TotalTokens)
	require.NotEmpty(t, res.StreamID)
	require.False(t, res.Partial)
	// Session released after the turn.
	require.False(t, rt.super.Busy(sessionKey(ProviderOpenAIChat, "default")))
}

func TestRunTurn_MissingSession(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.RunTurn(context.Background(), TurnParams{
		Provider: ProviderOpenAIChat,
		Model:    "gpt-4o",
		Messages: []Message{UserText("hi")},
	})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStreamChat_EventsThenResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatCompletionsSSE(w, "streamed")
	}))
	defer srv.Close()

	rt := newTestRuntime(t)
	ctx := context.Background()
	_, err := rt.CreateSession(ctx, SessionParams{
		Provider: ProviderOpenAIChat,
		AuthType: AuthTypeAPIKey,
		APIKey:   "sk-test",
	})
	require.NoError(t, err)

	events, results := rt.StreamChat(ctx, TurnParams{
		Provider: ProviderOpenAIChat,
		Model:    "gpt-4o",
		Messages: []Message{UserText("hi")},
		Options:  TurnOptions{BaseURL: srv.URL},
	})

	var sawContent, sawDone bool
	for ev := range events {
		if ev.OfContent != nil {
			sawContent = true
		}
		if ev.OfDone != nil {
			sawDone = true
		}
	}
	require.True(t, sawContent)
	require.True(t, sawDone)

	res := <-results
	require.NotNil(t, res)
	require.Equal(t, "streamed", res.FinalText)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
			_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o"},{"id":"o3"}]}`)
		case "/v1beta/models":
			require.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
			_, _ = io.WriteString(w, `{"models":[{"name":"models/gemini-2.5-pro"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rt := newTestRuntime(t)
	rt.modelsBaseURL = srv.URL
	ctx := context.Background()

	_, err := rt.CreateSession(ctx, SessionParams{
		Provider: ProviderOpenAIChat, AuthType: AuthTypeAPIKey, APIKey: "sk-test",
	})
	require.NoError(t, err)
	_, err = rt.CreateSession(ctx, SessionParams{
		Provider: ProviderGemini, AuthType: AuthTypeAPIKey, APIKey: "g-key",
	})
	require.NoError(t, err)

	models, err := rt.ListModels(ctx, ProviderOpenAIChat, AuthTypeAPIKey, "default")
	require.NoError(t, err)
	require.Equal(t, []string{"gpt-4o", "o3"}, models)

	models, err = rt.ListModels(ctx, ProviderGemini, AuthTypeAPIKey, "default")
	require.NoError(t, err)
	require.Equal(t, []string{"gemini-2.5-pro"}, models)
}

func TestRegisterToolAndTurnWithTool(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, `data: {"id":"chatcmpl-9","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"echo","arguments":"{\"text\":\"hi\"}"}}]}}]}`+"\n\n")
			_, _ = io.WriteString(w, `data: {"id":"chatcmpl-9","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`+"\n\n")
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		chatCompletionsSSE(w, "echoed")
	}))
	defer srv.Close()

	rt := newTestRuntime(t)
	require.NoError(t, rt.RegisterTool(Tool{Name: "echo"},
		func(ctx context.Context, args map[string]any) (*ToolResult, error) {
			return &ToolResult{Output: args["text"].(string)}, nil
		}))

	ctx := context.Background()
	_, err := rt.CreateSession(ctx, SessionParams{
		Provider: ProviderOpenAIChat, AuthType: AuthTypeAPIKey, APIKey: "sk-test",
	})
	require.NoError(t, err)

	res, err := rt.RunTurn(ctx, TurnParams{
		Provider: ProviderOpenAIChat,
		Model:    "gpt-4o",
		Messages: []Message{UserText("say hi")},
		Options:  TurnOptions{BaseURL: srv.URL},
	})
	require.NoError(t, err)
	require.Equal(t, "echoed", res.FinalText)
	require.Equal(t, []string{"echo"}, res.ToolsUsed)
	require.Equal(t, 2, requests)
}

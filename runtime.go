// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agentrt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llxprt/agentrt/internal/agent"
	"github.com/llxprt/agentrt/internal/apischema/anthropic"
	"github.com/llxprt/agentrt/internal/apischema/gcp"
	"github.com/llxprt/agentrt/internal/apischema/openai"
	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/credstore"
	"github.com/llxprt/agentrt/internal/json"
	"github.com/llxprt/agentrt/internal/metrics"
	"github.com/llxprt/agentrt/internal/oauth"
	"github.com/llxprt/agentrt/internal/refresh"
	"github.com/llxprt/agentrt/internal/supervisor"
	"github.com/llxprt/agentrt/internal/tools"
	"github.com/llxprt/agentrt/internal/translator"
)

// defaultTokenLifetime substitutes a conservative expiry when a provider
// issues a token without one.
const defaultTokenLifetime = 45 * time.Minute

// Runtime composes the credential store, the OAuth flows, the refresh
// scheduler, the stream supervisor, and the tool dispatcher behind the
// public session and turn operations. Safe for concurrent use.
type Runtime struct {
	store      *credstore.Store
	oauth      *oauth.Client
	scheduler  *refresh.Scheduler
	super      *supervisor.Supervisor
	dispatcher *tools.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	httpClient *http.Client

	// modelsBaseURL overrides the per-provider model list endpoints in
	// tests.
	modelsBaseURL string
}

// New builds a Runtime and seeds the refresh scheduler from the store.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("agentrt: StorePath is required")
	}
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("agentrt: Passphrase is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	m := metrics.NewNoop()
	if cfg.Meter != nil {
		var err error
		if m, err = metrics.New(cfg.Meter); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	cipher := credstore.NewPBKDF2AesGcmCipher(cfg.Passphrase, cfg.KDFIterations)
	store, err := credstore.Open(cfg.StorePath, cipher)
	if err != nil {
		return nil, err
	}

	oauthClient := oauth.NewClient(
		oauth.WithHTTPClient(cfg.HTTPClient),
		oauth.WithLogger(cfg.Logger),
	)
	scheduler := refresh.NewScheduler(store, refresh.ClientRefresher{Client: oauthClient}, cfg.Logger)
	if err := scheduler.Start(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Runtime{
		store:     store,
		oauth:     oauthClient,
		scheduler: scheduler,
		super: supervisor.New(supervisor.Config{
			IdleTimeout:    cfg.IdleTimeout,
			TurnTimeout:    cfg.TurnTimeout,
			CancelPrevious: cfg.CancelPrevious,
			Logger:         cfg.Logger,
		}),
		dispatcher: tools.NewDispatcher(cfg.Logger),
		metrics:    m,
		logger:     cfg.Logger,
		httpClient: cfg.HTTPClient,
	}, nil
}

// Close stops the refresh scheduler and closes the store.
func (r *Runtime) Close() error {
	r.scheduler.Close()
	return r.store.Close()
}

// RegisterTool adds a tool to the dispatcher shared by all turns.
func (r *Runtime) RegisterTool(tool Tool, fn func(ctx context.Context, args map[string]any) (*ToolResult, error)) error {
	return r.dispatcher.Register(tool, tools.ExecutorFunc(fn))
}

// BeginAuthorization starts the provider's PKCE login flow. The caller
// directs the user to the returned URL and completes the flow with
// CreateSession.
func (r *Runtime) BeginAuthorization(provider Provider) (*PendingAuthorization, error) {
	switch provider {
	case ProviderAnthropic:
		return r.oauth.BeginAnthropic()
	case ProviderOpenAIResponses, ProviderOpenAIChat:
		return r.oauth.BeginOpenAI()
	case ProviderGemini:
		return r.oauth.BeginGemini()
	default:
		return nil, fmt.Errorf("%w: %q", translator.ErrUnsupportedProvider, provider)
	}
}

// CreateSession stores a credential and returns the normalized session
// name. OAuth sessions are scheduled for refresh.
func (r *Runtime) CreateSession(ctx context.Context, p SessionParams) (string, error) {
	name := p.Name
	if name == "" {
		name = DefaultSessionName
	}
	normalized, err := credstore.NormalizeSessionName(name)
	if err != nil {
		return "", err
	}

	rec := credstore.Record{
		Provider: p.Provider,
		AuthType: p.AuthType,
		Name:     normalized,
	}

	switch p.AuthType {
	case AuthTypeAPIKey:
		rec.Credentials.APIKey = p.APIKey

	case AuthTypeOAuth:
		tok, err := r.exchange(ctx, p)
		if err != nil {
			return "", err
		}
		rec.Credentials = credstore.Credentials{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			IDToken:      tok.IDToken,
			APIKey:       tok.APIKey,
			Scope:        tok.Scope,
			TokenType:    tok.TokenType,
			AccountID:    tok.AccountID,
			PlanType:     tok.PlanType,
			Project:      tok.Project,
		}
		expiresAt := tok.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = time.Now().Add(defaultTokenLifetime)
		}
		expiresAt = expiresAt.UTC()
		rec.ExpiresAt = &expiresAt

	default:
		return "", fmt.Errorf("agentrt: unsupported auth type %q", p.AuthType)
	}

	if err := r.store.Put(ctx, rec); err != nil {
		return "", err
	}
	if rec.AuthType == AuthTypeOAuth {
		r.scheduler.Schedule(rec)
	}
	r.logger.Info("session created",
		slog.String("provider", string(p.Provider)),
		slog.String("auth_type", string(p.AuthType)),
		slog.String("session", normalized))
	return normalized, nil
}

// exchange completes the provider's authorization-code flow.
func (r *Runtime) exchange(ctx context.Context, p SessionParams) (*OAuthToken, error) {
	if p.Pending == nil {
		return nil, fmt.Errorf("%w: missing pending authorization", oauth.ErrInvalidCode)
	}
	switch p.Provider {
	case ProviderAnthropic:
		return r.oauth.ExchangeAnthropic(ctx, p.Pending, p.AuthCode)
	case ProviderOpenAIResponses, ProviderOpenAIChat:
		tok, err := r.oauth.ExchangeOpenAI(ctx, p.Pending, p.AuthCode)
		if err != nil {
			return nil, err
		}
		// Accounts without a ChatGPT subscription run in API-key mode:
		// the id_token is exchanged for a standard API key.
		if !chatGPTPlan(tok.PlanType) && tok.IDToken != "" {
			key, err := r.oauth.ExchangeOpenAIAPIKey(ctx, tok.IDToken)
			if err != nil {
				return nil, err
			}
			tok.APIKey = key
		}
		return tok, nil
	case ProviderGemini:
		tok, err := r.oauth.ExchangeGemini(ctx, p.Pending, p.AuthCode)
		if err != nil {
			return nil, err
		}
		tok.Project = p.Project
		if tok.Project == "" {
			project, err := r.oauth.ProvisionGeminiProject(ctx, tok.AccessToken)
			if err != nil {
				return nil, err
			}
			tok.Project = project
		}
		return tok, nil
	default:
		return nil, fmt.Errorf("%w: %q", translator.ErrUnsupportedProvider, p.Provider)
	}
}

// chatGPTPlan reports whether the subscription plan routes through the
// ChatGPT backend rather than an exchanged API key.
func chatGPTPlan(plan string) bool {
	switch strings.ToLower(plan) {
	case "plus", "pro", "team", "business", "enterprise", "edu":
		return true
	default:
		return false
	}
}

// DeleteSession removes a credential and cancels its refresh timer.
func (r *Runtime) DeleteSession(ctx context.Context, provider Provider, authType AuthType, name string) error {
	normalized, err := credstore.NormalizeSessionName(name)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, provider, authType, normalized); err != nil {
		return err
	}
	r.scheduler.Cancel(provider, authType, normalized)
	return nil
}

// ListSessions reports the stored sessions without exposing secrets.
func (r *Runtime) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, SessionInfo{
			Provider:       rec.Provider,
			AuthType:       rec.AuthType,
			Name:           rec.Name,
			ExpiresAt:      rec.ExpiresAt,
			RequiresReauth: rec.Credentials.RequiresReauth,
			PlanType:       rec.Credentials.PlanType,
		})
	}
	return out, nil
}

// RefreshTokens forces an immediate refresh of an OAuth session and
// reschedules the next one.
func (r *Runtime) RefreshTokens(ctx context.Context, provider Provider, name string) error {
	rec, err := r.store.Get(ctx, provider, AuthTypeOAuth, name)
	if err != nil {
		return err
	}
	updated, ok := r.scheduler.RefreshNow(ctx, *rec)
	if !ok {
		return fmt.Errorf("%w: session %q requires re-authentication", ErrRequiresReauth, rec.Name)
	}
	if updated != nil {
		r.scheduler.Schedule(*updated)
	}
	return nil
}

// resolveRecord finds the credential for a turn. An empty auth type prefers
// oauth and falls back to api_key.
func (r *Runtime) resolveRecord(ctx context.Context, provider Provider, authType AuthType, name string) (*credstore.Record, error) {
	if authType != "" {
		return r.store.Get(ctx, provider, authType, name)
	}
	rec, err := r.store.Get(ctx, provider, AuthTypeOAuth, name)
	if err == nil {
		return rec, nil
	}
	return r.store.Get(ctx, provider, AuthTypeAPIKey, name)
}

// credAuth maps a stored credential onto the wire credential. An OAuth
// record holding an exchanged API key authenticates as an API key.
func credAuth(rec *credstore.Record) translator.Auth {
	if rec.AuthType == AuthTypeAPIKey || rec.Credentials.APIKey != "" {
		key := rec.Credentials.APIKey
		return translator.Auth{Type: translator.AuthTypeAPIKey, Token: key}
	}
	return translator.Auth{
		Type:      translator.AuthTypeOAuth,
		Token:     rec.Credentials.AccessToken,
		AccountID: rec.Credentials.AccountID,
		Project:   rec.Credentials.Project,
	}
}

// RunTurn executes one complete turn and returns the aggregate result.
func (r *Runtime) RunTurn(ctx context.Context, p TurnParams) (*TurnResult, error) {
	return r.run(ctx, p, nil)
}

// StreamChat executes one turn while forwarding the normalized stream
// events. The event channel closes when the stream ends; the result channel
// then yields exactly one result.
func (r *Runtime) StreamChat(ctx context.Context, p TurnParams) (<-chan StreamEvent, <-chan *TurnResult) {
	events := make(chan StreamEvent, 64)
	results := make(chan *TurnResult, 1)
	go func() {
		defer close(results)
		res, err := r.run(ctx, p, func(ev StreamEvent) { events <- ev })
		close(events)
		if err != nil && res == nil {
			res = &TurnResult{Partial: true}
		}
		results <- res
	}()
	return events, results
}

// CancelStream aborts the session's live stream, if any.
func (r *Runtime) CancelStream(provider Provider, session string) bool {
	normalized, err := credstore.NormalizeSessionName(defaultName(session))
	if err != nil {
		return false
	}
	return r.super.Cancel(sessionKey(provider, normalized))
}

func defaultName(name string) string {
	if name == "" {
		return DefaultSessionName
	}
	return name
}

func sessionKey(provider Provider, name string) string {
	return string(provider) + "/" + name
}

func (r *Runtime) run(ctx context.Context, p TurnParams, onEvent func(StreamEvent)) (*TurnResult, error) {
	normalized, err := credstore.NormalizeSessionName(defaultName(p.Session))
	if err != nil {
		return nil, err
	}
	if err := chat.ValidateMessages(p.Messages); err != nil {
		return nil, err
	}

	stream, err := r.super.Begin(ctx, sessionKey(p.Provider, normalized))
	if err != nil {
		return nil, err
	}
	defer r.super.End(stream)

	authFn := func(ctx context.Context) (translator.Auth, error) {
		rec, err := r.resolveRecord(ctx, p.Provider, p.AuthType, normalized)
		if err != nil {
			return translator.Auth{}, err
		}
		return credAuth(rec), nil
	}
	refreshFn := func(ctx context.Context) (translator.Auth, error) {
		rec, err := r.store.Get(ctx, p.Provider, AuthTypeOAuth, normalized)
		if err != nil {
			return translator.Auth{}, err
		}
		updated, ok := r.scheduler.RefreshNow(ctx, *rec)
		if !ok {
			return translator.Auth{}, fmt.Errorf("%w: session %q requires re-authentication", ErrRequiresReauth, normalized)
		}
		r.scheduler.Schedule(*updated)
		return credAuth(updated), nil
	}

	loop, err := agent.New(agent.Config{
		Provider: p.Provider,
		Options: translator.Options{
			Model:              p.Model,
			Instructions:       p.Options.Instructions,
			MaxTokens:          p.Options.MaxTokens,
			SessionID:          uuid.NewString(),
			UserPromptID:       uuid.NewString(),
			UserAgent:          p.Options.UserAgent,
			StoreResponses:     p.Options.StoreResponses,
			ReasoningEffort:    p.Options.ReasoningEffort,
			WebSearchEnabled:   p.Options.WebSearchEnabled,
			ApplyPatchToolMode: p.Options.ApplyPatchToolMode,
			ParallelToolCalls:  p.Options.ParallelToolCalls,
			FirstTurn:          p.Options.FirstTurn,
			DisablePrimer:      p.Options.DisablePrimer,
			BaseURL:            p.Options.BaseURL,
		},
		Auth:              authFn,
		RefreshAuth:       refreshFn,
		Dispatcher:        r.dispatcher,
		MaxToolIterations: p.Options.MaxToolIterations,
		ParallelTools:     p.Options.ParallelToolCalls,
		HTTPClient:        r.httpClient,
		WatchBody:         func(body io.Reader) io.Reader { return r.super.WatchReader(stream, body) },
		Logger:            r.logger,
		Metrics:           r.metrics,
	})
	if err != nil {
		return nil, err
	}

	res, runErr := loop.Run(stream.Context(), p.Messages, onEvent)
	out := &TurnResult{StreamID: stream.ID}
	if res != nil {
		out.FinalText = res.FinalText
		out.Thoughts = res.Thoughts
		out.ToolsUsed = res.ToolsUsed
		out.Usage = res.Usage
		out.ResponseID = res.ResponseID
		out.FinishReason = res.FinishReason
		out.Transcript = res.Transcript
		out.Partial = res.Partial
	}
	return out, runErr
}

// Default model list endpoints.
const (
	openaiModelsBase    = "https://api.openai.com"
	anthropicModelsBase = "https://api.anthropic.com"
	geminiModelsBase    = "https://generativelanguage.googleapis.com"
)

// ListModels queries the provider's model catalog with the session's
// credential.
func (r *Runtime) ListModels(ctx context.Context, provider Provider, authType AuthType, name string) ([]string, error) {
	normalized, err := credstore.NormalizeSessionName(defaultName(name))
	if err != nil {
		return nil, err
	}
	rec, err := r.resolveRecord(ctx, provider, authType, normalized)
	if err != nil {
		return nil, err
	}
	auth := credAuth(rec)

	var (
		url     string
		headers = http.Header{}
	)
	switch provider {
	case ProviderOpenAIResponses, ProviderOpenAIChat:
		url = r.modelsURL(openaiModelsBase) + "/v1/models"
		headers.Set("Authorization", "Bearer "+auth.Token)
	case ProviderAnthropic:
		url = r.modelsURL(anthropicModelsBase) + "/v1/models"
		headers.Set("anthropic-version", "2023-06-01")
		if auth.Type == translator.AuthTypeOAuth {
			headers.Set("Authorization", "Bearer "+auth.Token)
			headers.Set("anthropic-beta", "oauth-2025-04-20")
		} else {
			headers.Set("x-api-key", auth.Token)
		}
	case ProviderGemini:
		url = r.modelsURL(geminiModelsBase) + "/v1beta/models"
		if auth.Type == translator.AuthTypeOAuth {
			headers.Set("Authorization", "Bearer "+auth.Token)
		} else {
			headers.Set("x-goog-api-key", auth.Token)
		}
	default:
		return nil, fmt.Errorf("%w: %q", translator.ErrUnsupportedProvider, provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header = headers
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model list request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read model list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list returned status %d", resp.StatusCode)
	}

	switch provider {
	case ProviderOpenAIResponses, ProviderOpenAIChat:
		var list openai.ModelList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("failed to decode model list: %w", err)
		}
		out := make([]string, 0, len(list.Data))
		for _, m := range list.Data {
			out = append(out, m.ID)
		}
		return out, nil
	case ProviderAnthropic:
		var list anthropic.ModelList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("failed to decode model list: %w", err)
		}
		out := make([]string, 0, len(list.Data))
		for _, m := range list.Data {
			out = append(out, m.ID)
		}
		return out, nil
	default:
		var list gcp.ModelList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("failed to decode model list: %w", err)
		}
		out := make([]string, 0, len(list.Models))
		for _, m := range list.Models {
			out = append(out, strings.TrimPrefix(m.Name, "models/"))
		}
		return out, nil
	}
}

func (r *Runtime) modelsURL(def string) string {
	if r.modelsBaseURL != "" {
		return r.modelsBaseURL
	}
	return def
}

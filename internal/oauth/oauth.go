// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package oauth implements the PKCE device-login flows for the providers
// that support subscription credentials: Anthropic (claude.ai), OpenAI
// (ChatGPT) and Google (Gemini Code Assist). All flows use the S256
// challenge method; the plain method is never offered.
package oauth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/llxprt/agentrt/internal/translator"
)

// Flow errors. Wire-level failures map onto these so callers can branch
// without parsing provider error bodies.
var (
	ErrInvalidCode         = errors.New("invalid_authorization_code")
	ErrInvalidRefreshToken = errors.New("invalid_refresh_token")
	ErrMissingClientID     = errors.New("missing_client_id")
	ErrRateLimited         = errors.New("rate_limited")
	ErrInvalidResponse     = errors.New("invalid_token_response")
	ErrProjectRequired     = errors.New("gcp_project_required")
)

// Token is the provider-neutral result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	// IDToken is the raw OIDC id_token when the provider issues one.
	IDToken string
	// APIKey is set when the flow ends in an exchanged API key instead of
	// a bearer token (OpenAI token-exchange mode).
	APIKey string
	// ExpiresAt is zero when the provider reported no lifetime.
	ExpiresAt time.Time
	Scope     string
	TokenType string

	// AccountID is the ChatGPT account identifier extracted from the
	// id_token; requests to the ChatGPT backend require it as a header.
	AccountID string
	// PlanType is the ChatGPT subscription plan from the id_token.
	PlanType string
	// Project is the provisioned GCP project for Gemini Code Assist.
	Project string
}

// PendingAuthorization holds the state a caller carries between opening the
// authorization URL and completing the exchange with the returned code.
type PendingAuthorization struct {
	Provider    translator.Provider
	URL         string
	Verifier    string
	State       string
	RedirectURI string
}

// Client drives the login and refresh flows. Endpoint fields default to the
// real providers and exist so tests can point at local servers.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	anthropicAuthURL  string
	anthropicTokenURL string
	openaiAuthURL     string
	openaiTokenURL    string
	googleAuthURL     string
	googleTokenURL    string
	codeAssistURL     string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAnthropicEndpoints overrides the Anthropic authorize and token URLs.
func WithAnthropicEndpoints(authURL, tokenURL string) Option {
	return func(c *Client) {
		c.anthropicAuthURL = authURL
		c.anthropicTokenURL = tokenURL
	}
}

// WithOpenAIEndpoints overrides the OpenAI authorize and token URLs.
func WithOpenAIEndpoints(authURL, tokenURL string) Option {
	return func(c *Client) {
		c.openaiAuthURL = authURL
		c.openaiTokenURL = tokenURL
	}
}

// WithGoogleEndpoints overrides the Google authorize and token URLs.
func WithGoogleEndpoints(authURL, tokenURL string) Option {
	return func(c *Client) {
		c.googleAuthURL = authURL
		c.googleTokenURL = tokenURL
	}
}

// WithCodeAssistEndpoint overrides the Gemini Code Assist base URL.
func WithCodeAssistEndpoint(base string) Option {
	return func(c *Client) { c.codeAssistURL = base }
}

// NewClient returns a flow client with production endpoints.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		logger:            slog.New(slog.DiscardHandler),
		anthropicAuthURL:  anthropicAuthorizeURL,
		anthropicTokenURL: anthropicTokenURL,
		openaiAuthURL:     openaiAuthorizeURL,
		openaiTokenURL:    openaiTokenURL,
		googleAuthURL:     googleAuthorizeURL,
		googleTokenURL:    googleTokenURL,
		codeAssistURL:     codeAssistBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

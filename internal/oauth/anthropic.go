// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package oauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/llxprt/agentrt/internal/json"
)

// Anthropic OAuth constants. The client ID is the published claude.ai CLI
// client; the callback page displays a code the user pastes back.
const (
	anthropicClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicAuthorizeURL = "https://claude.ai/oauth/authorize"
	anthropicTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	anthropicRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	anthropicScopes       = "org:create_api_key user:profile user:inference"
)

// BeginAnthropic builds the claude.ai authorization URL. The PKCE verifier
// doubles as the state parameter; the pasted code comes back as "code#state"
// and both halves go into the exchange.
func (c *Client) BeginAnthropic() (*PendingAuthorization, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", anthropicClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", anthropicRedirectURI)
	q.Set("scope", anthropicScopes)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", ChallengeMethod)
	q.Set("state", pkce.Verifier)

	return &PendingAuthorization{
		Provider:    "anthropic",
		URL:         c.anthropicAuthURL + "?" + q.Encode(),
		Verifier:    pkce.Verifier,
		State:       pkce.Verifier,
		RedirectURI: anthropicRedirectURI,
	}, nil
}

// anthropicTokenRequest is the JSON token request body. Anthropic's token
// endpoint takes JSON, not form encoding.
type anthropicTokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	State        string `json:"state,omitempty"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type anthropicTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// ExchangeAnthropic completes the flow with the pasted "code#state" value.
func (c *Client) ExchangeAnthropic(ctx context.Context, pending *PendingAuthorization, pasted string) (*Token, error) {
	code, state, _ := strings.Cut(strings.TrimSpace(pasted), "#")
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidCode)
	}
	if state == "" {
		state = pending.State
	}
	req := anthropicTokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		State:        state,
		ClientID:     anthropicClientID,
		RedirectURI:  pending.RedirectURI,
		CodeVerifier: pending.Verifier,
	}
	return c.anthropicToken(ctx, req, ErrInvalidCode)
}

// RefreshAnthropic exchanges a refresh token for a fresh access token.
func (c *Client) RefreshAnthropic(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", ErrInvalidRefreshToken)
	}
	req := anthropicTokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     anthropicClientID,
	}
	return c.anthropicToken(ctx, req, ErrInvalidRefreshToken)
}

func (c *Client) anthropicToken(ctx context.Context, reqBody anthropicTokenRequest, grantErr error) (*Token, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.anthropicTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("anthropic token request rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("grant_type", reqBody.GrantType))
		return nil, classifyTokenError(resp.StatusCode, respBody, grantErr)
	}

	var tr anthropicTokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", ErrInvalidResponse)
	}

	tok := &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// classifyTokenError maps a non-200 token response onto the flow error
// taxonomy. grantErr is the grant-specific error for invalid_grant.
func classifyTokenError(status int, body []byte, grantErr error) error {
	var detail struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &detail)

	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case detail.Error == "invalid_grant", detail.Error == "invalid_request" && status == http.StatusBadRequest,
		status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		if detail.ErrorDescription != "" {
			return fmt.Errorf("%w: %s", grantErr, detail.ErrorDescription)
		}
		return grantErr
	default:
		return fmt.Errorf("%w: status %d", ErrInvalidResponse, status)
	}
}

// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package oauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/llxprt/agentrt/internal/json"
)

// OpenAI OAuth constants. The client ID is the published Codex CLI client;
// the flow runs a localhost callback listener on port 1455.
const (
	openaiClientID     = "app_EMoamEEZ73f0CkXaXp7hrann"
	openaiAuthorizeURL = "https://auth.openai.com/oauth/authorize"
	openaiTokenURL     = "https://auth.openai.com/oauth/token"
	openaiRedirectURI  = "http://localhost:1455/auth/callback"
	openaiScopes       = "openid profile email offline_access"

	tokenExchangeGrant    = "urn:ietf:params:oauth:grant-type:token-exchange"
	idTokenType           = "urn:ietf:params:oauth:token-type:id_token"
	requestedTokenAPIKey  = "openai-api-key"
	openaiAuthClaimsField = "https://api.openai.com/auth"
)

// BeginOpenAI builds the auth.openai.com authorization URL. The query is
// assembled by hand because the backend is sensitive to parameter order.
func (c *Client) BeginOpenAI() (*PendingAuthorization, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	var q strings.Builder
	appendParam := func(k, v string) {
		if q.Len() > 0 {
			q.WriteByte('&')
		}
		q.WriteString(k)
		q.WriteByte('=')
		q.WriteString(url.QueryEscape(v))
	}
	appendParam("response_type", "code")
	appendParam("client_id", openaiClientID)
	appendParam("redirect_uri", openaiRedirectURI)
	appendParam("scope", openaiScopes)
	appendParam("code_challenge", pkce.Challenge)
	appendParam("code_challenge_method", ChallengeMethod)
	appendParam("id_token_add_organizations", "true")
	appendParam("codex_cli_simplified_flow", "true")
	appendParam("state", state.Verifier)

	return &PendingAuthorization{
		Provider:    "openai_responses",
		URL:         c.openaiAuthURL + "?" + q.String(),
		Verifier:    pkce.Verifier,
		State:       state.Verifier,
		RedirectURI: openaiRedirectURI,
	}, nil
}

type openaiTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// ExchangeOpenAI completes the code exchange against the token endpoint and
// pulls the ChatGPT account metadata out of the id_token.
func (c *Client) ExchangeOpenAI(ctx context.Context, pending *PendingAuthorization, code string) (*Token, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidCode)
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", pending.RedirectURI)
	form.Set("client_id", openaiClientID)
	form.Set("code_verifier", pending.Verifier)

	tok, err := c.openaiToken(ctx, form, ErrInvalidCode)
	if err != nil {
		return nil, err
	}
	if tok.IDToken != "" {
		accountID, planType := parseOpenAIIDToken(tok.IDToken)
		tok.AccountID = accountID
		tok.PlanType = planType
	}
	return tok, nil
}

// ExchangeOpenAIAPIKey trades an id_token for a long-lived API key via the
// RFC 8693 token-exchange grant. Used when the account's plan routes through
// the platform API instead of the ChatGPT backend.
func (c *Client) ExchangeOpenAIAPIKey(ctx context.Context, idToken string) (string, error) {
	if idToken == "" {
		return "", fmt.Errorf("%w: empty id_token", ErrInvalidCode)
	}
	form := url.Values{}
	form.Set("grant_type", tokenExchangeGrant)
	form.Set("client_id", openaiClientID)
	form.Set("requested_token", requestedTokenAPIKey)
	form.Set("subject_token", idToken)
	form.Set("subject_token_type", idTokenType)

	tok, err := c.openaiToken(ctx, form, ErrInvalidCode)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// RefreshOpenAI exchanges a refresh token for a fresh access token.
func (c *Client) RefreshOpenAI(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", ErrInvalidRefreshToken)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", openaiClientID)
	form.Set("scope", "openid profile email")

	tok, err := c.openaiToken(ctx, form, ErrInvalidRefreshToken)
	if err != nil {
		return nil, err
	}
	if tok.IDToken != "" {
		accountID, planType := parseOpenAIIDToken(tok.IDToken)
		tok.AccountID = accountID
		tok.PlanType = planType
	}
	return tok, nil
}

func (c *Client) openaiToken(ctx context.Context, form url.Values, grantErr error) (*Token, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openaiTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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
		c.logger.Warn("openai token request rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("grant_type", form.Get("grant_type")))
		return nil, classifyTokenError(resp.StatusCode, respBody, grantErr)
	}

	var tr openaiTokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", ErrInvalidResponse)
	}

	tok := &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// parseOpenAIIDToken reads the ChatGPT account claims without verifying the
// signature. The token was just received over TLS from the issuer; the
// claims only route requests, they grant nothing.
func parseOpenAIIDToken(idToken string) (accountID, planType string) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return "", ""
	}
	auth, ok := claims[openaiAuthClaimsField].(map[string]any)
	if !ok {
		return "", ""
	}
	accountID, _ = auth["chatgpt_account_id"].(string)
	planType, _ = auth["chatgpt_plan_type"].(string)
	return accountID, planType
}

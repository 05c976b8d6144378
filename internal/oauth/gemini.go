// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package oauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/llxprt/agentrt/internal/json"
)

// Google OAuth constants. These are the published gemini-cli installed-app
// credentials; an installed-app client secret is not confidential.
const (
	googleClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	googleClientSecret = "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"
	googleAuthorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
	googleRedirectURI  = "http://localhost:7777/oauth2callback"
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

func (c *Client) googleConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     googleClientID,
		ClientSecret: googleClientSecret,
		RedirectURL:  googleRedirectURI,
		Scopes:       googleScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.googleAuthURL,
			TokenURL: c.googleTokenURL,
		},
	}
}

// BeginGemini builds the Google authorization URL with an S256 challenge.
func (c *Client) BeginGemini() (*PendingAuthorization, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	authURL := c.googleConfig().AuthCodeURL(state.Verifier,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
	return &PendingAuthorization{
		Provider:    "gemini",
		URL:         authURL,
		Verifier:    verifier,
		State:       state.Verifier,
		RedirectURI: googleRedirectURI,
	}, nil
}

// ExchangeGemini completes the code exchange.
func (c *Client) ExchangeGemini(ctx context.Context, pending *PendingAuthorization, code string) (*Token, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidCode)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.googleConfig().Exchange(ctx, code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return nil, classifyOAuth2Error(err, ErrInvalidCode)
	}
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	return out, nil
}

// codeAssistBaseURL is the Code Assist internal API the OAuth flow targets.
const codeAssistBaseURL = "https://cloudcode-pa.googleapis.com/v1internal"

type codeAssistMetadata struct {
	IDEType    string `json:"ideType"`
	Platform   string `json:"platform"`
	PluginType string `json:"pluginType"`
}

type loadCodeAssistRequest struct {
	Metadata codeAssistMetadata `json:"metadata"`
}

type loadCodeAssistResponse struct {
	CloudAICompanionProject string `json:"cloudaicompanionProject"`
}

// ProvisionGeminiProject resolves the Code Assist project backing the
// account. Accounts without a managed cloudaicompanion project must supply a
// project explicitly; those get ErrProjectRequired.
func (c *Client) ProvisionGeminiProject(ctx context.Context, accessToken string) (string, error) {
	body, err := json.Marshal(loadCodeAssistRequest{
		Metadata: codeAssistMetadata{
			IDEType:    "IDE_UNSPECIFIED",
			Platform:   "PLATFORM_UNSPECIFIED",
			PluginType: "GEMINI",
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.codeAssistURL+":loadCodeAssist", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("code assist request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read code assist response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: loadCodeAssist status %d", ErrInvalidResponse, resp.StatusCode)
	}
	var out loadCodeAssistResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if out.CloudAICompanionProject == "" {
		return "", ErrProjectRequired
	}
	return out.CloudAICompanionProject, nil
}

// RefreshGemini exchanges a refresh token for a fresh access token.
func (c *Client) RefreshGemini(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", ErrInvalidRefreshToken)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := c.googleConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuth2Error(err, ErrInvalidRefreshToken)
	}
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if out.RefreshToken == "" {
		// Google omits the refresh token on refresh; the old one stays valid.
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// classifyOAuth2Error maps x/oauth2 retrieve errors onto the flow taxonomy.
func classifyOAuth2Error(err error, grantErr error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return fmt.Errorf("token request failed: %w", err)
	}
	switch {
	case retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case retrieveErr.ErrorCode == "invalid_grant",
		strings.Contains(string(retrieveErr.Body), "invalid_grant"):
		return grantErr
	default:
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
}

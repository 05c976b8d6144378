// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package translator maps the canonical chat representation into each
// provider's on-wire request shape: body, headers, endpoint, and tool schema.
//
// Translation is pure: no I/O, no randomness, no clock reads. For a given
// (messages, tools, auth, options) input the emitted request is
// byte-deterministic, which the tests rely on.
package translator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/llxprt/agentrt/internal/chat"
)

// Provider identifies a supported backend wire protocol.
type Provider string

const (
	// ProviderOpenAIResponses is the OpenAI Responses API.
	ProviderOpenAIResponses Provider = "openai_responses"
	// ProviderOpenAIChat is the OpenAI Chat Completions API.
	ProviderOpenAIChat Provider = "openai_chat"
	// ProviderAnthropic is the Anthropic Messages API.
	ProviderAnthropic Provider = "anthropic"
	// ProviderGemini is the Google Gemini generateContent API.
	ProviderGemini Provider = "gemini"
)

// ErrUnsupportedProvider is returned for provider values outside the enum.
var ErrUnsupportedProvider = errors.New("unsupported_provider")

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAIResponses, ProviderOpenAIChat, ProviderAnthropic, ProviderGemini:
		return true
	default:
		return false
	}
}

// AuthType selects how credentials are presented on the wire.
type AuthType string

const (
	// AuthTypeAPIKey authenticates with a provider API key.
	AuthTypeAPIKey AuthType = "api_key"
	// AuthTypeOAuth authenticates with an OAuth access token.
	AuthTypeOAuth AuthType = "oauth"
)

// Auth carries the resolved credential for one request.
type Auth struct {
	Type  AuthType
	Token string
	// AccountID is the chatgpt-account-id header value, present only for
	// OpenAI ChatGPT OAuth credentials.
	AccountID string
	// Project is the GCP project for Gemini Code Assist OAuth requests.
	Project string
}

// Request is the provider-specific request envelope. The caller owns the
// HTTP dispatch; the translator never performs I/O.
type Request struct {
	Method              string
	URL                 string
	Headers             http.Header
	Body                []byte
	ExpectedContentType string
}

// Options tune a single translation. The zero value is usable; defaults are
// documented per field.
type Options struct {
	// Model is the provider model identifier. Required.
	Model string
	// Instructions is the system/developer prompt. When empty, a leading
	// canonical system message is used instead.
	Instructions string
	// MaxTokens caps the response length. Defaults to 64000 where the
	// provider requires the field (Anthropic).
	MaxTokens int
	// Stream requests an SSE response. The turn loop always sets it.
	Stream bool

	// SessionID is the session_id header value (OpenAI Responses). The
	// caller generates it; the translator stays deterministic.
	SessionID string
	// UserAgent is sent verbatim when non-empty.
	UserAgent string
	// Originator is the originator header (OpenAI Responses). Defaults to
	// "codex_cli_rs".
	Originator string
	// StoreResponses is the Responses store flag; nil means true. Forced to
	// false when the auth is ChatGPT OAuth.
	StoreResponses *bool
	// ReasoningEffort is passed through to Responses when non-empty.
	ReasoningEffort string
	// WebSearchEnabled includes the hosted web_search tool (Responses only).
	WebSearchEnabled bool
	// ApplyPatchToolMode declares the apply_patch tool (Responses only):
	// ApplyPatchFreeform, ApplyPatchFunction, or empty for none.
	ApplyPatchToolMode string
	// ParallelToolCalls permits parallel tool execution.
	ParallelToolCalls bool
	// PromptCacheKey is passed through to Responses when non-empty.
	PromptCacheKey string

	// FirstTurn marks the first model call of a thread; Anthropic OAuth
	// injects the tool-parameter primer only then.
	FirstTurn bool
	// DisablePrimer suppresses the Anthropic OAuth first-turn primer.
	DisablePrimer bool

	// UserPromptID is the Code Assist user_prompt_id (Gemini OAuth).
	UserPromptID string

	// BaseURL overrides the provider's default endpoint base.
	BaseURL string
}

// DefaultOriginator is the originator header default.
const DefaultOriginator = "codex_cli_rs"

// Apply-patch tool declaration modes.
const (
	// ApplyPatchFreeform declares the hosted freeform apply_patch tool.
	ApplyPatchFreeform = "freeform"
	// ApplyPatchFunction declares apply_patch as a plain function tool.
	ApplyPatchFunction = "function"
)

// DefaultAnthropicMaxTokens is used when Options.MaxTokens is zero.
const DefaultAnthropicMaxTokens = 64000

// Translate renders the canonical chat into p's request envelope.
func Translate(p Provider, msgs []chat.Message, tools []chat.Tool, auth Auth, opts Options) (*Request, error) {
	if err := chat.ValidateMessages(msgs); err != nil {
		return nil, err
	}
	switch p {
	case ProviderOpenAIResponses:
		return translateOpenAIResponses(msgs, tools, auth, opts)
	case ProviderOpenAIChat:
		return translateOpenAIChat(msgs, tools, auth, opts)
	case ProviderAnthropic:
		return translateAnthropic(msgs, tools, auth, opts)
	case ProviderGemini:
		return translateGemini(msgs, tools, auth, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, p)
	}
}

const (
	contentTypeJSON        = "application/json; charset=utf-8"
	eventStreamContentType = "text/event-stream"
)

// systemText extracts the leading system message text, preferring explicit
// Options.Instructions, and returns the remaining messages.
func systemText(msgs []chat.Message, opts Options) (string, []chat.Message) {
	rest := msgs
	var sys string
	if len(msgs) > 0 && msgs[0].Role == chat.RoleSystem {
		for _, b := range msgs[0].Content {
			if b.OfText != nil {
				sys += b.OfText.Text
			}
		}
		rest = msgs[1:]
	}
	if opts.Instructions != "" {
		sys = opts.Instructions
	}
	return sys, rest
}

// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package agentrt is a provider-agnostic agent turn runtime. It speaks the
// OpenAI Responses, OpenAI Chat Completions, Anthropic Messages, and Gemini
// streaming APIs, runs the tool-calling loop over a canonical chat model,
// and manages OAuth sessions with encrypted at-rest credentials and
// scheduled token refresh.
package agentrt

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/llxprt/agentrt/internal/agent"
	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/credstore"
	"github.com/llxprt/agentrt/internal/oauth"
	"github.com/llxprt/agentrt/internal/supervisor"
	"github.com/llxprt/agentrt/internal/tools"
	"github.com/llxprt/agentrt/internal/translator"
)

// Provider selects the wire dialect.
type Provider = translator.Provider

// Supported providers.
const (
	ProviderOpenAIResponses = translator.ProviderOpenAIResponses
	ProviderOpenAIChat      = translator.ProviderOpenAIChat
	ProviderAnthropic       = translator.ProviderAnthropic
	ProviderGemini          = translator.ProviderGemini
)

// AuthType selects how credentials are presented on the wire.
type AuthType = translator.AuthType

// Supported auth types.
const (
	AuthTypeAPIKey = translator.AuthTypeAPIKey
	AuthTypeOAuth  = translator.AuthTypeOAuth
)

// Canonical chat types.
type (
	Message      = chat.Message
	ContentBlock = chat.ContentBlock
	Tool         = chat.Tool
	StreamEvent  = chat.StreamEvent
	Usage        = chat.Usage
	FunctionCall = chat.FunctionCall
)

// Tool execution types.
type (
	ToolResult   = tools.Result
	BinaryOutput = tools.BinaryOutput
)

// OAuth flow types.
type (
	PendingAuthorization = oauth.PendingAuthorization
	OAuthToken           = oauth.Token
)

// Errors surfaced at the API boundary.
var (
	ErrStreamInProgress  = supervisor.ErrStreamInProgress
	ErrSessionNotFound   = credstore.ErrNotFound
	ErrInvalidSession    = credstore.ErrInvalidSessionName
	ErrTruncatedStream   = chat.ErrTruncatedStream
	ErrMaxToolIterations = agent.ErrMaxToolIterations
	ErrRequiresReauth    = oauth.ErrInvalidRefreshToken
)

// UserText builds a single-text user message.
func UserText(text string) Message { return chat.UserText(text) }

// DefaultSessionName is used when a session name is not given.
const DefaultSessionName = credstore.DefaultSessionName

// Config configures a Runtime. StorePath and Passphrase are required.
type Config struct {
	// StorePath is the sqlite credential store file. ":memory:" works for
	// ephemeral runtimes.
	StorePath string
	// Passphrase derives the AES-256-GCM key protecting stored
	// credentials.
	Passphrase string
	// KDFIterations overrides the PBKDF2 iteration count. Zero takes the
	// default.
	KDFIterations int

	HTTPClient *http.Client
	Logger     *slog.Logger
	// Meter receives the GenAI client metrics. Nil disables recording.
	Meter metric.Meter

	// IdleTimeout drops a stream when no bytes arrive within the window.
	IdleTimeout time.Duration
	// TurnTimeout is the total turn deadline.
	TurnTimeout time.Duration
	// CancelPrevious makes a new stream for a busy session cancel the
	// running one instead of being rejected.
	CancelPrevious bool
}

// TurnOptions tune one turn.
type TurnOptions struct {
	// Instructions is the system prompt when the messages carry none.
	Instructions string
	MaxTokens    int

	// MaxToolIterations caps the tool-call follow-up cycles. Zero takes
	// the default of 8.
	MaxToolIterations int
	// ParallelToolCalls runs the executors of one function_call event
	// concurrently.
	ParallelToolCalls bool

	// StoreResponses is the OpenAI Responses store flag; nil means true.
	// Forced false on ChatGPT OAuth.
	StoreResponses *bool
	// ReasoningEffort is passed through to Responses when non-empty.
	ReasoningEffort string
	// WebSearchEnabled includes the hosted web_search tool (Responses).
	WebSearchEnabled bool
	// ApplyPatchToolMode is "freeform", "function", or empty for none
	// (Responses).
	ApplyPatchToolMode string

	// DisablePrimer suppresses the Anthropic OAuth first-turn primer.
	DisablePrimer bool
	// FirstTurn marks the first model call of a thread.
	FirstTurn bool

	UserAgent string
	// BaseURL overrides the provider endpoint, mainly for
	// OpenAI-compatible backends and tests.
	BaseURL string
}

// TurnResult is the outcome of one turn. On error the fields hold whatever
// was accumulated before the failure and Partial is set.
type TurnResult struct {
	FinalText    string
	Thoughts     string
	ToolsUsed    []string
	Usage        Usage
	ResponseID   string
	FinishReason string
	// StreamID identifies the supervised stream that produced the result.
	StreamID string
	// Transcript is the canonical conversation including everything the
	// turn appended.
	Transcript []Message
	Partial    bool
}

// TurnParams identify and shape one turn.
type TurnParams struct {
	Provider Provider
	// AuthType selects the credential. Empty tries oauth first, then
	// api_key.
	AuthType AuthType
	// Session is the credential session name. Empty means "default".
	Session string
	Model   string

	Messages []Message
	Options  TurnOptions
}

// SessionParams describe a session to create.
type SessionParams struct {
	Provider Provider
	AuthType AuthType
	// Name is normalized (lowercased, spaces to underscores). Empty means
	// "default".
	Name string

	// APIKey is required for api_key sessions.
	APIKey string

	// Pending and AuthCode complete an OAuth login started with
	// BeginAuthorization. For Anthropic, AuthCode is the pasted
	// "code#state" string.
	Pending  *PendingAuthorization
	AuthCode string

	// Project is the GCP project for Gemini OAuth sessions. Empty triggers
	// Code Assist project discovery after the exchange.
	Project string
}

// SessionInfo is one stored session as reported by ListSessions.
type SessionInfo struct {
	Provider       Provider
	AuthType       AuthType
	Name           string
	ExpiresAt      *time.Time
	RequiresReauth bool
	PlanType       string
}

// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

// This file mirrors the subset of the OpenAI Responses API wire schema the
// runtime speaks, including the fields the ChatGPT-OAuth backend variant
// requires (store, include, prompt_cache_key). The Responses API is
// documented at https://platform.openai.com/docs/api-reference/responses.

// ResponsesRequest is the request body for POST /v1/responses.
type ResponsesRequest struct {
	Model             string           `json:"model"`
	Instructions      string           `json:"instructions,omitempty"`
	Input             []ResponseItem   `json:"input"`
	Tools             []ResponsesTool  `json:"tools,omitempty"`
	ToolChoice        string           `json:"tool_choice,omitempty"`
	ParallelToolCalls bool             `json:"parallel_tool_calls"`
	Stream            bool             `json:"stream"`
	Store             bool             `json:"store"`
	Include           []string         `json:"include,omitempty"`
	Reasoning         *ReasoningConfig `json:"reasoning,omitempty"`
	Text              *TextConfig      `json:"text,omitempty"`
	PromptCacheKey    string           `json:"prompt_cache_key,omitempty"`
}

// IncludeReasoningEncryptedContent asks the backend to return reasoning
// content that survives store=false.
const IncludeReasoningEncryptedContent = "reasoning.encrypted_content"

// ReasoningConfig is the reasoning passthrough block.
type ReasoningConfig struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// TextConfig is the text output configuration block.
type TextConfig struct {
	Verbosity string `json:"verbosity,omitempty"`
}

// ResponseItem is a tagged union over the input[] item kinds the runtime
// emits: role messages, function_call items, and function_call_output items.
// Exactly one Of* field is non-nil; MarshalJSON flattens to the wire shape.
type ResponseItem struct {
	OfMessage            *ResponseInputMessage       `json:"-"`
	OfFunctionCall       *ResponseFunctionCall       `json:"-"`
	OfFunctionCallOutput *ResponseFunctionCallOutput `json:"-"`
}

// ResponseInputMessage is a role message input item.
type ResponseInputMessage struct {
	Role    string                `json:"role"`
	Content []ResponseContentPart `json:"content"`
}

// ResponseContentPart is one content element of a role message. Type is
// "input_text" for user/system content and "output_text" for prior
// assistant content; "input_image" carries an inline data URL.
type ResponseContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ResponseFunctionCall is a prior model-issued function call replayed into
// the input list. Arguments is always a JSON-encoded string.
type ResponseFunctionCall struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseFunctionCallOutput carries a locally produced tool output.
// Output is always a plain JSON-encoded string, never a nested object;
// the backend rejects object-valued outputs with HTTP 400.
type ResponseFunctionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// Wire type tags for ResponseItem variants.
const (
	ResponseItemTypeFunctionCall       = "function_call"
	ResponseItemTypeFunctionCallOutput = "function_call_output"
)

// MarshalJSON flattens the union to the variant's wire shape.
func (r ResponseItem) MarshalJSON() ([]byte, error) {
	switch {
	case r.OfMessage != nil:
		return sonicMarshal(r.OfMessage)
	case r.OfFunctionCall != nil:
		fc := *r.OfFunctionCall
		fc.Type = ResponseItemTypeFunctionCall
		return sonicMarshal(fc)
	case r.OfFunctionCallOutput != nil:
		out := *r.OfFunctionCallOutput
		out.Type = ResponseItemTypeFunctionCallOutput
		return sonicMarshal(out)
	default:
		return []byte("null"), nil
	}
}

// ResponsesTool is a tool declaration for the Responses API. Function tools
// are flattened (name/parameters at the top level, unlike Chat Completions);
// the built-in web_search tool is declared by type alone.
type ResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

// Built-in Responses tools declared by type alone.
const (
	// ResponsesToolTypeWebSearch declares the hosted web_search tool.
	ResponsesToolTypeWebSearch = "web_search"
	// ResponsesToolTypeApplyPatch declares the freeform apply_patch tool.
	ResponsesToolTypeApplyPatch = "apply_patch"
)

// ResponseStreamEvent is the decoded form of one Responses SSE data payload.
// Type discriminates; the remaining fields are populated per event kind.
type ResponseStreamEvent struct {
	Type     string              `json:"type"`
	Delta    string              `json:"delta,omitempty"`
	Item     *ResponseOutputItem `json:"item,omitempty"`
	ItemID   string              `json:"item_id,omitempty"`
	Response *ResponseObject     `json:"response,omitempty"`
}

// ResponseOutputItem is the item payload of response.output_item.* events.
type ResponseOutputItem struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Status    string `json:"status,omitempty"`
}

// ResponseObject is the response body attached to lifecycle events such as
// response.created, response.completed and response.failed.
type ResponseObject struct {
	ID    string          `json:"id,omitempty"`
	Model string          `json:"model,omitempty"`
	Usage *ResponsesUsage `json:"usage,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`
}

// ResponsesUsage is the Responses-API token accounting shape. Field names
// differ from Chat Completions (input/output instead of prompt/completion).
type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Responses stream event types the handler reacts to.
const (
	EventResponseCreated              = "response.created"
	EventResponseCompleted            = "response.completed"
	EventResponseFailed               = "response.failed"
	EventOutputTextDelta              = "response.output_text.delta"
	EventMessageContentDelta          = "response.message_content.delta"
	EventReasoningSummaryTextDelta    = "response.reasoning_summary_text.delta"
	EventReasoningTextDelta           = "response.reasoning_text.delta"
	EventOutputItemAdded              = "response.output_item.added"
	EventOutputItemDone               = "response.output_item.done"
	EventFunctionCallArgumentsDelta   = "response.function_call_arguments.delta"
)

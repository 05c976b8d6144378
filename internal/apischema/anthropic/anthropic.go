// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic mirrors the subset of the Anthropic Messages API wire
// schema the runtime speaks, request and streaming sides both. Reference:
// https://docs.anthropic.com/en/api/messages.
package anthropic

import "github.com/llxprt/agentrt/internal/json"

// Version is the anthropic-version header value sent on every request.
const Version = "2023-06-01"

// OAuthBeta is the anthropic-beta header value required in OAuth mode.
const OAuthBeta = "oauth-2025-04-20"

// MessagesRequest is the request body for POST /v1/messages.
type MessagesRequest struct {
	Model     string         `json:"model"`
	System    string         `json:"system,omitempty"`
	Messages  []MessageParam `json:"messages"`
	Tools     []ToolParam    `json:"tools,omitempty"`
	MaxTokens int            `json:"max_tokens"`
	Stream    bool           `json:"stream"`
}

// MessageParam is one conversation message. Role is "user" or "assistant";
// tool results travel inside user messages.
type MessageParam struct {
	Role    string              `json:"role"`
	Content []ContentBlockParam `json:"content"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentBlockParam is a tagged union of message content blocks. Exactly one
// Of* field is non-nil; MarshalJSON flattens to the wire shape.
type ContentBlockParam struct {
	OfText       *TextBlockParam       `json:"-"`
	OfToolUse    *ToolUseBlockParam    `json:"-"`
	OfToolResult *ToolResultBlockParam `json:"-"`
	OfImage      *ImageBlockParam      `json:"-"`
}

// TextBlockParam is a plain text block.
type TextBlockParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolUseBlockParam is a model-issued tool invocation. Input is the parsed
// arguments object, not a string.
type ToolUseBlockParam struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResultBlockParam is a locally produced tool output.
type ToolResultBlockParam struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

// ImageBlockParam is an inline base64 image block.
type ImageBlockParam struct {
	Type   string           `json:"type"`
	Source ImageSourceParam `json:"source"`
}

// ImageSourceParam is the base64 source of an image block.
type ImageSourceParam struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Block type tags.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
	BlockTypeImage      = "image"
)

// MarshalJSON flattens the union to the variant's wire shape with its type
// tag populated.
func (c ContentBlockParam) MarshalJSON() ([]byte, error) {
	switch {
	case c.OfText != nil:
		b := *c.OfText
		b.Type = BlockTypeText
		return json.Marshal(b)
	case c.OfToolUse != nil:
		b := *c.OfToolUse
		b.Type = BlockTypeToolUse
		return json.Marshal(b)
	case c.OfToolResult != nil:
		b := *c.OfToolResult
		b.Type = BlockTypeToolResult
		return json.Marshal(b)
	case c.OfImage != nil:
		b := *c.OfImage
		b.Type = BlockTypeImage
		return json.Marshal(b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON dispatches on the type tag so round-trip tests can re-parse
// rendered requests.
func (c *ContentBlockParam) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag.Type {
	case BlockTypeToolUse:
		c.OfToolUse = &ToolUseBlockParam{}
		return json.Unmarshal(data, c.OfToolUse)
	case BlockTypeToolResult:
		c.OfToolResult = &ToolResultBlockParam{}
		return json.Unmarshal(data, c.OfToolResult)
	case BlockTypeImage:
		c.OfImage = &ImageBlockParam{}
		return json.Unmarshal(data, c.OfImage)
	default:
		c.OfText = &TextBlockParam{}
		return json.Unmarshal(data, c.OfText)
	}
}

// NewTextBlock returns a text content block.
func NewTextBlock(text string) ContentBlockParam {
	return ContentBlockParam{OfText: &TextBlockParam{Text: text}}
}

// NewToolUseBlock returns a tool_use content block.
func NewToolUseBlock(id, name string, input map[string]any) ContentBlockParam {
	return ContentBlockParam{OfToolUse: &ToolUseBlockParam{ID: id, Name: name, Input: input}}
}

// NewToolResultBlock returns a tool_result content block.
func NewToolResultBlock(toolUseID, content string) ContentBlockParam {
	return ContentBlockParam{OfToolResult: &ToolResultBlockParam{ToolUseID: toolUseID, Content: content}}
}

// NewImageBlock returns a base64 image content block.
func NewImageBlock(mediaType, data string) ContentBlockParam {
	return ContentBlockParam{OfImage: &ImageBlockParam{
		Source: ImageSourceParam{Type: "base64", MediaType: mediaType, Data: data},
	}}
}

// ToolParam declares a tool in the Anthropic schema shape.
type ToolParam struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Streaming event types.
const (
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta types inside content_block_delta events.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
)

// MessageStartEvent is the payload of a message_start event.
type MessageStartEvent struct {
	Type    string       `json:"type"`
	Message MessageStart `json:"message"`
}

// MessageStart is the partial message attached to message_start.
type MessageStart struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// ContentBlockStartEvent is the payload of a content_block_start event.
type ContentBlockStartEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	ContentBlock ContentBlockStart `json:"content_block"`
}

// ContentBlockStart describes the block being opened.
type ContentBlockStart struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

// ContentBlockDeltaEvent is the payload of a content_block_delta event.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta is the delta of a streamed content block.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// ContentBlockStopEvent is the payload of a content_block_stop event.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent is the payload of a message_delta event.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage Usage        `json:"usage"`
}

// MessageDelta carries the stop reason once known.
type MessageDelta struct {
	StopReason string `json:"stop_reason,omitempty"`
}

// Stop reasons.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// Usage is the Anthropic token accounting object.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrorEvent is the payload of an error event.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ModelList is the response of GET /v1/models.
type ModelList struct {
	Data []Model `json:"data"`
}

// Model is one entry of a model list response.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

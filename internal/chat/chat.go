// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package chat defines the canonical, provider-independent representation of
// a conversation: messages, content blocks, tool declarations, and the
// normalized stream-event alphabet emitted by the provider stream handlers.
//
// Every provider boundary (translator, stream handler) converts to or from
// these types; nothing outside this package carries provider-specific shapes.
package chat

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Role is the canonical message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one canonical conversation message.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a tagged union of the canonical content variants.
// Exactly one Of* field is non-nil.
type ContentBlock struct {
	OfText       *TextBlock        `json:"text,omitempty"`
	OfToolCall   *ToolCallBlock    `json:"tool_call,omitempty"`
	OfToolResult *ToolResultBlock  `json:"tool_result,omitempty"`
	OfImage      *InlineImageBlock `json:"image,omitempty"`
}

// TextBlock carries plain text.
type TextBlock struct {
	Text string `json:"text"`
}

// ToolCallBlock is a model-issued request to invoke a named tool.
// Arguments is always a JSON-encoded string, never a nested object.
type ToolCallBlock struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultBlock is the locally produced output for a prior tool call.
type ToolResultBlock struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// InlineImageBlock carries inline binary content, base64 encoded.
type InlineImageBlock struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// NewText returns a text content block.
func NewText(text string) ContentBlock {
	return ContentBlock{OfText: &TextBlock{Text: text}}
}

// NewToolCall returns a tool_call content block.
func NewToolCall(id, name, arguments string) ContentBlock {
	return ContentBlock{OfToolCall: &ToolCallBlock{ID: id, Name: name, Arguments: arguments}}
}

// NewToolResult returns a tool_result content block.
func NewToolResult(toolCallID, output string) ContentBlock {
	return ContentBlock{OfToolResult: &ToolResultBlock{ToolCallID: toolCallID, Output: output}}
}

// NewInlineImage returns an inline image content block.
func NewInlineImage(mimeType, base64Data string) ContentBlock {
	return ContentBlock{OfImage: &InlineImageBlock{MIMEType: mimeType, Data: base64Data}}
}

// UserText is a convenience constructor for a single-text user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{NewText(text)}}
}

// AssistantText is a convenience constructor for a single-text assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{NewText(text)}}
}

// toolNameRegexp is the permitted tool name alphabet.
var toolNameRegexp = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,63}$`)

// Tool declares a capability the model may invoke.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Strict      *bool          `json:"strict,omitempty"`
}

// ValidateToolName reports whether name is acceptable for declaration.
func ValidateToolName(name string) error {
	if !toolNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: tool name %q must match [A-Za-z0-9_.-]{1,63}", ErrInvalidTool, name)
	}
	return nil
}

// Validation errors surfaced at the API boundary.
var (
	ErrEmptyMessages    = errors.New("empty_messages")
	ErrInvalidMessages  = errors.New("malformed messages")
	ErrInvalidTool      = errors.New("invalid tool declaration")
	ErrTruncatedStream  = errors.New("truncated_stream")
	ErrDanglingToolCall = errors.New("tool_call without matching tool_result")
)

// ValidateMessages enforces the canonical-chat invariants: the list is
// non-empty, a system message is unique and first, and tool-role messages
// only carry tool_result blocks.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return ErrEmptyMessages
	}
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case RoleSystem:
			if i != 0 {
				return fmt.Errorf("%w: system message must be first", ErrInvalidMessages)
			}
		case RoleUser, RoleAssistant:
		case RoleTool:
			for _, b := range m.Content {
				if b.OfToolResult == nil && b.OfImage == nil {
					return fmt.Errorf("%w: tool message may only carry tool_result or image blocks", ErrInvalidMessages)
				}
			}
		default:
			return fmt.Errorf("%w: unknown role %q", ErrInvalidMessages, m.Role)
		}
	}
	return nil
}

// FunctionCall is one fully assembled tool invocation request.
// Arguments is a complete JSON document.
type FunctionCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage report, e.g. across tool cycles in one turn.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// StreamEvent is the normalized event alphabet shared by all provider stream
// handlers. Exactly one Of* field is non-nil.
type StreamEvent struct {
	OfContent      *ContentEvent      `json:"content,omitempty"`
	OfThought      *ThoughtEvent      `json:"thought,omitempty"`
	OfFunctionCall *FunctionCallEvent `json:"function_call,omitempty"`
	OfUsage        *UsageEvent        `json:"usage,omitempty"`
	OfError        *ErrorEvent        `json:"error,omitempty"`
	OfDone         *DoneEvent         `json:"done,omitempty"`
}

// ContentEvent is a fragment of assistant-visible text, in arrival order.
type ContentEvent struct {
	Text string `json:"text"`
}

// ThoughtEvent is a fragment of reasoning text. Whether it is surfaced to end
// users is a caller policy decision.
type ThoughtEvent struct {
	Text string `json:"text"`
}

// FunctionCallEvent carries one or more fully assembled tool calls. It is
// emitted only after every call's arguments are complete JSON.
type FunctionCallEvent struct {
	Calls []FunctionCall `json:"calls"`
}

// UsageEvent reports token usage. It always precedes the done event.
type UsageEvent struct {
	Usage Usage `json:"usage"`
}

// ErrorEvent reports a stream-level failure. The stream continues unless the
// turn loop decides otherwise.
type ErrorEvent struct {
	Reason     string         `json:"reason"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
}

// DoneEvent terminates the stream. It is always the final event, even after
// an error.
type DoneEvent struct {
	ResponseID   string `json:"response_id,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Content returns a content event.
func Content(text string) StreamEvent { return StreamEvent{OfContent: &ContentEvent{Text: text}} }

// Thought returns a thought event.
func Thought(text string) StreamEvent { return StreamEvent{OfThought: &ThoughtEvent{Text: text}} }

// FunctionCalls returns a function_call event.
func FunctionCalls(calls ...FunctionCall) StreamEvent {
	return StreamEvent{OfFunctionCall: &FunctionCallEvent{Calls: calls}}
}

// UsageOf returns a usage event.
func UsageOf(prompt, completion, total int) StreamEvent {
	return StreamEvent{OfUsage: &UsageEvent{Usage: Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}}}
}

// ErrorOf returns an error event.
func ErrorOf(reason string) StreamEvent {
	return StreamEvent{OfError: &ErrorEvent{Reason: reason}}
}

// Done returns a done event.
func Done(responseID, finishReason string) StreamEvent {
	return StreamEvent{OfDone: &DoneEvent{ResponseID: responseID, FinishReason: finishReason}}
}

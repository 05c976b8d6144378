// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"fmt"
	"net/http"

	"github.com/llxprt/agentrt/internal/apischema/openai"
	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/json"
)

// defaultOpenAIChatBase is the default Chat Completions base URL; BaseURL
// overrides it for OpenAI-compatible backends.
const defaultOpenAIChatBase = "https://api.openai.com"

// translateOpenAIChat renders the canonical chat for
// POST <base>/v1/chat/completions.
func translateOpenAIChat(msgs []chat.Message, tools []chat.Tool, auth Auth, opts Options) (*Request, error) {
	instructions, rest := systemText(msgs, opts)

	messages, err := chatMessages(instructions, rest)
	if err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:    opts.Model,
		Messages: messages,
		Stream:   opts.Stream,
	}
	if opts.Stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = &opts.MaxTokens
	}
	if opts.ParallelToolCalls {
		v := true
		req.ParallelToolCalls = &v
	}

	for _, t := range tools {
		if err := chat.ValidateToolName(t.Name); err != nil {
			return nil, err
		}
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  SanitizeSchema(t.Parameters, false),
				Strict:      t.Strict,
			},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat completion request: %w", err)
	}

	base := opts.BaseURL
	if base == "" {
		base = defaultOpenAIChatBase
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+auth.Token)
	headers.Set("Content-Type", contentTypeJSON)
	headers.Set("Accept", eventStreamContentType)
	if opts.UserAgent != "" {
		headers.Set("User-Agent", opts.UserAgent)
	}

	return &Request{
		Method:              http.MethodPost,
		URL:                 base + "/v1/chat/completions",
		Headers:             headers,
		Body:                body,
		ExpectedContentType: eventStreamContentType,
	}, nil
}

// chatMessages renders canonical messages into the Chat Completions
// messages array. Assistant tool calls become tool_calls entries with null
// content; tool results become one tool-role message each.
func chatMessages(system string, msgs []chat.Message) ([]openai.ChatMessage, error) {
	var out []openai.ChatMessage
	if system != "" {
		s := system
		out = append(out, openai.ChatMessage{Role: "system", Content: &s})
	}
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case chat.RoleUser:
			text := joinText(m.Content)
			out = append(out, openai.ChatMessage{Role: "user", Content: &text})
		case chat.RoleAssistant:
			msg := openai.ChatMessage{Role: "assistant"}
			if text := joinText(m.Content); text != "" {
				msg.Content = &text
			}
			for _, b := range m.Content {
				if b.OfToolCall != nil {
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   b.OfToolCall.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.OfToolCall.Name,
							Arguments: b.OfToolCall.Arguments,
						},
					})
				}
			}
			out = append(out, msg)
		case chat.RoleTool:
			for _, b := range m.Content {
				if b.OfToolResult != nil {
					output := b.OfToolResult.Output
					out = append(out, openai.ChatMessage{
						Role:       "tool",
						Content:    &output,
						ToolCallID: b.OfToolResult.ToolCallID,
					})
				}
			}
		default:
			return nil, fmt.Errorf("%w: role %q", chat.ErrInvalidMessages, m.Role)
		}
	}
	return out, nil
}

func joinText(blocks []chat.ContentBlock) string {
	var s string
	for _, b := range blocks {
		if b.OfText != nil {
			s += b.OfText.Text
		}
	}
	return s
}

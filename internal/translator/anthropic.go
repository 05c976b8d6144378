// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"fmt"
	"net/http"

	"github.com/llxprt/agentrt/internal/apischema/anthropic"
	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/json"
)

// anthropicMessagesURL is the Messages endpoint.
const anthropicMessagesURL = "https://api.anthropic.com/v1/messages"

// Compatibility-critical literals for OAuth mode. The backend validates the
// system prompt, and the primer teaches the model the llxprt tool parameter
// names. Do not edit.
const (
	// AnthropicOAuthSystemPrompt is the forced system string in OAuth mode.
	AnthropicOAuthSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

	// AnthropicPrimerUserMessage is the first-turn injected user message.
	AnthropicPrimerUserMessage = "Important context for using llxprt tools:\n\nTool Parameter Reference:\n- read_file uses parameter 'absolute_path' (not 'file_path')\n- write_file uses parameter 'file_path' (not 'path')\n- list_directory uses parameter 'path'\n- replace uses 'file_path', 'old_string', 'new_string'\n- search_file_content (grep) expects regex patterns, not literal text\n- todo_write requires 'todos' array with {id, content, status, priority}\n- All file paths must be absolute (starting with /)\n\n<LLXPRT_PROMPTS_HERE>"

	// AnthropicPrimerAssistantAck is the first-turn injected acknowledgement.
	AnthropicPrimerAssistantAck = "I understand the llxprt tool parameters and context. I'll use the correct parameter names for each tool. Ready to help with your tasks."

	// InterruptedToolResult is the synthetic tool_result content injected
	// for assistant tool_use blocks that never received a result.
	InterruptedToolResult = "Error: Tool execution was interrupted. Please retry."
)

// translateAnthropic renders the canonical chat for POST /v1/messages.
func translateAnthropic(msgs []chat.Message, tools []chat.Tool, auth Auth, opts Options) (*Request, error) {
	system, rest := systemText(msgs, opts)

	messages, err := anthropicMessages(rest)
	if err != nil {
		return nil, err
	}
	messages = repairDanglingToolUse(messages)

	oauth := auth.Type == AuthTypeOAuth
	if oauth {
		system = AnthropicOAuthSystemPrompt
		if opts.FirstTurn && !opts.DisablePrimer {
			primer := []anthropic.MessageParam{
				{Role: anthropic.RoleUser, Content: []anthropic.ContentBlockParam{anthropic.NewTextBlock(AnthropicPrimerUserMessage)}},
				{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlockParam{anthropic.NewTextBlock(AnthropicPrimerAssistantAck)}},
			}
			messages = append(primer, messages...)
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}

	req := anthropic.MessagesRequest{
		Model:     opts.Model,
		System:    system,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    opts.Stream,
	}
	for _, t := range tools {
		if err := chat.ValidateToolName(t.Name); err != nil {
			return nil, err
		}
		req.Tools = append(req.Tools, anthropic.ToolParam{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: SanitizeSchema(t.Parameters, false),
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal messages request: %w", err)
	}

	url := anthropicMessagesURL
	if opts.BaseURL != "" {
		url = opts.BaseURL
	}

	headers := http.Header{}
	headers.Set("Content-Type", contentTypeJSON)
	headers.Set("Accept", eventStreamContentType)
	headers.Set("anthropic-version", anthropic.Version)
	if oauth {
		headers.Set("Authorization", "Bearer "+auth.Token)
		headers.Set("anthropic-beta", anthropic.OAuthBeta)
	} else {
		headers.Set("x-api-key", auth.Token)
	}
	if opts.UserAgent != "" {
		headers.Set("User-Agent", opts.UserAgent)
	}

	return &Request{
		Method:              http.MethodPost,
		URL:                 url,
		Headers:             headers,
		Body:                body,
		ExpectedContentType: eventStreamContentType,
	}, nil
}

// anthropicMessages renders canonical messages into Anthropic message
// params. Tool results travel inside user-role messages; consecutive tool
// messages aggregate into a single user message to support parallel tool use.
func anthropicMessages(msgs []chat.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for i := 0; i < len(msgs); {
		m := &msgs[i]
		switch m.Role {
		case chat.RoleUser:
			var content []anthropic.ContentBlockParam
			for _, b := range m.Content {
				switch {
				case b.OfText != nil:
					content = append(content, anthropic.NewTextBlock(b.OfText.Text))
				case b.OfImage != nil:
					content = append(content, anthropic.NewImageBlock(b.OfImage.MIMEType, b.OfImage.Data))
				}
			}
			out = append(out, anthropic.MessageParam{Role: anthropic.RoleUser, Content: content})
			i++
		case chat.RoleAssistant:
			var content []anthropic.ContentBlockParam
			for _, b := range m.Content {
				switch {
				case b.OfText != nil:
					content = append(content, anthropic.NewTextBlock(b.OfText.Text))
				case b.OfToolCall != nil:
					var input map[string]any
					if b.OfToolCall.Arguments != "" {
						if err := json.Unmarshal([]byte(b.OfToolCall.Arguments), &input); err != nil {
							return nil, fmt.Errorf("failed to parse tool call arguments for %s: %w", b.OfToolCall.Name, err)
						}
					}
					if input == nil {
						input = map[string]any{}
					}
					content = append(content, anthropic.NewToolUseBlock(b.OfToolCall.ID, b.OfToolCall.Name, input))
				}
			}
			out = append(out, anthropic.MessageParam{Role: anthropic.RoleAssistant, Content: content})
			i++
		case chat.RoleTool:
			var content []anthropic.ContentBlockParam
			for i < len(msgs) && msgs[i].Role == chat.RoleTool {
				for _, b := range msgs[i].Content {
					if b.OfToolResult != nil {
						content = append(content, anthropic.NewToolResultBlock(b.OfToolResult.ToolCallID, b.OfToolResult.Output))
					}
				}
				i++
			}
			out = append(out, anthropic.MessageParam{Role: anthropic.RoleUser, Content: content})
		default:
			return nil, fmt.Errorf("%w: role %q", chat.ErrInvalidMessages, m.Role)
		}
	}
	return out, nil
}

// repairDanglingToolUse scans the rendered message list and injects a
// synthetic tool_result for any assistant tool_use that is never answered.
// The backend rejects conversations with unanswered tool_use blocks, which
// otherwise strands a thread after an interrupted turn.
func repairDanglingToolUse(msgs []anthropic.MessageParam) []anthropic.MessageParam {
	answered := map[string]bool{}
	for _, m := range msgs {
		for _, b := range m.Content {
			if b.OfToolResult != nil {
				answered[b.OfToolResult.ToolUseID] = true
			}
		}
	}

	var out []anthropic.MessageParam
	for _, m := range msgs {
		out = append(out, m)
		if m.Role != anthropic.RoleAssistant {
			continue
		}
		var repairs []anthropic.ContentBlockParam
		for _, b := range m.Content {
			if b.OfToolUse != nil && !answered[b.OfToolUse.ID] {
				repairs = append(repairs, anthropic.NewToolResultBlock(b.OfToolUse.ID, InterruptedToolResult))
			}
		}
		if len(repairs) > 0 {
			out = append(out, anthropic.MessageParam{Role: anthropic.RoleUser, Content: repairs})
		}
	}
	return out
}

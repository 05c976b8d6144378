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

// Default endpoints for the Responses API. The ChatGPT OAuth token is only
// valid against the chatgpt.com backend, not api.openai.com.
const (
	openAIResponsesURL = "https://api.openai.com/v1/responses"
	chatGPTBackendURL  = "https://chatgpt.com/backend-api/codex/responses"
)

// translateOpenAIResponses renders the canonical chat for POST /v1/responses.
func translateOpenAIResponses(msgs []chat.Message, tools []chat.Tool, auth Auth, opts Options) (*Request, error) {
	instructions, rest := systemText(msgs, opts)

	input, err := responsesInput(rest)
	if err != nil {
		return nil, err
	}

	oauthChatGPT := auth.Type == AuthTypeOAuth
	store := opts.StoreResponses == nil || *opts.StoreResponses
	if oauthChatGPT {
		store = false
	}

	req := openai.ResponsesRequest{
		Model:             opts.Model,
		Instructions:      instructions,
		Input:             input,
		ToolChoice:        "auto",
		ParallelToolCalls: opts.ParallelToolCalls,
		Stream:            opts.Stream,
		Store:             store,
		PromptCacheKey:    opts.PromptCacheKey,
	}

	if opts.ReasoningEffort != "" {
		req.Reasoning = &openai.ReasoningConfig{Effort: opts.ReasoningEffort}
		if !store {
			req.Include = []string{openai.IncludeReasoningEncryptedContent}
		}
	}

	for _, t := range tools {
		if err := chat.ValidateToolName(t.Name); err != nil {
			return nil, err
		}
		req.Tools = append(req.Tools, openai.ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  SanitizeSchema(t.Parameters, true),
			Strict:      t.Strict,
		})
	}
	if opts.WebSearchEnabled {
		req.Tools = append(req.Tools, openai.ResponsesTool{Type: openai.ResponsesToolTypeWebSearch})
	}
	switch opts.ApplyPatchToolMode {
	case ApplyPatchFreeform:
		req.Tools = append(req.Tools, openai.ResponsesTool{Type: openai.ResponsesToolTypeApplyPatch})
	case ApplyPatchFunction:
		req.Tools = append(req.Tools, openai.ResponsesTool{
			Type:        "function",
			Name:        "apply_patch",
			Description: "Use the `apply_patch` tool to edit files.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"input": map[string]any{
						"type":        "string",
						"description": "The entire contents of the apply_patch command",
					},
				},
				"required": []string{"input"},
			},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal responses request: %w", err)
	}

	url := openAIResponsesURL
	if oauthChatGPT {
		url = chatGPTBackendURL
	}
	if opts.BaseURL != "" {
		url = opts.BaseURL
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+auth.Token)
	headers.Set("Content-Type", contentTypeJSON)
	headers.Set("Accept", eventStreamContentType)
	headers.Set("OpenAI-Beta", "responses=experimental")
	if opts.SessionID != "" {
		headers.Set("session_id", opts.SessionID)
	}
	originator := opts.Originator
	if originator == "" {
		originator = DefaultOriginator
	}
	headers.Set("originator", originator)
	if opts.UserAgent != "" {
		headers.Set("User-Agent", opts.UserAgent)
	}
	if oauthChatGPT && auth.AccountID != "" {
		headers.Set("chatgpt-account-id", auth.AccountID)
	}

	return &Request{
		Method:              http.MethodPost,
		URL:                 url,
		Headers:             headers,
		Body:                body,
		ExpectedContentType: eventStreamContentType,
	}, nil
}

// responsesInput flattens canonical messages into the ordered input[] item
// list: role messages, function_call items, and function_call_output items.
func responsesInput(msgs []chat.Message) ([]openai.ResponseItem, error) {
	var items []openai.ResponseItem
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case chat.RoleUser, chat.RoleSystem:
			var parts []openai.ResponseContentPart
			for _, b := range m.Content {
				switch {
				case b.OfText != nil:
					parts = append(parts, openai.ResponseContentPart{Type: "input_text", Text: b.OfText.Text})
				case b.OfImage != nil:
					parts = append(parts, openai.ResponseContentPart{
						Type:     "input_image",
						ImageURL: "data:" + b.OfImage.MIMEType + ";base64," + b.OfImage.Data,
					})
				}
			}
			if len(parts) > 0 {
				items = append(items, openai.ResponseItem{OfMessage: &openai.ResponseInputMessage{
					Role:    string(m.Role),
					Content: parts,
				}})
			}
		case chat.RoleAssistant:
			var parts []openai.ResponseContentPart
			for _, b := range m.Content {
				if b.OfText != nil {
					parts = append(parts, openai.ResponseContentPart{Type: "output_text", Text: b.OfText.Text})
				}
			}
			if len(parts) > 0 {
				items = append(items, openai.ResponseItem{OfMessage: &openai.ResponseInputMessage{
					Role:    "assistant",
					Content: parts,
				}})
			}
			// function_call items follow the assistant text they accompanied.
			for _, b := range m.Content {
				if b.OfToolCall != nil {
					items = append(items, openai.ResponseItem{OfFunctionCall: &openai.ResponseFunctionCall{
						CallID:    b.OfToolCall.ID,
						Name:      b.OfToolCall.Name,
						Arguments: b.OfToolCall.Arguments,
					}})
				}
			}
		case chat.RoleTool:
			for _, b := range m.Content {
				if b.OfToolResult != nil {
					items = append(items, openai.ResponseItem{OfFunctionCallOutput: &openai.ResponseFunctionCallOutput{
						CallID: b.OfToolResult.ToolCallID,
						Output: b.OfToolResult.Output,
					}})
				}
			}
		default:
			return nil, fmt.Errorf("%w: role %q", chat.ErrInvalidMessages, m.Role)
		}
	}
	return items, nil
}

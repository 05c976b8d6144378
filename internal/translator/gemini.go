// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/llxprt/agentrt/internal/apischema/gcp"
	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/json"
)

// Gemini endpoints. API keys go to the public Generative Language API;
// OAuth tokens are only valid against the Cloud Code Assist internal API,
// which wraps the standard request in a routing envelope.
const (
	geminiAPIBase      = "https://generativelanguage.googleapis.com"
	codeAssistBase     = "https://cloudcode-pa.googleapis.com"
	codeAssistEndpoint = codeAssistBase + "/v1internal:streamGenerateContent?alt=sse"
)

// translateGemini renders the canonical chat for streamGenerateContent.
func translateGemini(msgs []chat.Message, tools []chat.Tool, auth Auth, opts Options) (*Request, error) {
	system, rest := systemText(msgs, opts)

	contents, err := geminiContents(rest)
	if err != nil {
		return nil, err
	}

	req := gcp.GenerateContentRequest{Contents: contents}
	if system != "" {
		req.SystemInstruction = &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if opts.MaxTokens > 0 {
		req.GenerationConfig = &gcp.GenerationConfig{MaxOutputTokens: opts.MaxTokens}
	}
	if len(tools) > 0 {
		decls := make([]gcp.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			if err := chat.ValidateToolName(t.Name); err != nil {
				return nil, err
			}
			decls = append(decls, gcp.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  SanitizeSchema(t.Parameters, false),
			})
		}
		req.Tools = []gcp.Tool{{FunctionDeclarations: decls}}
	}

	oauth := auth.Type == AuthTypeOAuth

	var body []byte
	if oauth {
		envelope := gcp.CodeAssistRequest{
			Model:        opts.Model,
			Project:      auth.Project,
			UserPromptID: opts.UserPromptID,
			Request:      req,
		}
		body, err = json.Marshal(envelope)
	} else {
		body, err = json.Marshal(req)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generate content request: %w", err)
	}

	var url string
	switch {
	case opts.BaseURL != "":
		url = opts.BaseURL
	case oauth:
		url = codeAssistEndpoint
	default:
		url = geminiAPIBase + "/v1beta/models/" + opts.Model + ":streamGenerateContent?alt=sse"
	}

	headers := http.Header{}
	headers.Set("Content-Type", contentTypeJSON)
	headers.Set("Accept", eventStreamContentType)
	if oauth {
		headers.Set("Authorization", "Bearer "+auth.Token)
	} else {
		headers.Set("x-goog-api-key", auth.Token)
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

// geminiContents renders canonical messages into genai contents. Gemini
// identifies function responses by name, not call ID, so tool results are
// resolved against the tool calls seen earlier in the conversation.
func geminiContents(msgs []chat.Message) ([]genai.Content, error) {
	callNames := map[string]string{}
	var out []genai.Content
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case chat.RoleUser:
			var parts []*genai.Part
			for _, b := range m.Content {
				switch {
				case b.OfText != nil:
					parts = append(parts, &genai.Part{Text: b.OfText.Text})
				case b.OfImage != nil:
					data, err := base64.StdEncoding.DecodeString(b.OfImage.Data)
					if err != nil {
						return nil, fmt.Errorf("failed to decode inline image: %w", err)
					}
					parts = append(parts, &genai.Part{InlineData: &genai.Blob{
						MIMEType: b.OfImage.MIMEType,
						Data:     data,
					}})
				}
			}
			out = append(out, genai.Content{Role: genai.RoleUser, Parts: parts})
		case chat.RoleAssistant:
			var parts []*genai.Part
			for _, b := range m.Content {
				switch {
				case b.OfText != nil:
					parts = append(parts, &genai.Part{Text: b.OfText.Text})
				case b.OfToolCall != nil:
					var args map[string]any
					if b.OfToolCall.Arguments != "" {
						if err := json.Unmarshal([]byte(b.OfToolCall.Arguments), &args); err != nil {
							return nil, fmt.Errorf("failed to parse tool call arguments for %s: %w", b.OfToolCall.Name, err)
						}
					}
					if args == nil {
						args = map[string]any{}
					}
					callNames[b.OfToolCall.ID] = b.OfToolCall.Name
					parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
						ID:   b.OfToolCall.ID,
						Name: b.OfToolCall.Name,
						Args: args,
					}})
				}
			}
			out = append(out, genai.Content{Role: genai.RoleModel, Parts: parts})
		case chat.RoleTool:
			var parts []*genai.Part
			for _, b := range m.Content {
				if b.OfToolResult == nil {
					continue
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       b.OfToolResult.ToolCallID,
					Name:     callNames[b.OfToolResult.ToolCallID],
					Response: map[string]any{"output": b.OfToolResult.Output},
				}})
			}
			out = append(out, genai.Content{Role: genai.RoleUser, Parts: parts})
		default:
			return nil, fmt.Errorf("%w: role %q", chat.ErrInvalidMessages, m.Role)
		}
	}
	return out, nil
}

// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/llxprt/agentrt/internal/apischema/gcp"
	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/json"
	"github.com/llxprt/agentrt/internal/sse"
)

// geminiHandler normalizes the Gemini streamGenerateContent SSE stream.
// There is no terminal sentinel; the stream simply ends, so the usage, the
// assembled function calls and the done event are all emitted from Finish.
// Code Assist frames wrap the standard frame under a "response" key; the
// handler probes for the wrapper per frame so both endpoints parse.
type geminiHandler struct {
	finishReason string
	usage        *gcp.UsageMetadata
	calls        []chat.FunctionCall
	// callSeq numbers synthesized call IDs for backends that omit them.
	callSeq  int
	doneSeen bool
}

func newGeminiHandler() *geminiHandler {
	return &geminiHandler{}
}

func (h *geminiHandler) HandleEvent(ev sse.Event) []chat.StreamEvent {
	data := ev.Data
	if wrapped := gjson.GetBytes(data, "response"); wrapped.Exists() && wrapped.IsObject() {
		data = []byte(wrapped.Raw)
	}

	var frame gcp.GenerateContentResponse
	if err := json.Unmarshal(data, &frame); err != nil {
		return []chat.StreamEvent{chat.ErrorOf(reasonMalformedEvent)}
	}

	var out []chat.StreamEvent
	for i := range frame.Candidates {
		cand := &frame.Candidates[i]
		if cand.Index != 0 {
			continue
		}
		if cand.FinishReason != "" {
			h.finishReason = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			switch {
			case part.FunctionCall != nil:
				args := "{}"
				if len(part.FunctionCall.Args) > 0 {
					b, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						out = append(out, chat.ErrorOf(reasonMalformedEvent))
						continue
					}
					args = string(b)
				}
				id := part.FunctionCall.ID
				if id == "" {
					h.callSeq++
					id = fmt.Sprintf("%s-%d", part.FunctionCall.Name, h.callSeq)
				}
				h.calls = append(h.calls, chat.FunctionCall{
					ID:        id,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			case part.Text != "":
				if part.Thought {
					out = append(out, chat.Thought(part.Text))
				} else {
					out = append(out, chat.Content(part.Text))
				}
			}
		}
	}

	if frame.UsageMetadata != nil {
		h.usage = frame.UsageMetadata
	}
	return out
}

func (h *geminiHandler) Finish() []chat.StreamEvent {
	if h.doneSeen || h.finishReason == "" {
		// Without a finish reason the stream was cut short; emitting no
		// done event lets the caller flag the truncation.
		return nil
	}
	h.doneSeen = true

	var out []chat.StreamEvent
	if len(h.calls) > 0 {
		out = append(out, chat.FunctionCalls(h.calls...))
	}
	if h.usage != nil {
		out = append(out, chat.UsageOf(h.usage.PromptTokenCount, h.usage.CandidatesTokenCount, h.usage.TotalTokenCount))
	}
	return append(out, chat.Done("", h.finishReason))
}

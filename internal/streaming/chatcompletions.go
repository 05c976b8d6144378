// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"sort"

	"github.com/llxprt/agentrt/internal/apischema/openai"
	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/json"
	"github.com/llxprt/agentrt/internal/sse"
)

// doneSentinel is the Chat Completions end-of-stream marker.
const doneSentinel = "[DONE]"

// chatCompletionsHandler normalizes the Chat Completions chunk stream.
// With stream_options.include_usage the usage chunk arrives after the chunk
// carrying finish_reason, so the done event is held until the [DONE] sentinel
// to keep usage ahead of done.
type chatCompletionsHandler struct {
	responseID   string
	finishReason string

	// calls indexes tool calls under assembly by choice delta index.
	calls map[int]*pendingCall

	flushedCalls bool
	doneSeen     bool
}

func newChatCompletionsHandler() *chatCompletionsHandler {
	return &chatCompletionsHandler{calls: map[int]*pendingCall{}}
}

func (h *chatCompletionsHandler) HandleEvent(ev sse.Event) []chat.StreamEvent {
	if string(ev.Data) == doneSentinel {
		return h.terminate()
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return []chat.StreamEvent{chat.ErrorOf(reasonMalformedEvent)}
	}
	if chunk.ID != "" {
		h.responseID = chunk.ID
	}

	var out []chat.StreamEvent
	for i := range chunk.Choices {
		choice := &chunk.Choices[i]
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			out = append(out, chat.Content(*choice.Delta.Content))
		}
		for _, tc := range choice.Delta.ToolCalls {
			c, ok := h.calls[tc.Index]
			if !ok {
				c = &pendingCall{}
				h.calls[tc.Index] = c
			}
			// ID and name appear on the first fragment only; arguments
			// accumulate across fragments.
			if c.id == "" {
				c.id = tc.ID
			}
			if c.name == "" {
				c.name = tc.Function.Name
			}
			c.arguments += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			h.finishReason = choice.FinishReason
			if choice.FinishReason == openai.FinishReasonToolCalls {
				out = append(out, h.flushCalls()...)
			}
		}
	}

	if chunk.Usage != nil {
		out = append(out, chat.UsageOf(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, chunk.Usage.TotalTokens))
	}
	return out
}

// flushCalls emits the assembled tool calls once, ordered by delta index.
func (h *chatCompletionsHandler) flushCalls() []chat.StreamEvent {
	if h.flushedCalls || len(h.calls) == 0 {
		return nil
	}
	h.flushedCalls = true

	indexes := make([]int, 0, len(h.calls))
	for i := range h.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]chat.FunctionCall, 0, len(indexes))
	for _, i := range indexes {
		calls = append(calls, h.calls[i].toCall())
	}
	return []chat.StreamEvent{chat.FunctionCalls(calls...)}
}

func (h *chatCompletionsHandler) terminate() []chat.StreamEvent {
	if h.doneSeen {
		return nil
	}
	h.doneSeen = true

	out := h.flushCalls()
	reason := h.finishReason
	if reason == "" {
		reason = openai.FinishReasonStop
	}
	return append(out, chat.Done(h.responseID, reason))
}

func (h *chatCompletionsHandler) Finish() []chat.StreamEvent {
	// Some OpenAI-compatible backends close the stream without sending the
	// [DONE] sentinel; a seen finish_reason still counts as a clean end.
	if !h.doneSeen && h.finishReason != "" {
		return h.terminate()
	}
	return nil
}

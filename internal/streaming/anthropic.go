// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"github.com/llxprt/agentrt/internal/apischema/anthropic"
	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/json"
	"github.com/llxprt/agentrt/internal/sse"
)

// anthropicHandler normalizes the Anthropic Messages event stream. Tool-use
// input arrives as partial_json fragments per block index and is assembled
// until the block's content_block_stop.
type anthropicHandler struct {
	responseID string
	stopReason string
	usage      chat.Usage

	// active indexes tool-use blocks under assembly by block index.
	active map[int]*pendingCall
	// completed holds assembled calls in block order.
	completed []chat.FunctionCall

	doneSeen bool
}

func newAnthropicHandler() *anthropicHandler {
	return &anthropicHandler{active: map[int]*pendingCall{}}
}

func (h *anthropicHandler) HandleEvent(ev sse.Event) []chat.StreamEvent {
	// The event type is duplicated in the JSON "type" field; trust the body.
	typ := ev.Type
	if t := jsonType(ev.Data); t != "" {
		typ = t
	}

	switch typ {
	case anthropic.EventPing:
		return nil

	case anthropic.EventMessageStart:
		var e anthropic.MessageStartEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return []chat.StreamEvent{chat.ErrorOf(reasonMalformedEvent)}
		}
		h.responseID = e.Message.ID
		h.usage.PromptTokens = e.Message.Usage.InputTokens
		return nil

	case anthropic.EventContentBlockStart:
		var e anthropic.ContentBlockStartEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return []chat.StreamEvent{chat.ErrorOf(reasonMalformedEvent)}
		}
		if e.ContentBlock.Type == anthropic.BlockTypeToolUse {
			h.active[e.Index] = &pendingCall{id: e.ContentBlock.ID, name: e.ContentBlock.Name}
		}
		return nil

	case anthropic.EventContentBlockDelta:
		var e anthropic.ContentBlockDeltaEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return []chat.StreamEvent{chat.ErrorOf(reasonMalformedEvent)}
		}
		switch e.Delta.Type {
		case anthropic.DeltaTypeText:
			if e.Delta.Text == "" {
				return nil
			}
			return []chat.StreamEvent{chat.Content(e.Delta.Text)}
		case anthropic.DeltaTypeThinking:
			if e.Delta.Thinking == "" {
				return nil
			}
			return []chat.StreamEvent{chat.Thought(e.Delta.Thinking)}
		case anthropic.DeltaTypeInputJSON:
			if c, ok := h.active[e.Index]; ok {
				c.arguments += e.Delta.PartialJSON
			}
			return nil
		default:
			return nil
		}

	case anthropic.EventContentBlockStop:
		var e anthropic.ContentBlockStopEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return []chat.StreamEvent{chat.ErrorOf(reasonMalformedEvent)}
		}
		if c, ok := h.active[e.Index]; ok {
			delete(h.active, e.Index)
			h.completed = append(h.completed, c.toCall())
		}
		return nil

	case anthropic.EventMessageDelta:
		var e anthropic.MessageDeltaEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return []chat.StreamEvent{chat.ErrorOf(reasonMalformedEvent)}
		}
		if e.Delta.StopReason != "" {
			h.stopReason = e.Delta.StopReason
		}
		if e.Usage.OutputTokens > 0 {
			h.usage.CompletionTokens = e.Usage.OutputTokens
		}
		return nil

	case anthropic.EventMessageStop:
		return h.terminate()

	case anthropic.EventError:
		var e anthropic.ErrorEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return []chat.StreamEvent{chat.ErrorOf(reasonMalformedEvent)}
		}
		reason := e.Error.Type
		if reason == "" {
			reason = "stream_error"
		}
		return []chat.StreamEvent{chat.ErrorOf(reason)}

	default:
		return nil
	}
}

func (h *anthropicHandler) terminate() []chat.StreamEvent {
	if h.doneSeen {
		return nil
	}
	h.doneSeen = true

	var out []chat.StreamEvent
	if len(h.completed) > 0 {
		out = append(out, chat.FunctionCalls(h.completed...))
	}
	h.usage.TotalTokens = h.usage.PromptTokens + h.usage.CompletionTokens
	out = append(out, chat.UsageOf(h.usage.PromptTokens, h.usage.CompletionTokens, h.usage.TotalTokens))

	reason := h.stopReason
	if reason == "" {
		reason = anthropic.StopReasonEndTurn
	}
	return append(out, chat.Done(h.responseID, reason))
}

func (h *anthropicHandler) Finish() []chat.StreamEvent {
	// A message_delta with a stop reason but no message_stop still counts
	// as a clean end.
	if !h.doneSeen && h.stopReason != "" {
		return h.terminate()
	}
	return nil
}

// jsonType extracts the "type" discriminator without decoding the full event.
func jsonType(data []byte) string {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return ""
	}
	return tag.Type
}

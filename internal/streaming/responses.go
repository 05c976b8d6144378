// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/llxprt/agentrt/internal/apischema/openai"
	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/json"
	"github.com/llxprt/agentrt/internal/sse"
)

// responsesHandler normalizes the OpenAI Responses event stream. The event
// type rides in the SSE event field and is repeated in the JSON "type" field;
// the JSON field wins because some proxies drop the SSE field.
type responsesHandler struct {
	responseID string

	// calls indexes tool calls under assembly by item_id, in arrival order.
	calls     map[string]*pendingCall
	callOrder []string
	// closed marks item ids already emitted at their output_item.done.
	closed   map[string]bool
	sawCalls bool

	// textBuf holds output text while the wrapped-JSON probe is undecided.
	// Some ChatGPT-backend models emit the whole message as one JSON object
	// with "reasoning" and "answer" fields instead of plain text.
	textBuf   strings.Builder
	buffering bool
	decided   bool

	doneSeen bool
}

func newResponsesHandler() *responsesHandler {
	return &responsesHandler{calls: map[string]*pendingCall{}, closed: map[string]bool{}}
}

func (h *responsesHandler) HandleEvent(ev sse.Event) []chat.StreamEvent {
	var e openai.ResponseStreamEvent
	if err := json.Unmarshal(ev.Data, &e); err != nil {
		return []chat.StreamEvent{chat.ErrorOf(reasonMalformedEvent)}
	}
	typ := e.Type
	if typ == "" {
		typ = ev.Type
	}

	switch typ {
	case openai.EventResponseCreated:
		if e.Response != nil {
			h.responseID = e.Response.ID
		}
		return nil

	case openai.EventOutputTextDelta, openai.EventMessageContentDelta:
		return h.handleText(e.Delta)

	case openai.EventReasoningSummaryTextDelta, openai.EventReasoningTextDelta:
		if e.Delta == "" {
			return nil
		}
		return []chat.StreamEvent{chat.Thought(e.Delta)}

	case openai.EventOutputItemAdded:
		if e.Item != nil && e.Item.Type == "function_call" {
			id := e.Item.ID
			h.calls[id] = &pendingCall{id: e.Item.CallID, name: e.Item.Name, arguments: e.Item.Arguments}
			h.callOrder = append(h.callOrder, id)
		}
		return nil

	case openai.EventFunctionCallArgumentsDelta:
		if c, ok := h.calls[e.ItemID]; ok {
			c.arguments += e.Delta
		}
		return nil

	case openai.EventOutputItemDone:
		// The done item carries the authoritative final arguments and
		// closes the entry, so the call survives a later truncation.
		if e.Item != nil && e.Item.Type == "function_call" {
			c, ok := h.calls[e.Item.ID]
			if !ok || h.closed[e.Item.ID] {
				return nil
			}
			if e.Item.Arguments != "" {
				c.arguments = e.Item.Arguments
			}
			h.closed[e.Item.ID] = true
			h.sawCalls = true
			return []chat.StreamEvent{chat.FunctionCalls(c.toCall())}
		}
		return nil

	case openai.EventResponseCompleted:
		return h.complete(e.Response, "")

	case openai.EventResponseFailed:
		reason := "response_failed"
		if e.Response != nil && e.Response.Error != nil && e.Response.Error.Message != "" {
			reason = e.Response.Error.Message
		}
		out := []chat.StreamEvent{chat.ErrorOf(reason)}
		return append(out, h.complete(e.Response, "error")...)

	default:
		return nil
	}
}

// handleText routes an output text delta through the wrapped-JSON probe.
func (h *responsesHandler) handleText(delta string) []chat.StreamEvent {
	if delta == "" {
		return nil
	}
	if h.decided {
		if h.buffering {
			h.textBuf.WriteString(delta)
			return nil
		}
		return []chat.StreamEvent{chat.Content(delta)}
	}
	h.textBuf.WriteString(delta)
	s := h.textBuf.String()
	if !strings.HasPrefix(strings.TrimSpace(s), "{") {
		// Plain text. Flush the buffer and stream directly from here on.
		h.decided = true
		h.textBuf.Reset()
		return []chat.StreamEvent{chat.Content(s)}
	}
	if len(s) > 64 && !strings.Contains(s, `"reasoning"`) {
		h.decided = true
		h.textBuf.Reset()
		return []chat.StreamEvent{chat.Content(s)}
	}
	if strings.Contains(s, `"reasoning"`) {
		h.decided = true
		h.buffering = true
	}
	return nil
}

// flushText resolves whatever the probe buffered. A complete reasoning
// wrapper unpacks into a thinking preamble plus the answer; anything else
// passes through verbatim.
func (h *responsesHandler) flushText() []chat.StreamEvent {
	s := h.textBuf.String()
	h.textBuf.Reset()
	h.buffering = false
	if s == "" {
		return nil
	}
	if parsed := gjson.Parse(s); parsed.IsObject() {
		reasoning := parsed.Get("reasoning").String()
		answer := parsed.Get("answer").String()
		if answer == "" {
			answer = parsed.Get("response").String()
		}
		if reasoning != "" && answer != "" {
			return []chat.StreamEvent{
				chat.Content("Thinking: " + reasoning + "\n\n"),
				chat.Content(answer),
			}
		}
	}
	return []chat.StreamEvent{chat.Content(s)}
}

func (h *responsesHandler) complete(resp *openai.ResponseObject, finishReason string) []chat.StreamEvent {
	if h.doneSeen {
		return nil
	}
	h.doneSeen = true

	out := h.flushText()

	// Items whose output_item.done never arrived are flushed here.
	var calls []chat.FunctionCall
	for _, itemID := range h.callOrder {
		if h.closed[itemID] {
			continue
		}
		calls = append(calls, h.calls[itemID].toCall())
	}
	if len(calls) > 0 {
		out = append(out, chat.FunctionCalls(calls...))
		h.sawCalls = true
	}
	if finishReason == "" {
		if h.sawCalls {
			finishReason = "tool_calls"
		} else {
			finishReason = "stop"
		}
	}

	if resp != nil {
		if resp.ID != "" {
			h.responseID = resp.ID
		}
		if resp.Usage != nil {
			out = append(out, chat.UsageOf(resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens))
		}
	}
	return append(out, chat.Done(h.responseID, finishReason))
}

func (h *responsesHandler) Finish() []chat.StreamEvent {
	if h.doneSeen {
		return nil
	}
	// No terminal event arrived; surface buffered text so nothing is lost,
	// but emit no done event. The caller treats the stream as truncated.
	return h.flushText()
}

// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package streaming normalizes provider SSE streams into the canonical
// stream-event alphabet. One Handler instance serves one response stream.
//
// Handlers uphold two ordering invariants the turn loop depends on: a usage
// event always precedes the done event, and a function_call event is only
// emitted once every call's arguments are complete JSON. A malformed frame
// produces an error event and the stream continues.
package streaming

import (
	"fmt"

	"github.com/llxprt/agentrt/internal/chat"
	"github.com/llxprt/agentrt/internal/sse"
	"github.com/llxprt/agentrt/internal/translator"
)

// reasonMalformedEvent is the error-event reason for an unparsable frame.
const reasonMalformedEvent = "malformed_event"

// Handler consumes framed SSE events and emits normalized stream events.
// Implementations are not safe for concurrent use.
type Handler interface {
	// HandleEvent processes one framed event. The returned slice may be
	// empty when the event only updates internal assembly state.
	HandleEvent(ev sse.Event) []chat.StreamEvent
	// Finish flushes state after the transport stream ends. A stream that
	// ends without a done event having been emitted is truncated; the
	// caller decides how to surface that.
	Finish() []chat.StreamEvent
}

// New returns the stream handler for p.
func New(p translator.Provider) (Handler, error) {
	switch p {
	case translator.ProviderOpenAIResponses:
		return newResponsesHandler(), nil
	case translator.ProviderOpenAIChat:
		return newChatCompletionsHandler(), nil
	case translator.ProviderAnthropic:
		return newAnthropicHandler(), nil
	case translator.ProviderGemini:
		return newGeminiHandler(), nil
	default:
		return nil, fmt.Errorf("%w: %q", translator.ErrUnsupportedProvider, p)
	}
}

// pendingCall is a tool call under assembly.
type pendingCall struct {
	id        string
	name      string
	arguments string
}

func (c *pendingCall) toCall() chat.FunctionCall {
	args := c.arguments
	if args == "" {
		args = "{}"
	}
	return chat.FunctionCall{ID: c.id, Name: c.name, Arguments: args}
}

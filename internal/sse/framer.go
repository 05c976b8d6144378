// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package sse splits a byte stream into Server-Sent-Event frames. The framer
// is incremental and restartable: Push may be called with arbitrary chunk
// boundaries and the concatenation of the returned events is independent of
// where the chunks were split.
package sse

import (
	"bytes"
	"strings"
)

// Event is one framed SSE event.
type Event struct {
	// Type is the value of the event: field, or "message" when absent.
	Type string
	// Data is the joined data payload. Multiple data: lines are joined
	// with a single newline.
	Data []byte
}

// DefaultEventType is used when a frame carries no event: field.
const DefaultEventType = "message"

// Framer accumulates bytes and emits complete events. The zero value is
// ready to use. Not safe for concurrent use.
type Framer struct {
	buf bytes.Buffer

	eventType string
	dataLines []string
	hasData   bool
}

var (
	eventPrefix = []byte("event:")
	dataPrefix  = []byte("data:")
)

// Push appends a chunk and returns all events completed by it. A partial
// trailing line stays buffered for the next Push.
func (f *Framer) Push(chunk []byte) []Event {
	f.buf.Write(chunk)

	var events []Event
	for {
		raw := f.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := raw[:idx]
		f.buf.Next(idx + 1)
		if ev, ok := f.consumeLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush terminates the stream: any buffered partial line and any pending
// fields are emitted as a final event. The framer is reset afterwards.
func (f *Framer) Flush() []Event {
	var events []Event
	if f.buf.Len() > 0 {
		line := f.buf.Bytes()
		f.buf.Reset()
		if ev, ok := f.consumeLine(line); ok {
			events = append(events, ev)
		}
	}
	if ev, ok := f.finishEvent(); ok {
		events = append(events, ev)
	}
	return events
}

// consumeLine feeds one complete line into the current frame. It returns a
// completed event when the line is a frame separator.
func (f *Framer) consumeLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))

	switch {
	case len(bytes.TrimSpace(line)) == 0:
		// Blank line: frame boundary. Blank lines between frames (no
		// fields pending) are ignored.
		return f.finishEvent()
	case bytes.HasPrefix(line, eventPrefix):
		f.eventType = string(bytes.TrimSpace(line[len(eventPrefix):]))
		return Event{}, false
	case bytes.HasPrefix(line, dataPrefix):
		f.dataLines = append(f.dataLines, string(trimLeadingSpace(line[len(dataPrefix):])))
		f.hasData = true
		return Event{}, false
	case line[0] == '{' || line[0] == '[':
		// Lenient fallback: some backends emit bare JSON lines without a
		// data: prefix.
		f.dataLines = append(f.dataLines, string(line))
		f.hasData = true
		return Event{}, false
	default:
		// Comment lines (":") and unknown fields are ignored.
		return Event{}, false
	}
}

func (f *Framer) finishEvent() (Event, bool) {
	if !f.hasData && f.eventType == "" {
		return Event{}, false
	}
	ev := Event{
		Type: f.eventType,
		Data: []byte(strings.Join(f.dataLines, "\n")),
	}
	if ev.Type == "" {
		ev.Type = DefaultEventType
	}
	f.eventType = ""
	f.dataLines = nil
	f.hasData = false
	return ev, true
}

func trimLeadingSpace(b []byte) []byte {
	if len(b) > 0 && b[0] == ' ' {
		return b[1:]
	}
	return b
}

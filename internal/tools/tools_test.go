// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/llxprt/agentrt/internal/chat"
)

func echoTool() (chat.Tool, Executor) {
	tool := chat.Tool{
		Name: "echo",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string"},
				"count": map[string]any{"type": "integer"},
			},
			"required": []any{"text"},
		},
	}
	exec := ExecutorFunc(func(_ context.Context, args map[string]any) (*Result, error) {
		text, _ := args["text"].(string)
		return &Result{Output: text, Duration: 250 * time.Millisecond}, nil
	})
	return tool, exec
}

func TestDispatcher_Register(t *testing.T) {
	d := NewDispatcher(nil)
	tool, exec := echoTool()
	require.NoError(t, d.Register(tool, exec))

	t.Run("duplicate", func(t *testing.T) {
		require.ErrorIs(t, d.Register(tool, exec), ErrDuplicateTool)
	})
	t.Run("bad name", func(t *testing.T) {
		require.ErrorIs(t, d.Register(chat.Tool{Name: "has space"}, exec), chat.ErrInvalidTool)
	})
	t.Run("nil executor", func(t *testing.T) {
		require.ErrorIs(t, d.Register(chat.Tool{Name: "ok"}, nil), chat.ErrInvalidTool)
	})
}

func TestDispatcher_DeclarationsSorted(t *testing.T) {
	d := NewDispatcher(nil)
	exec := ExecutorFunc(func(context.Context, map[string]any) (*Result, error) { return &Result{}, nil })
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, d.Register(chat.Tool{Name: name}, exec))
	}
	decls := d.Declarations()
	require.Equal(t, []string{"alpha", "mid", "zeta"}, []string{decls[0].Name, decls[1].Name, decls[2].Name})
}

func TestDispatch_Success(t *testing.T) {
	d := NewDispatcher(nil)
	tool, exec := echoTool()
	require.NoError(t, d.Register(tool, exec))

	out, bin, err := d.Dispatch(context.Background(), chat.FunctionCall{
		ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`,
	})
	require.NoError(t, err)
	require.Nil(t, bin)

	parsed := gjson.Parse(out)
	require.Equal(t, "hi", parsed.Get("output").String())
	require.Equal(t, int64(0), parsed.Get("metadata.exit_code").Int())
	require.InDelta(t, 0.25, parsed.Get("metadata.duration_seconds").Float(), 0.001)
}

func TestDispatch_UnknownToolIsRecoverable(t *testing.T) {
	d := NewDispatcher(nil)
	out, _, err := d.Dispatch(context.Background(), chat.FunctionCall{Name: "missing", Arguments: "{}"})
	require.NoError(t, err)

	parsed := gjson.Parse(out)
	require.False(t, parsed.Get("success").Bool())
	require.Contains(t, parsed.Get("output").String(), "unknown tool")
}

func TestDispatch_InvalidArguments(t *testing.T) {
	d := NewDispatcher(nil)
	tool, exec := echoTool()
	require.NoError(t, d.Register(tool, exec))

	tests := []struct {
		name string
		args string
	}{
		{"not json", "{nope"},
		{"missing required", `{}`},
		{"wrong type", `{"text":42}`},
		{"fractional integer", `{"text":"x","count":1.5}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, _, err := d.Dispatch(context.Background(), chat.FunctionCall{Name: "echo", Arguments: tc.args})
			require.NoError(t, err)
			parsed := gjson.Parse(out)
			require.False(t, parsed.Get("success").Bool())
			require.Contains(t, parsed.Get("output").String(), "tool_arguments_invalid")
		})
	}
}

func TestDispatch_ExecutorErrorIsRecoverable(t *testing.T) {
	d := NewDispatcher(nil)
	exec := ExecutorFunc(func(context.Context, map[string]any) (*Result, error) {
		return nil, errors.New("disk on fire")
	})
	require.NoError(t, d.Register(chat.Tool{Name: "burn"}, exec))

	out, _, err := d.Dispatch(context.Background(), chat.FunctionCall{Name: "burn", Arguments: "{}"})
	require.NoError(t, err)
	parsed := gjson.Parse(out)
	require.False(t, parsed.Get("success").Bool())
	require.Contains(t, parsed.Get("output").String(), "disk on fire")
}

func TestDispatch_Cancellation(t *testing.T) {
	d := NewDispatcher(nil)
	exec := ExecutorFunc(func(ctx context.Context, _ map[string]any) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, d.Register(chat.Tool{Name: "hang"}, exec))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := d.Dispatch(ctx, chat.FunctionCall{Name: "hang", Arguments: "{}"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDispatch_BinaryOutput(t *testing.T) {
	d := NewDispatcher(nil)
	exec := ExecutorFunc(func(context.Context, map[string]any) (*Result, error) {
		return &Result{Output: "captured", Binary: &BinaryOutput{MIMEType: "image/png", Data: []byte{1, 2}}}, nil
	})
	require.NoError(t, d.Register(chat.Tool{Name: "shot"}, exec))

	_, bin, err := d.Dispatch(context.Background(), chat.FunctionCall{Name: "shot", Arguments: "{}"})
	require.NoError(t, err)
	require.NotNil(t, bin)
	require.Equal(t, "image/png", bin.MIMEType)
}

func TestValidateArguments(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"s":    map[string]any{"type": "string"},
			"n":    map[string]any{"type": "number"},
			"i":    map[string]any{"type": "integer"},
			"b":    map[string]any{"type": "boolean"},
			"arr":  map[string]any{"type": "array"},
			"obj":  map[string]any{"type": "object"},
			"free": map[string]any{},
		},
		"required": []any{"s"},
	}

	t.Run("all valid", func(t *testing.T) {
		require.NoError(t, ValidateArguments(schema, map[string]any{
			"s": "x", "n": 1.5, "i": float64(3), "b": true,
			"arr": []any{}, "obj": map[string]any{}, "free": 99,
		}))
	})
	t.Run("nil schema passes", func(t *testing.T) {
		require.NoError(t, ValidateArguments(nil, map[string]any{"anything": 1}))
	})
	t.Run("extra properties pass", func(t *testing.T) {
		require.NoError(t, ValidateArguments(schema, map[string]any{"s": "x", "unknown": 1}))
	})
	t.Run("missing required", func(t *testing.T) {
		require.Error(t, ValidateArguments(schema, map[string]any{"n": 1.0}))
	})
	t.Run("type mismatch", func(t *testing.T) {
		require.Error(t, ValidateArguments(schema, map[string]any{"s": "x", "b": "yes"}))
	})
}

func TestTruncate_Short(t *testing.T) {
	require.Equal(t, "hello", Truncate("hello"))
}

func TestTruncate_LineLimit(t *testing.T) {
	var b strings.Builder
	total := 1000
	for i := 0; i < total; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	out := Truncate(b.String())

	// Splitting on \n yields a trailing empty element, so N is total+1.
	omitted := total + 1 - truncateHeadLines - truncateTailLines
	require.Contains(t, out, fmt.Sprintf("[... omitted %d of %d lines ...]", omitted, total+1))
	require.True(t, strings.HasPrefix(out, "line 0\n"))
	require.Contains(t, out, fmt.Sprintf("line %d", total-1))
	require.NotContains(t, out, "line 500\n")
}

func TestTruncate_ByteLimit(t *testing.T) {
	out := Truncate(strings.Repeat("x", 100000))
	require.LessOrEqual(t, len(out), truncateMaxBytes)
	require.Contains(t, out, "output truncated")
}

// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { require.NoError(t, provider.Shutdown(context.Background())) })

	m, err := New(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func TestRecordTokenUsage(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordTokenUsage(context.Background(), "anthropic", "claude", 100, 25)

	data := collect(t, reader)
	usage, ok := data["gen_ai.client.token.usage"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	// One data point per token type.
	require.Len(t, usage.DataPoints, 2)

	var total int64
	for _, dp := range usage.DataPoints {
		total += dp.Sum
	}
	require.Equal(t, int64(125), total)
}

func TestRecordTurnAndRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordTurn(ctx, "gemini", "gemini-2.5-pro", 1500*time.Millisecond, "")
	m.RecordTurn(ctx, "gemini", "gemini-2.5-pro", time.Second, "truncated_stream")
	m.RecordRequest(ctx, "gemini", "gemini-2.5-pro")

	data := collect(t, reader)
	dur, ok := data["gen_ai.client.operation.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	// Error turns carry an error.type attribute, producing a second series.
	require.Len(t, dur.DataPoints, 2)

	reqs, ok := data["agentrt.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Equal(t, int64(1), reqs.DataPoints[0].Value)
}

func TestRecordToolExecution(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordToolExecution(ctx, "run_shell_command", 80*time.Millisecond, true)
	m.RecordToolExecution(ctx, "run_shell_command", 10*time.Millisecond, false)

	data := collect(t, reader)
	count, ok := data["agentrt.tool.executions"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, count.DataPoints, 2)
}

func TestNoopDoesNotPanic(t *testing.T) {
	m := NewNoop()
	ctx := context.Background()
	m.RecordTokenUsage(ctx, "p", "m", 1, 1)
	m.RecordTurn(ctx, "p", "m", time.Second, "")
	m.RecordFirstToken(ctx, "p", "m", time.Millisecond)
	m.RecordRequest(ctx, "p", "m")
	m.RecordToolExecution(ctx, "t", time.Millisecond, true)
}

// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics records client-side turn telemetry following the
// OpenTelemetry GenAI semantic conventions:
// https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Attribute keys. The genai.* keys come from the semantic conventions; the
// agentrt.* keys are runtime-specific.
const (
	attrOperationName = "gen_ai.operation.name"
	attrProviderName  = "gen_ai.provider.name"
	attrRequestModel  = "gen_ai.request.model"
	attrTokenType     = "gen_ai.token.type"
	attrErrorType     = "error.type"
	attrToolName      = "agentrt.tool.name"
	attrToolOutcome   = "agentrt.tool.outcome"

	operationChat = "chat"

	tokenTypeInput  = "input"
	tokenTypeOutput = "output"
)

// Metrics instruments the turn loop. The zero value is unusable; construct
// with New or NewNoop.
type Metrics struct {
	tokenUsage     metric.Int64Histogram
	turnDuration   metric.Float64Histogram
	firstTokenTime metric.Float64Histogram
	requestCount   metric.Int64Counter
	toolDuration   metric.Float64Histogram
	toolCount      metric.Int64Counter
}

// New registers the runtime instruments on the meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.tokenUsage, err = meter.Int64Histogram("gen_ai.client.token.usage",
		metric.WithDescription("Number of input and output tokens used per turn"),
		metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if m.turnDuration, err = meter.Float64Histogram("gen_ai.client.operation.duration",
		metric.WithDescription("Duration of one agent turn"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.firstTokenTime, err = meter.Float64Histogram("gen_ai.server.time_to_first_token",
		metric.WithDescription("Time from request dispatch to the first streamed token"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.requestCount, err = meter.Int64Counter("agentrt.requests",
		metric.WithDescription("Provider requests issued, including retries")); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("agentrt.tool.duration",
		metric.WithDescription("Duration of one local tool execution"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.toolCount, err = meter.Int64Counter("agentrt.tool.executions",
		metric.WithDescription("Local tool executions by outcome")); err != nil {
		return nil, err
	}
	return m, nil
}

// NewNoop returns metrics that record nothing.
func NewNoop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter("agentrt"))
	return m
}

func baseAttributes(provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(attrOperationName, operationChat),
		attribute.String(attrProviderName, provider),
		attribute.String(attrRequestModel, model),
	}
}

// RecordTokenUsage records one turn's token accounting.
func (m *Metrics) RecordTokenUsage(ctx context.Context, provider, model string, inputTokens, outputTokens int) {
	base := baseAttributes(provider, model)
	m.tokenUsage.Record(ctx, int64(inputTokens), metric.WithAttributes(
		append(base, attribute.String(attrTokenType, tokenTypeInput))...))
	m.tokenUsage.Record(ctx, int64(outputTokens), metric.WithAttributes(
		append(base, attribute.String(attrTokenType, tokenTypeOutput))...))
}

// RecordTurn records the wall time of one completed turn. errType is empty
// on success.
func (m *Metrics) RecordTurn(ctx context.Context, provider, model string, d time.Duration, errType string) {
	attrs := baseAttributes(provider, model)
	if errType != "" {
		attrs = append(attrs, attribute.String(attrErrorType, errType))
	}
	m.turnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// RecordFirstToken records the time to the first streamed token.
func (m *Metrics) RecordFirstToken(ctx context.Context, provider, model string, d time.Duration) {
	m.firstTokenTime.Record(ctx, d.Seconds(), metric.WithAttributes(baseAttributes(provider, model)...))
}

// RecordRequest counts one provider HTTP request.
func (m *Metrics) RecordRequest(ctx context.Context, provider, model string) {
	m.requestCount.Add(ctx, 1, metric.WithAttributes(baseAttributes(provider, model)...))
}

// RecordToolExecution records one local tool dispatch.
func (m *Metrics) RecordToolExecution(ctx context.Context, tool string, d time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrToolName, tool),
		attribute.String(attrToolOutcome, outcome),
	}
	m.toolCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

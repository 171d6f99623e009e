// Package observe provides application-wide observability primitives for
// Ringdesk: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Per-tenant business counters (the closed metric-name set in
// [types.MetricName]) are recorded twice: once through the OTel instruments
// here for fleet-wide scraping, and once as rows in the tenant's own store for
// per-tenant reporting. This package owns only the former. A package-level
// default is deliberately absent; tests construct [Metrics] with a private
// meter provider to avoid cross-test pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ringdesk/ringdesk/pkg/types"
)

// meterName is the instrumentation scope name used for all Ringdesk metrics.
const meterName = "github.com/ringdesk/ringdesk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from final audio to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM first-token and full-stream latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolDuration tracks tool handler execution latency.
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// TenantCounter counts occurrences of the closed per-tenant metric set.
	// Use with attributes: tenant_id, name.
	TenantCounter metric.Int64Counter

	// WebhookRequests counts ingress webhook deliveries. Attributes:
	// endpoint, status.
	WebhookRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live media streams on this instance.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("ringdesk.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("ringdesk.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("ringdesk.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("ringdesk.tool.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TenantCounter, err = m.Int64Counter("ringdesk.tenant.events",
		metric.WithDescription("Per-tenant business metric events."),
	); err != nil {
		return nil, err
	}
	if met.WebhookRequests, err = m.Int64Counter("ringdesk.webhook.requests",
		metric.WithDescription("Telephony webhook deliveries."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("ringdesk.provider.errors",
		metric.WithDescription("External provider failures."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("ringdesk.calls.active",
		metric.WithDescription("Live media streams on this instance."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Count records one occurrence of the named per-tenant metric.
func (m *Metrics) Count(ctx context.Context, tenantID string, name types.MetricName) {
	m.TenantCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("name", string(name)),
		))
}

// Package metrics wires OpenTelemetry counters for the dispatcher and
// cron runner, the same telemetry library the Kubewarden controller uses
// (internal/pkg/metrics), rebuilt against the modern go.opentelemetry.io/otel
// metric API instead of the controller's now-deprecated global/Bind style.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "checkpoint"

// Metrics bundles the counters both the dispatcher and cron runner emit
// to. Construct one per process via New.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	dispatchDecisions metric.Int64Counter
	cronFirings       metric.Int64Counter
}

// New builds a Metrics backed by reader, an OpenTelemetry metric.Reader.
// Both the serve command and the tests pass a ManualReader; no exporter
// is wired, so the counters are only visible to whoever calls Collect on
// that reader.
func New(reader sdkmetric.Reader) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)

	dispatchDecisions, err := meter.Int64Counter(
		"checkpoint_dispatch_decisions_total",
		metric.WithDescription("AdmissionReview outcomes by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: building dispatch counter: %w", err)
	}

	cronFirings, err := meter.Int64Counter(
		"checkpoint_cron_firings_total",
		metric.WithDescription("CronPolicy firings by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: building cron counter: %w", err)
	}

	return &Metrics{
		provider:          provider,
		dispatchDecisions: dispatchDecisions,
		cronFirings:       cronFirings,
	}, nil
}

// RecordDispatch records one AdmissionReview outcome: result is one of
// "allow", "allow_with_patch", "deny", or "error".
func (m *Metrics) RecordDispatch(ctx context.Context, result string) {
	m.dispatchDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCronFiring records one CronPolicy firing: result is one of "ok",
// "error", "skipped_overlap", or "skipped_suspended".
func (m *Metrics) RecordCronFiring(ctx context.Context, policy, result string) {
	m.cronFirings.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("policy", policy),
			attribute.String("result", result),
		))
}

// Shutdown flushes and closes the underlying MeterProvider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

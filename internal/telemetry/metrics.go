// Package telemetry exposes engine metrics through an OpenTelemetry meter
// backed by a Prometheus registry.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "procgenie/workflow"

// Metrics holds the engine's instruments.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	instancesStarted  metric.Int64Counter
	instancesFinished metric.Int64Counter
	stepsActivated    metric.Int64Counter
	escalations       metric.Int64Counter
	compensations     metric.Int64Counter
	timersFired       metric.Int64Counter
	transitionSeconds metric.Float64Histogram
}

// New creates the instruments on a fresh registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{registry: registry, provider: provider}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.instancesStarted, "workflow_instances_started", "Workflow instances started"},
		{&m.instancesFinished, "workflow_instances_finished", "Workflow instances that reached a terminal status"},
		{&m.stepsActivated, "workflow_steps_activated", "Step instances activated"},
		{&m.escalations, "workflow_escalations", "SLA escalations applied"},
		{&m.compensations, "workflow_compensations", "Compensation attempts"},
		{&m.timersFired, "workflow_timers_fired", "Durable timers fired"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	m.transitionSeconds, err = meter.Float64Histogram("workflow_transition_duration",
		metric.WithDescription("Time spent applying one transition under the instance lock"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// The recording methods accept a nil receiver so callers can run without metrics.

func (m *Metrics) InstanceStarted(ctx context.Context, tenantID, category string) {
	if m == nil {
		return
	}
	m.instancesStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID), attribute.String("category", category)))
}

func (m *Metrics) InstanceFinished(ctx context.Context, tenantID, status string) {
	if m == nil {
		return
	}
	m.instancesFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID), attribute.String("status", status)))
}

func (m *Metrics) StepActivated(ctx context.Context, stepType string) {
	if m == nil {
		return
	}
	m.stepsActivated.Add(ctx, 1, metric.WithAttributes(attribute.String("step_type", stepType)))
}

func (m *Metrics) Escalated(ctx context.Context, level int) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", level)))
}

func (m *Metrics) Compensated(ctx context.Context, failed, total int) {
	if m == nil {
		return
	}
	m.compensations.Add(ctx, int64(total-failed), metric.WithAttributes(attribute.Bool("success", true)))
	if failed > 0 {
		m.compensations.Add(ctx, int64(failed), metric.WithAttributes(attribute.Bool("success", false)))
	}
}

func (m *Metrics) TimerFired(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.timersFired.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) TransitionDuration(ctx context.Context, op string, seconds float64) {
	if m == nil {
		return
	}
	m.transitionSeconds.Record(ctx, seconds, metric.WithAttributes(attribute.String("operation", op)))
}

// Package metrics wires the OpenTelemetry metrics pipeline to a
// Prometheus registry exposed on the local HTTP surface.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the runtime instruments. A nil *Metrics is valid and
// records nothing, so components need no conditional wiring.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	framesDecoded  metric.Int64Counter
	decodeFailures metric.Int64Counter
	eventsEmitted  metric.Int64Counter
	eventsDropped  metric.Int64Counter
	gatewaySends   metric.Int64Counter
	commands       metric.Int64Counter
	triggerFires   metric.Int64Counter
}

// New builds the meter provider, the Prometheus exporter, and every
// instrument the runtime records.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("voltgate")

	m := &Metrics{registry: registry, provider: provider}

	if m.framesDecoded, err = meter.Int64Counter("voltgate_telemetry_frames_decoded_total",
		metric.WithDescription("Telemetry frames decoded")); err != nil {
		return nil, err
	}
	if m.decodeFailures, err = meter.Int64Counter("voltgate_telemetry_decode_failures_total",
		metric.WithDescription("Telemetry frames dropped as undecodable")); err != nil {
		return nil, err
	}
	if m.eventsEmitted, err = meter.Int64Counter("voltgate_bridge_events_emitted_total",
		metric.WithDescription("Events emitted toward the gateway")); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter("voltgate_bridge_events_dropped_total",
		metric.WithDescription("Datums rejected by the bridge filter or emitter")); err != nil {
		return nil, err
	}
	if m.gatewaySends, err = meter.Int64Counter("voltgate_gateway_sends_total",
		metric.WithDescription("Frames written to the gateway connection")); err != nil {
		return nil, err
	}
	if m.commands, err = meter.Int64Counter("voltgate_commands_dispatched_total",
		metric.WithDescription("Vehicle commands dispatched upstream")); err != nil {
		return nil, err
	}
	if m.triggerFires, err = meter.Int64Counter("voltgate_trigger_fires_total",
		metric.WithDescription("Trigger conditions fired")); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) AddFrame(ctx context.Context) {
	if m != nil {
		m.framesDecoded.Add(ctx, 1)
	}
}

func (m *Metrics) AddDecodeFailure(ctx context.Context) {
	if m != nil {
		m.decodeFailures.Add(ctx, 1)
	}
}

func (m *Metrics) AddEventEmitted(ctx context.Context) {
	if m != nil {
		m.eventsEmitted.Add(ctx, 1)
	}
}

func (m *Metrics) AddEventDropped(ctx context.Context) {
	if m != nil {
		m.eventsDropped.Add(ctx, 1)
	}
}

func (m *Metrics) AddGatewaySend(ctx context.Context) {
	if m != nil {
		m.gatewaySends.Add(ctx, 1)
	}
}

func (m *Metrics) AddCommand(ctx context.Context) {
	if m != nil {
		m.commands.Add(ctx, 1)
	}
}

func (m *Metrics) AddTriggerFire(ctx context.Context) {
	if m != nil {
		m.triggerFires.Add(ctx, 1)
	}
}

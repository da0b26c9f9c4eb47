// internal/common/observability/metrics.go
package observability

import (
	"context"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	"sheetbridge/internal/common/logger"
)

// Observability records operation durations through an OpenTelemetry meter
// exported in Prometheus format. A zero value (or nil) records nothing.
type Observability struct {
	meterProvider     *metric.MeterProvider
	meter             otelmetric.Meter
	reconcileDuration otelmetric.Float64Histogram
	writebackDuration otelmetric.Float64Histogram
}

// New registers the exporter with reg, or the default registerer when reg is
// nil. On failure it logs and returns a recorder that does nothing.
func New(serviceName string, reg promclient.Registerer, log logger.Logger) *Observability {
	opts := []prometheus.Option{}
	if reg != nil {
		opts = append(opts, prometheus.WithRegisterer(reg))
	}
	exporter, err := prometheus.New(opts...)
	if err != nil {
		log.Warn("Failed to create Prometheus exporter", map[string]interface{}{"error": err})
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	if reg == nil {
		otel.SetMeterProvider(provider)
	}

	meter := provider.Meter(serviceName)

	reconcileDuration, _ := meter.Float64Histogram(
		"reconcile.duration",
		otelmetric.WithDescription("Reconciliation pass duration"),
		otelmetric.WithUnit("ms"),
	)

	writebackDuration, _ := meter.Float64Histogram(
		"writeback.duration",
		otelmetric.WithDescription("Remote append duration"),
		otelmetric.WithUnit("ms"),
	)

	return &Observability{
		meterProvider:     provider,
		meter:             meter,
		reconcileDuration: reconcileDuration,
		writebackDuration: writebackDuration,
	}
}

func (o *Observability) RecordReconcile(ctx context.Context, duration time.Duration, status string) {
	if o == nil || o.reconcileDuration == nil {
		return
	}
	o.reconcileDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordWriteback records one remote append. source is "request" or "retry".
func (o *Observability) RecordWriteback(ctx context.Context, duration time.Duration, source, status string) {
	if o == nil || o.writebackDuration == nil {
		return
	}
	o.writebackDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
	))
}

func (o *Observability) Shutdown() {
	if o == nil || o.meterProvider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.meterProvider.Shutdown(ctx)
}

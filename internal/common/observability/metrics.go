package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"

	"hike-coordinator/internal/common/logger"
)

// Observability records OpenTelemetry instruments exported through the
// Prometheus registry. A nil *Observability is a valid no-op.
type Observability struct {
	meterProvider      *metric.MeterProvider
	tracer             trace.Tracer
	transitionDuration otelmetric.Float64Histogram
	campaignDuration   otelmetric.Float64Histogram
	campaignJobs       otelmetric.Int64Counter
}

func New(serviceName string, log logger.Logger) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Warn("Failed to create Prometheus exporter", map[string]interface{}{"error": err.Error()})
		return &Observability{tracer: otel.Tracer(serviceName)}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(serviceName)

	transitionDuration, _ := meter.Float64Histogram(
		"hike.phase.transition.duration",
		otelmetric.WithDescription("Time spent inside a phase transition transaction"),
		otelmetric.WithUnit("ms"),
	)
	campaignDuration, _ := meter.Float64Histogram(
		"hike.campaign.duration",
		otelmetric.WithDescription("Wall time from campaign pickup to completion or stop"),
		otelmetric.WithUnit("s"),
	)
	campaignJobs, _ := meter.Int64Counter(
		"hike.campaign.jobs",
		otelmetric.WithDescription("Jobs reaching a terminal status"),
	)

	return &Observability{
		meterProvider:      provider,
		tracer:             otel.Tracer(serviceName),
		transitionDuration: transitionDuration,
		campaignDuration:   campaignDuration,
		campaignJobs:       campaignJobs,
	}
}

// StartSpan starts a span on the global tracer provider.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return otel.Tracer("hike-coordinator").Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *Observability) RecordTransition(ctx context.Context, phase, outcome string, d time.Duration) {
	if o == nil || o.transitionDuration == nil {
		return
	}
	o.transitionDuration.Record(ctx, float64(d.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("outcome", outcome),
	))
}

func (o *Observability) RecordCampaign(ctx context.Context, phase, outcome string, d time.Duration) {
	if o == nil || o.campaignDuration == nil {
		return
	}
	o.campaignDuration.Record(ctx, d.Seconds(), otelmetric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("outcome", outcome),
	))
}

func (o *Observability) RecordJobTerminal(ctx context.Context, status string) {
	if o == nil || o.campaignJobs == nil {
		return
	}
	o.campaignJobs.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
}

func (o *Observability) Shutdown() {
	if o == nil || o.meterProvider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.meterProvider.Shutdown(ctx)
}

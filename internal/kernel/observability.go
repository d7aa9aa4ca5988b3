package kernel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// defaultTracerProvider builds a stdout-exporting TracerProvider for
// embedding the daemon without a host process supplying its own, mirroring
// the teacher's ObservabilityManager default (development-mode stdout
// exporter, always-sample).
func defaultTracerProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, err
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return tp, nil
}

const version = "0.1.0"

// tracerFrom returns tp's tracer for this package, or the global
// no-op/registered tracer when tp is nil.
func tracerFrom(tp *sdktrace.TracerProvider) trace.Tracer {
	if tp != nil {
		return tp.Tracer("opendaemon/kernel")
	}
	return otel.Tracer("opendaemon/kernel")
}

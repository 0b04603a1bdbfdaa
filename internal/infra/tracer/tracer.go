package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"ocpp-gateway/internal/infra/config"
)

const tracerName = "ocpp-gateway"

// Span attribute keys shared by the RPC and audit spans.
const (
	KeyIdentity  = attribute.Key("ocpp.identity")
	KeyAction    = attribute.Key("ocpp.action")
	KeyUniqueID  = attribute.Key("ocpp.unique_id")
	KeyErrorCode = attribute.Key("ocpp.error_code")
)

// Setup installs the global TracerProvider described by cfg and returns
// its shutdown function. Disabled tracing and the "noop" exporter install
// a noop provider.
func Setup(_ context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = tracerName
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// newExporter returns nil when no spans should be exported.
func newExporter(cfg config.TracerConfig) (sdktrace.SpanExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Exporter {
	case "", "noop":
		return nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// sampler samples everything for ratios outside (0,1).
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a named span on the gateway tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Finish sets the span status from err. It does not end the span.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// CallAttrs returns the attributes of an OCPP call span. Empty values are
// omitted.
func CallAttrs(identity, action, uniqueID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if identity != "" {
		attrs = append(attrs, KeyIdentity.String(identity))
	}
	if action != "" {
		attrs = append(attrs, KeyAction.String(action))
	}
	if uniqueID != "" {
		attrs = append(attrs, KeyUniqueID.String(uniqueID))
	}
	return attrs
}

// UniqueID is the attribute for a call's unique id once it is assigned.
func UniqueID(id string) attribute.KeyValue { return KeyUniqueID.String(id) }

// ErrorCode is the attribute for the OCPP-J error code of a CallError.
func ErrorCode(code string) attribute.KeyValue { return KeyErrorCode.String(code) }

// StringAttr is a convenience for attribute.String.
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

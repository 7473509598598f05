package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ringline"

type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig(serviceName string) Config {
	return Config{
		Enabled:     false,
		ServiceName: serviceName,
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs a Jaeger-backed global tracer provider. When tracing is
// disabled the global no-op provider stays in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	CallIDKey     = attribute.Key("call.id")
	CallTypeKey   = attribute.Key("call.type")
	CallStateKey  = attribute.Key("call.state")
	PeerIDKey     = attribute.Key("peer.id")
	UserIDKey     = attribute.Key("user.id")
	SignalTypeKey = attribute.Key("signal.type")
	DirectionKey  = attribute.Key("signal.direction")
	QualityKey    = attribute.Key("quality")
	BitrateKey    = attribute.Key("bitrate")
	PacketLossKey = attribute.Key("packet_loss")
	DurationKey   = attribute.Key("duration_ms")
)

// TraceCallIntent wraps a user intent such as start, accept or end.
func TraceCallIntent(ctx context.Context, intent, userID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "call."+intent,
		trace.WithAttributes(UserIDKey.String(userID)),
	)
}

// TraceSignal wraps sending or receiving one signaling message.
func TraceSignal(ctx context.Context, direction, signalType, peerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("signal.%s.%s", direction, signalType),
		trace.WithAttributes(
			DirectionKey.String(direction),
			SignalTypeKey.String(signalType),
			PeerIDKey.String(peerID),
		),
	)
}

func TraceWebRTC(ctx context.Context, operation, callID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "webrtc."+operation,
		trace.WithAttributes(
			attribute.String("webrtc.operation", operation),
			CallIDKey.String(callID),
		),
	)
}

func TraceStoreOperation(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return StartSpan(ctx, "store."+operation,
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.key", key),
		),
	)
}

func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

func MeasureDuration(ctx context.Context, start time.Time) {
	AddSpanAttributes(ctx, DurationKey.Int64(time.Since(start).Milliseconds()))
}

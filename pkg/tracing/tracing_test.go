package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exp
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestInitDisabled(t *testing.T) {
	cfg := DefaultConfig("ringline-agent")
	assert.Equal(t, "ringline-agent", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)

	tp, err := Init(cfg)
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSignal(t *testing.T) {
	exp := installRecorder(t)

	_, span := TraceSignal(context.Background(), "out", "offer", "bob")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "signal.out.offer", spans[0].Name)
	assert.Equal(t, "bob", attrValue(spans[0].Attributes, PeerIDKey))
	assert.Equal(t, "offer", attrValue(spans[0].Attributes, SignalTypeKey))
}

func TestTraceCallIntentRecordsError(t *testing.T) {
	exp := installRecorder(t)

	ctx, span := TraceCallIntent(context.Background(), "start", "alice")
	AddSpanAttributes(ctx, CallTypeKey.String("video"))
	RecordError(ctx, errors.New("media unavailable"))
	RecordError(ctx, nil)
	MeasureDuration(ctx, time.Now().Add(-time.Second))
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "call.start", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "video", attrValue(spans[0].Attributes, CallTypeKey))
	assert.NotEmpty(t, attrValue(spans[0].Attributes, DurationKey))
	assert.Len(t, spans[0].Events, 1)
}

func TestOtherSpanHelpers(t *testing.T) {
	exp := installRecorder(t)

	_, s1 := TraceWebRTC(context.Background(), "create_offer", "call-1")
	s1.End()
	_, s2 := TraceStoreOperation(context.Background(), "hset", "ringline:calls:call-1")
	s2.End()
	_, s3 := TraceHTTPRequest(context.Background(), "POST", "/api/v1/calls")
	s3.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 3)
	assert.Equal(t, "webrtc.create_offer", spans[0].Name)
	assert.Equal(t, "call-1", attrValue(spans[0].Attributes, CallIDKey))
	assert.Equal(t, "store.hset", spans[1].Name)
	assert.Equal(t, "http.POST", spans[2].Name)
}

package tracing

import (
	"context"
	"errors"
	"testing"

	"offsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// recordSpans installs an in-memory exporter as the global provider for the
// duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestDefaultTracingConfig(t *testing.T) {
	config := DefaultTracingConfig()

	assert.Equal(t, "offsync", config.ServiceName)
	assert.Equal(t, "dev", config.ServiceVersion)
	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, 0.1, config.SampleRate)
	assert.False(t, config.Enabled)
	assert.True(t, config.UseStdout)
}

func TestWithDefaults(t *testing.T) {
	c := WithDefaults(models.TracingConfig{ServiceName: "custom", SampleRate: 1})
	assert.Equal(t, "custom", c.ServiceName)
	assert.Equal(t, 1.0, c.SampleRate)
	assert.Equal(t, "dev", c.ServiceVersion)
	assert.Equal(t, "localhost:4318", c.OTLPEndpoint)
}

func TestTracingManager_Disabled(t *testing.T) {
	tm := NewTracingManager(models.TracingConfig{}, quietLogger())

	require.NoError(t, tm.Initialize(context.Background()))
	assert.Nil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingManager_StdoutLifecycle(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	tm := NewTracingManager(models.TracingConfig{Enabled: true, UseStdout: true, SampleRate: 1}, quietLogger())

	require.NoError(t, tm.Initialize(context.Background()))
	require.NotNil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "sync.drain", attribute.Int("batch_size", 20))
	AddSpanAttributes(ctx, attribute.Int("submitted", 3))
	RecordError(ctx, errors.New("authority unavailable"))
	RecordError(ctx, nil)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, "sync.drain", s.Name())
	assert.Equal(t, TracerName, s.InstrumentationScope().Name)
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Len(t, s.Events(), 1)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, int64(20), attrs["batch_size"].AsInt64())
	assert.Equal(t, int64(3), attrs["submitted"].AsInt64())
}

func TestSetSpanStatus(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "sync.http /sync/status")
	SetSpanStatus(ctx, codes.Ok, "")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, codes.Ok, recorder.Ended()[0].Status().Code)
}

func TestWithOtelTracing_MirrorsTraceID(t *testing.T) {
	recordSpans(t)

	ctx, span := WithOtelTracing(context.Background(), "http_request")
	defer span.End()

	id := GetTraceID(ctx)
	assert.Len(t, id, 32)
	assert.Equal(t, OtelTraceID(ctx), id)
	assert.NotEqual(t, "00000000000000000000000000000000", id)
}

func TestWithOtelTracing_NoProviderStillSetsTraceID(t *testing.T) {
	ctx, span := WithOtelTracing(context.Background(), "http_request")
	defer span.End()

	assert.Len(t, GetTraceID(ctx), 32)
}

func TestHelpersWithoutSpan(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		AddSpanAttributes(ctx, attribute.String("k", "v"))
		SetSpanStatus(ctx, codes.Error, "x")
		RecordError(ctx, errors.New("x"))
	})
	assert.Equal(t, "", OtelTraceID(ctx))
}

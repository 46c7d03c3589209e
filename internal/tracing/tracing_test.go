package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/banshee-data/signsync/internal/monitoring"
)

func init() {
	monitoring.Discard()
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: true})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(context.Background(), Config{OTLPEndpoint: "localhost:4317"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestProviderRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp, err := newProvider(context.Background(), Config{ServiceName: "signsync-test"}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "spatial.infer")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "spatial.infer", ended[0].Name())
	found := false
	for _, kv := range ended[0].Resource().Attributes() {
		if string(kv.Key) == "service.name" {
			found = kv.Value.AsString() == "signsync-test"
		}
	}
	assert.True(t, found, "service name on resource")
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1.5).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

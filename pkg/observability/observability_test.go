package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, "credentiald", c.ServiceName)
	require.Equal(t, "localhost:4317", c.OTLPEndpoint)
	require.False(t, c.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSpanHelpers(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "issuance.execute")
	require.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
}

func TestInstruments_NilSafe(t *testing.T) {
	var in *Instruments
	in.IntentPrepared(context.Background(), "native")
	in.Failure(context.Background(), "MintFailure")
}

func TestInstruments_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	in, err := NewInstruments(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	in.IntentPrepared(ctx, "native")
	in.IntentExecuted(ctx, "native", 200*time.Millisecond)
	in.Failure(ctx, "MintFailure")
	in.AnchorProof(ctx, "algorand", "UNAVAILABLE")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = true
	}
	for _, want := range []string{"issuance.intents.prepared", "issuance.intents.executed",
		"issuance.execute.duration", "issuance.failures", "anchor.proofs"} {
		assert.True(t, names[want], want)
	}
}

package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the issuance metrics. A nil *Instruments records nothing.
type Instruments struct {
	prepared        metric.Int64Counter
	executed        metric.Int64Counter
	failures        metric.Int64Counter
	batchItems      metric.Int64Counter
	anchorProofs    metric.Int64Counter
	dispatches      metric.Int64Counter
	executeDuration metric.Float64Histogram
}

// NewInstruments registers the instruments on meter; a nil meter uses the
// global provider.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var (
		in  Instruments
		err error
	)
	if in.prepared, err = meter.Int64Counter("issuance.intents.prepared",
		metric.WithDescription("Transaction intents prepared"), metric.WithUnit("{intent}")); err != nil {
		return nil, err
	}
	if in.executed, err = meter.Int64Counter("issuance.intents.executed",
		metric.WithDescription("Transaction intents executed to a mint record"), metric.WithUnit("{intent}")); err != nil {
		return nil, err
	}
	if in.failures, err = meter.Int64Counter("issuance.failures",
		metric.WithDescription("Issuance failures by error kind"), metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if in.batchItems, err = meter.Int64Counter("batch.items",
		metric.WithDescription("Batch items resolved by outcome"), metric.WithUnit("{item}")); err != nil {
		return nil, err
	}
	if in.anchorProofs, err = meter.Int64Counter("anchor.proofs",
		metric.WithDescription("Anchor attempts by network and status"), metric.WithUnit("{proof}")); err != nil {
		return nil, err
	}
	if in.dispatches, err = meter.Int64Counter("distribution.dispatches",
		metric.WithDescription("Distribution allocation dispatches"), metric.WithUnit("{dispatch}")); err != nil {
		return nil, err
	}
	if in.executeDuration, err = meter.Float64Histogram("issuance.execute.duration",
		metric.WithDescription("Execute latency in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *Instruments) IntentPrepared(ctx context.Context, method string) {
	if in == nil {
		return
	}
	in.prepared.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func (in *Instruments) IntentExecuted(ctx context.Context, method string, d time.Duration) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("method", method))
	in.executed.Add(ctx, 1, attrs)
	in.executeDuration.Record(ctx, d.Seconds(), attrs)
}

func (in *Instruments) Failure(ctx context.Context, kind string) {
	if in == nil {
		return
	}
	in.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (in *Instruments) BatchItem(ctx context.Context, outcome string) {
	if in == nil {
		return
	}
	in.batchItems.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (in *Instruments) AnchorProof(ctx context.Context, network, status string) {
	if in == nil {
		return
	}
	in.anchorProofs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("network", network), attribute.String("status", status)))
}

func (in *Instruments) Dispatch(ctx context.Context, allocation, outcome string) {
	if in == nil {
		return
	}
	in.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("allocation", allocation), attribute.String("outcome", outcome)))
}

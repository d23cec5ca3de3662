package rule

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/batchrules/internal/batch"
	"github.com/lsm/batchrules/internal/correlation"
	"github.com/lsm/batchrules/internal/observability"
	"github.com/lsm/batchrules/internal/tracing"
)

// Troubleshooter wraps a handler so that it never fails outward. When the
// wrapped handler errors or panics, the caller receives the batch exactly as
// it was passed in, with Error set to the failure message.
//
// Every failure passes the batch along unfiltered. Not for production rules.
type Troubleshooter struct {
	next    Handler
	name    string
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Troubleshoot wraps next in troubleshooting mode. Only the logger, metrics
// and tracer options apply.
func Troubleshoot(next Handler, opts ...Option) *Troubleshooter {
	o := newOptions(opts)
	name := handlerName(next)
	o.logger.Warn("troubleshooting mode enabled, failing batches will pass through unfiltered", "rule", name)
	return &Troubleshooter{
		next:    next,
		name:    name,
		logger:  observability.ContextLogger(o.logger).With("rule", name),
		metrics: o.metrics,
		tracer:  o.tracer,
	}
}

// Name returns the wrapped rule's name.
func (t *Troubleshooter) Name() string {
	return t.name
}

// Handle implements Handler. It only returns an error for a nil batch.
func (t *Troubleshooter) Handle(ctx context.Context, b *batch.Batch) (*batch.Batch, error) {
	if b == nil {
		return nil, ErrNilBatch
	}
	snapshot := b.Clone()

	id, ok := correlation.FromContext(ctx)
	if !ok {
		id = correlation.FromBatch(snapshot)
		ctx = correlation.WithID(ctx, id)
	}

	ctx, span := tracing.StartSpan(ctx, t.tracer, tracing.SpanTroubleshoot)
	defer span.End()
	span.SetAttributes(
		tracing.RuleKey.String(t.name),
		tracing.CorrelationIDKey.String(id.Value),
		tracing.TroubleshootKey.Bool(true),
	)

	out, err := Safe(ctx, t.next, b)
	if err == nil {
		tracing.SetSpanOK(span, "")
		return out, nil
	}

	t.logger.WarnContext(ctx, "rule failed, returning original batch", "error", err)
	if t.metrics != nil {
		t.metrics.BatchesTotal.WithLabelValues(t.name, observability.OutcomeRecovered).Inc()
	}
	span.RecordError(err)
	span.SetAttributes(tracing.ErrorTypeKey.String(errorType(err)))
	tracing.SetSpanOK(span, "recovered")

	snapshot.Error = err.Error()
	return snapshot, nil
}

func errorType(err error) string {
	var panicErr *PanicError
	var stepErr *StepError
	switch {
	case errors.As(err, &panicErr):
		return "panic"
	case errors.As(err, &stepErr):
		return "step"
	default:
		return "handler"
	}
}

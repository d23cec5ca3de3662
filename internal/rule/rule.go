package rule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/batchrules/internal/batch"
	"github.com/lsm/batchrules/internal/correlation"
	"github.com/lsm/batchrules/internal/observability"
	"github.com/lsm/batchrules/internal/tracing"
)

// Verdict tells the rule whether to keep the event or batch a step saw.
type Verdict int

const (
	Keep Verdict = iota
	Drop
)

func (v Verdict) String() string {
	if v == Drop {
		return "drop"
	}
	return "keep"
}

// EventStep inspects or rewrites a single event in place.
type EventStep struct {
	Name string
	Fn   func(ctx context.Context, e *batch.Event) (Verdict, error)
}

// BatchStep inspects or rewrites the whole batch after the event stage.
type BatchStep struct {
	Name string
	Fn   func(ctx context.Context, b *batch.Batch) (Verdict, error)
}

// Option configures a Rule or a Troubleshooter.
type Option func(*options)

type options struct {
	eventSteps []EventStep
	batchSteps []BatchStep
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEventSteps appends steps to the per-event stage.
func WithEventSteps(steps ...EventStep) Option {
	return func(o *options) {
		o.eventSteps = append(o.eventSteps, steps...)
	}
}

// WithBatchSteps appends steps to the batch stage.
func WithBatchSteps(steps ...BatchStep) Option {
	return func(o *options) {
		o.batchSteps = append(o.batchSteps, steps...)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer enables a span per handled batch.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// Rule runs an ordered set of event steps followed by batch steps.
//
// A failing or panicking event step removes only that event. A failing batch
// step fails the whole invocation. A Drop verdict from a batch step drops the
// batch. Rule keeps no state between calls and may be shared by concurrent
// invocations as long as each receives its own batch.
type Rule struct {
	name       string
	eventSteps []EventStep
	batchSteps []BatchStep
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// New creates a rule.
func New(name string, opts ...Option) *Rule {
	o := newOptions(opts)
	return &Rule{
		name:       name,
		eventSteps: o.eventSteps,
		batchSteps: o.batchSteps,
		logger:     observability.ContextLogger(o.logger).With("rule", name),
		metrics:    o.metrics,
		tracer:     o.tracer,
	}
}

// Name returns the rule name.
func (r *Rule) Name() string {
	return r.name
}

// Handle implements Handler.
func (r *Rule) Handle(ctx context.Context, b *batch.Batch) (*batch.Batch, error) {
	if b == nil {
		return nil, ErrNilBatch
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	id, ok := correlation.FromContext(ctx)
	if !ok {
		id = correlation.FromBatch(b)
		ctx = correlation.WithID(ctx, id)
	}

	ctx, span := tracing.StartSpan(ctx, r.tracer, tracing.SpanRuleHandle)
	defer span.End()
	span.SetAttributes(
		tracing.RuleKey.String(r.name),
		tracing.CorrelationIDKey.String(id.Value),
		tracing.EventsInKey.Int(b.Len()),
	)

	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.BatchDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
		}
	}()

	if len(r.eventSteps) > 0 {
		b.Events = r.processEvents(ctx, b.Events)
	}
	span.SetAttributes(tracing.EventsOutKey.Int(b.Len()))

	for _, step := range r.batchSteps {
		verdict, err := step.Fn(ctx, b)
		if err != nil {
			stepErr := &StepError{Rule: r.name, Step: step.Name, Err: err}
			r.logger.ErrorContext(ctx, "batch step failed", "step", step.Name, "error", err)
			r.countStepError(step.Name)
			r.countBatch(observability.OutcomeError)
			tracing.SetSpanError(span, stepErr)
			return nil, stepErr
		}
		if verdict == Drop {
			r.logger.InfoContext(ctx, "batch dropped", "step", step.Name)
			r.countBatch(observability.OutcomeDropped)
			span.SetAttributes(tracing.BatchDroppedKey.Bool(true))
			tracing.SetSpanOK(span, "dropped by "+step.Name)
			return nil, nil
		}
	}

	r.countBatch(observability.OutcomeOK)
	span.SetAttributes(tracing.BatchDroppedKey.Bool(false))
	tracing.SetSpanOK(span, "")
	return b, nil
}

func (r *Rule) processEvents(ctx context.Context, events []*batch.Event) []*batch.Event {
	kept := make([]*batch.Event, 0, len(events))
	for i, e := range events {
		step, verdict, err := r.applyEventSteps(ctx, e)
		switch {
		case err != nil:
			r.logger.DebugContext(ctx, "event excluded after step failure", "event_index", i, "step", step, "error", err)
			r.countStepError(step)
			r.countEvent(observability.EventFailed)
		case verdict == Drop:
			r.logger.DebugContext(ctx, "event filtered", "event_index", i, "step", step)
			r.countEvent(observability.EventFiltered)
		default:
			kept = append(kept, e)
			r.countEvent(observability.EventKept)
		}
	}
	return kept
}

// applyEventSteps runs every event step on e and returns the name of the
// step that decided the outcome.
func (r *Rule) applyEventSteps(ctx context.Context, e *batch.Event) (step string, verdict Verdict, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			verdict, err = Drop, &PanicError{Value: rec}
		}
	}()
	if err := e.Err(); err != nil {
		return "", Drop, err
	}
	for _, s := range r.eventSteps {
		step = s.Name
		verdict, err = s.Fn(ctx, e)
		if err != nil || verdict == Drop {
			return step, verdict, err
		}
	}
	return "", Keep, nil
}

func (r *Rule) countBatch(outcome string) {
	if r.metrics != nil {
		r.metrics.BatchesTotal.WithLabelValues(r.name, outcome).Inc()
	}
}

func (r *Rule) countEvent(outcome string) {
	if r.metrics != nil {
		r.metrics.EventsTotal.WithLabelValues(r.name, outcome).Inc()
	}
}

func (r *Rule) countStepError(step string) {
	if r.metrics != nil && step != "" {
		r.metrics.StepErrors.WithLabelValues(r.name, step).Inc()
	}
}

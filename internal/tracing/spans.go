package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanRuleHandle   = "batchrules.rule.handle"
	SpanTroubleshoot = "batchrules.rule.troubleshoot"
)

// Attribute keys set on rule spans.
var (
	RuleKey          = attribute.Key("batchrules.rule.name")
	CorrelationIDKey = attribute.Key("batchrules.correlation_id")
	EventsInKey      = attribute.Key("batchrules.events.in")
	EventsOutKey     = attribute.Key("batchrules.events.out")
	BatchDroppedKey  = attribute.Key("batchrules.batch.dropped")
	TroubleshootKey  = attribute.Key("batchrules.troubleshoot")
	ErrorTypeKey     = attribute.Key("error.type")
)

// StartSpan starts a span on tracer. A nil tracer yields the span already in
// ctx, which is a no-op span when there is none.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span successful. description may be empty.
func SetSpanOK(span trace.Span, description string) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, description)
}

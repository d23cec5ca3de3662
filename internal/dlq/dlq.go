// Package dlq records batches that a rule failed to process.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Error codes attached to dead-lettered batches.
const (
	CodeDecodeFailed = "DECODE_FAILED"
	CodeRuleFailed   = "RULE_FAILED"
	CodePanic        = "RULE_PANICKED"
	CodeEncodeFailed = "ENCODE_FAILED"
)

// Record is one dead-lettered batch.
type Record struct {
	Rule          string          `json:"rule"`
	Line          int             `json:"line,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ErrorCode     string          `json:"error_code"`
	ErrorMessage  string          `json:"error_message"`
	FailedAt      time.Time       `json:"failed_at"`
	Batch         json.RawMessage `json:"batch"`
}

// Publisher is the interface for storing dead-lettered batches.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// FailureInfo contains metadata about why a batch failed processing.
type FailureInfo struct {
	Rule          string
	Line          int
	CorrelationID string
	ErrorCode     string
	ErrorMessage  string
}

// Handler sends failed batches to a Publisher.
type Handler struct {
	publisher Publisher
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the failure timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a new dead-letter handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes a failed batch. Raw input that is not valid JSON is stored
// as a JSON string.
func (h *Handler) Send(ctx context.Context, raw []byte, info FailureInfo) error {
	payload := json.RawMessage(raw)
	if !json.Valid(raw) {
		quoted, err := json.Marshal(string(raw))
		if err != nil {
			return fmt.Errorf("dlq encode batch: %w", err)
		}
		payload = quoted
	}
	rec := Record{
		Rule:          info.Rule,
		Line:          info.Line,
		CorrelationID: info.CorrelationID,
		ErrorCode:     info.ErrorCode,
		ErrorMessage:  info.ErrorMessage,
		FailedAt:      h.now().UTC(),
		Batch:         payload,
	}
	if err := h.publisher.Publish(ctx, rec); err != nil {
		return fmt.Errorf("dlq publish for rule %s: %w", info.Rule, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// WriterPublisher appends records as JSON lines to a writer. Safe for
// concurrent use.
type WriterPublisher struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// NewWriterPublisher writes records to w. If w is an io.Closer it is closed
// by Close.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	p := &WriterPublisher{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		p.c = c
	}
	return p
}

// Publish implements Publisher.
func (p *WriterPublisher) Publish(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(rec)
}

// Close implements Publisher.
func (p *WriterPublisher) Close() error {
	if p.c == nil {
		return nil
	}
	return p.c.Close()
}

// NoopPublisher is a Publisher that discards all records.
// Used when no dead-letter destination is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, Record) error { return nil }

func (*NoopPublisher) Close() error { return nil }

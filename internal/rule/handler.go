package rule

import (
	"context"

	"github.com/lsm/batchrules/internal/batch"
)

// Handler transforms one batch.
//
// A non-nil error means the failure escapes to the caller and the returned
// batch must be ignored. A nil batch with a nil error means the whole batch
// was dropped.
type Handler interface {
	Handle(ctx context.Context, b *batch.Batch) (*batch.Batch, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, b *batch.Batch) (*batch.Batch, error)

// Handle calls f(ctx, b).
func (f HandlerFunc) Handle(ctx context.Context, b *batch.Batch) (*batch.Batch, error) {
	return f(ctx, b)
}

// Callback receives the completion of one invocation. Exactly one of err and
// b is meaningful; both are nil when the batch was dropped.
type Callback func(err error, b *batch.Batch)

// Invoke runs h on b and reports the result through done exactly once.
// Panics raised by h are reported as *PanicError. done is called after h has
// returned, never from inside it.
func Invoke(ctx context.Context, h Handler, b *batch.Batch, done Callback) {
	out, err := Safe(ctx, h, b)
	if err != nil {
		done(err, nil)
		return
	}
	done(nil, out)
}

// Safe runs h on b, converting a panic into a *PanicError.
func Safe(ctx context.Context, h Handler, b *batch.Batch) (out *batch.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &PanicError{Value: r}
		}
	}()
	out, err = h.Handle(ctx, b)
	if err != nil {
		return nil, err
	}
	return out, nil
}

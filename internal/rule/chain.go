package rule

import (
	"context"
	"fmt"

	"github.com/lsm/batchrules/internal/batch"
)

// Chain executes a sequence of handlers in order, passing the batch returned
// by each to the next. A dropped batch stops the chain.
type Chain struct {
	name     string
	handlers []Handler
}

// NewChain creates a new handler chain.
func NewChain(name string, handlers ...Handler) *Chain {
	return &Chain{name: name, handlers: handlers}
}

// Handle implements Handler.
func (c *Chain) Handle(ctx context.Context, b *batch.Batch) (*batch.Batch, error) {
	if b == nil {
		return nil, ErrNilBatch
	}
	current := b
	for i, h := range c.handlers {
		out, err := h.Handle(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("handler %d (%s): %w", i, handlerName(h), err)
		}
		if out == nil {
			return nil, nil
		}
		current = out
	}
	return current, nil
}

// Name returns the chain name.
func (c *Chain) Name() string {
	return c.name
}

func handlerName(h Handler) string {
	if named, ok := h.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "anonymous"
}

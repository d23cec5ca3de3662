package correlation

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lsm/batchrules/internal/batch"
)

// Batch members consulted for an existing identifier, in priority order.
const (
	FieldSourceRequestID = "source_request_id"
	FieldBatchID         = "batch_id"
)

// SourceGenerated marks an ID that was minted locally.
const SourceGenerated = "generated"

type ID struct {
	Value  string
	Source string
}

type ctxKey struct{}

// FromBatch extracts a correlation ID from the batch or generates a new UUID.
// Priority: source_request_id > batch_id > new UUID
func FromBatch(b *batch.Batch) ID {
	if b != nil {
		for _, field := range []string{FieldSourceRequestID, FieldBatchID} {
			if id := rawString(b.Extra[field]); id != "" {
				return ID{Value: id, Source: field}
			}
		}
	}
	return ID{Value: uuid.New().String(), Source: SourceGenerated}
}

// WithID stores the correlation ID on the context.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation ID stored by WithID.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok
}

// rawString renders a JSON string or number member as text.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String()
		}
	}
	return ""
}

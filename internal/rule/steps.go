package rule

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lsm/batchrules/internal/batch"
)

// RenameEvent replaces the event name from with to.
func RenameEvent(from, to string) EventStep {
	return EventStep{
		Name: "rename",
		Fn: func(_ context.Context, e *batch.Event) (Verdict, error) {
			if e.Data.EventName == from {
				e.Data.EventName = to
			}
			return Keep, nil
		},
	}
}

// RenameEvents replaces event names found in mapping with their mapped
// value. Names missing from mapping are left alone, unless strict is set, in
// which case the event fails and is excluded.
func RenameEvents(mapping map[string]string, strict bool) EventStep {
	table := make(map[string]string, len(mapping))
	for k, v := range mapping {
		table[k] = v
	}
	return EventStep{
		Name: "renameMapping",
		Fn: func(_ context.Context, e *batch.Event) (Verdict, error) {
			if renamed, ok := table[e.Data.EventName]; ok {
				e.Data.EventName = renamed
				return Keep, nil
			}
			if strict {
				return Drop, fmt.Errorf("no mapping for event name %q", e.Data.EventName)
			}
			return Keep, nil
		},
	}
}

// ScaleAttribute stores custom_attributes[src] / divisor in
// custom_attributes[dst]. Events without a non-zero src value are untouched.
func ScaleAttribute(src, dst string, divisor float64) EventStep {
	return EventStep{
		Name: "scale",
		Fn: func(_ context.Context, e *batch.Event) (Verdict, error) {
			if divisor == 0 {
				return Drop, fmt.Errorf("scale %q: divisor is zero", src)
			}
			raw, ok := e.Data.CustomAttributes[src]
			if !ok {
				return Keep, nil
			}
			n, present, err := toFloat(raw)
			if err != nil {
				return Drop, fmt.Errorf("scale %q: %w", src, err)
			}
			if !present || n == 0 {
				return Keep, nil
			}
			e.Data.CustomAttributes[dst] = n / divisor
			return Keep, nil
		},
	}
}

// DropNames drops events whose name is one of names.
func DropNames(names ...string) EventStep {
	set := stringSet(names)
	return EventStep{
		Name: "drop",
		Fn: func(_ context.Context, e *batch.Event) (Verdict, error) {
			if _, ok := set[e.Data.EventName]; ok {
				return Drop, nil
			}
			return Keep, nil
		},
	}
}

// RequireAttribute keeps only events whose custom attribute key equals value.
func RequireAttribute(key, value string) EventStep {
	return EventStep{
		Name: "requireAttribute",
		Fn: func(_ context.Context, e *batch.Event) (Verdict, error) {
			got, ok := e.Data.CustomAttributes[key].(string)
			if !ok || got != value {
				return Drop, nil
			}
			return Keep, nil
		},
	}
}

// NormalizeUserAttribute rewrites user_attributes[attr] to canonical when it
// matches one of variants, ignoring case.
func NormalizeUserAttribute(attr string, variants []string, canonical string) BatchStep {
	lowered := make([]string, len(variants))
	for i, v := range variants {
		lowered[i] = strings.ToLower(v)
	}
	return BatchStep{
		Name: "normalize",
		Fn: func(_ context.Context, b *batch.Batch) (Verdict, error) {
			raw, ok := b.UserAttributes[attr]
			if !ok || raw == nil {
				return Keep, nil
			}
			s, ok := raw.(string)
			if !ok {
				return Keep, fmt.Errorf("user attribute %q is %T, not a string", attr, raw)
			}
			if s == "" {
				return Keep, nil
			}
			current := strings.ToLower(s)
			for _, v := range lowered {
				if current == v {
					b.UserAttributes[attr] = canonical
					break
				}
			}
			return Keep, nil
		},
	}
}

// RequirePlatform drops the whole batch when device_info is present and its
// platform differs from platform. A device_info without a platform counts as
// a mismatch.
func RequirePlatform(platform string) BatchStep {
	return BatchStep{
		Name: "requirePlatform",
		Fn: func(_ context.Context, b *batch.Batch) (Verdict, error) {
			if b.DeviceInfo == nil {
				return Keep, nil
			}
			if got, _ := b.DeviceInfo["platform"].(string); got != platform {
				return Drop, nil
			}
			return Keep, nil
		},
	}
}

// EventPredicate reports whether an event should be removed.
type EventPredicate func(e *batch.Event) (bool, error)

// NameIn matches events whose name is one of names.
func NameIn(names ...string) EventPredicate {
	set := stringSet(names)
	return func(e *batch.Event) (bool, error) {
		_, ok := set[e.Data.EventName]
		return ok, nil
	}
}

// FilterEvents removes matching events as a single batch-level operation.
// Unlike event steps, an error from pred or an unusable event fails the
// whole batch and leaves b.Events untouched.
func FilterEvents(name string, pred EventPredicate) BatchStep {
	return BatchStep{
		Name: name,
		Fn: func(_ context.Context, b *batch.Batch) (Verdict, error) {
			kept := make([]*batch.Event, 0, len(b.Events))
			for i, e := range b.Events {
				if err := e.Err(); err != nil {
					return Keep, fmt.Errorf("event %d: %w", i, err)
				}
				drop, err := pred(e)
				if err != nil {
					return Keep, fmt.Errorf("event %d: %w", i, err)
				}
				if !drop {
					kept = append(kept, e)
				}
			}
			b.Events = kept
			return Keep, nil
		},
	}
}

// toFloat converts a decoded JSON value to a number. present is false for
// values that carry no number at all (nil, empty string).
func toFloat(v any) (n float64, present bool, err error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return t, true, nil
	case float32:
		return float64(t), true, nil
	case int:
		return float64(t), true, nil
	case int64:
		return float64(t), true, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false, err
		}
		return f, true, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("value %q is not numeric", t)
		}
		return f, true, nil
	default:
		return 0, false, fmt.Errorf("value of type %T is not numeric", v)
	}
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

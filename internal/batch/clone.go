package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Clone returns a deep copy of the batch. The copy shares no maps, slices or
// events with the receiver.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := &Batch{
		UserAttributes: copyMap(b.UserAttributes),
		DeviceInfo:     copyMap(b.DeviceInfo),
		Error:          b.Error,
		Extra:          copyRaw(b.Extra),
	}
	if b.Events != nil {
		out.Events = make([]*Event, len(b.Events))
		for i, e := range b.Events {
			out.Events[i] = e.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	return &Event{
		Data: EventData{
			EventName:        e.Data.EventName,
			CustomAttributes: copyMap(e.Data.CustomAttributes),
			Extra:            copyRaw(e.Data.Extra),
			hasName:          e.Data.hasName,
		},
		Extra:   copyRaw(e.Extra),
		raw:     bytes.Clone(e.raw),
		invalid: e.invalid,
		noData:  e.noData,
	}
}

// Map returns a generic view of the event suitable for expression
// evaluation. Numbers are float64, as produced by encoding/json.
func (e *Event) Map() (map[string]any, error) {
	return toMap(e)
}

// Map returns a generic view of the whole batch.
func (b *Batch) Map() (map[string]any, error) {
	return toMap(b)
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal view: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal view: %w", err)
	}
	return m, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

func copyRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

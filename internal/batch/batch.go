package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Batch is a set of analytics events delivered to a rule in one invocation.
// Members the rule engine does not model are kept in Extra and written back
// unchanged on Encode.
type Batch struct {
	Events         []*Event
	UserAttributes map[string]any
	DeviceInfo     map[string]any
	// Error carries a troubleshooting message. Empty in normal operation.
	Error string

	Extra map[string]json.RawMessage
}

// Event is one record inside a batch.
//
// An entry that could not be decoded is still kept in its batch: it encodes
// back to its original bytes and Err reports why it is unusable.
type Event struct {
	Data  EventData
	Extra map[string]json.RawMessage

	raw     json.RawMessage
	invalid error
	noData  bool
}

// EventData is the payload of an event.
type EventData struct {
	EventName        string
	CustomAttributes map[string]any
	Extra            map[string]json.RawMessage

	hasName bool
}

// Reasons an event cannot be processed.
var (
	ErrNullEvent = errors.New("event is null")
	ErrNoData    = errors.New("event has no data")
)

var errNotObject = errors.New("expected a JSON object")

// Err returns nil for a usable event. Otherwise it reports a null entry, an
// entry that failed to decode or an event without a data object.
func (e *Event) Err() error {
	switch {
	case e == nil:
		return ErrNullEvent
	case e.invalid != nil:
		return fmt.Errorf("invalid event: %w", e.invalid)
	case e.noData && e.Data.isZero():
		return ErrNoData
	}
	return nil
}

func (d *EventData) isZero() bool {
	return d.EventName == "" && d.CustomAttributes == nil && d.Extra == nil
}

// Decode parses a JSON batch. A missing events member yields an empty batch.
func Decode(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &b, nil
}

// Encode serializes the batch back to JSON.
func (b *Batch) Encode() ([]byte, error) {
	out, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return out, nil
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Events)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Batch) UnmarshalJSON(data []byte) error {
	fields, err := splitObject(data)
	if err != nil {
		return err
	}

	*b = Batch{Events: []*Event{}}
	if raw, ok := take(fields, "events"); ok && !isNull(raw) {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("events: %w", err)
		}
		b.Events = make([]*Event, 0, len(entries))
		for _, entry := range entries {
			b.Events = append(b.Events, decodeEvent(entry))
		}
	}
	if raw, ok := take(fields, "user_attributes"); ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &b.UserAttributes); err != nil {
			return fmt.Errorf("user_attributes: %w", err)
		}
	}
	if raw, ok := take(fields, "device_info"); ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &b.DeviceInfo); err != nil {
			return fmt.Errorf("device_info: %w", err)
		}
	}
	if raw, ok := take(fields, "error"); ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &b.Error); err != nil {
			return fmt.Errorf("error: %w", err)
		}
	}
	if len(fields) > 0 {
		b.Extra = fields
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (b Batch) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Extra)+4)
	for k, v := range b.Extra {
		out[k] = v
	}
	events := b.Events
	if events == nil {
		events = []*Event{}
	}
	out["events"] = events
	if b.UserAttributes != nil {
		out["user_attributes"] = b.UserAttributes
	}
	if b.DeviceInfo != nil {
		out["device_info"] = b.DeviceInfo
	}
	if b.Error != "" {
		out["error"] = b.Error
	}
	return json.Marshal(out)
}

// decodeEvent decodes one entry of the events array. A null entry yields a
// nil event and an undecodable one an invalid event holding the raw bytes.
func decodeEvent(entry json.RawMessage) *Event {
	if isNull(entry) {
		return nil
	}
	var e Event
	if err := json.Unmarshal(entry, &e); err != nil {
		return &Event{raw: bytes.Clone(entry), invalid: err}
	}
	return &e
}

// UnmarshalJSON implements json.Unmarshaler. A missing or null data member
// is recorded, not invented.
func (e *Event) UnmarshalJSON(data []byte) error {
	fields, err := splitObject(data)
	if err != nil {
		return err
	}

	*e = Event{}
	raw, ok := take(fields, "data")
	switch {
	case !ok:
		e.noData = true
	case isNull(raw):
		e.noData = true
		fields["data"] = raw
	default:
		if err := json.Unmarshal(raw, &e.Data); err != nil {
			return fmt.Errorf("data: %w", err)
		}
	}
	if len(fields) > 0 {
		e.Extra = fields
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.invalid != nil {
		return e.raw, nil
	}
	out := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		out[k] = v
	}
	if !e.noData || !e.Data.isZero() {
		out["data"] = e.Data
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *EventData) UnmarshalJSON(data []byte) error {
	fields, err := splitObject(data)
	if err != nil {
		return err
	}

	*d = EventData{}
	if raw, ok := take(fields, "event_name"); ok {
		if isNull(raw) {
			fields["event_name"] = raw
		} else {
			if err := json.Unmarshal(raw, &d.EventName); err != nil {
				return fmt.Errorf("event_name: %w", err)
			}
			d.hasName = true
		}
	}
	if raw, ok := take(fields, "custom_attributes"); ok {
		if isNull(raw) {
			fields["custom_attributes"] = raw
		} else if err := json.Unmarshal(raw, &d.CustomAttributes); err != nil {
			return fmt.Errorf("custom_attributes: %w", err)
		}
	}
	if len(fields) > 0 {
		d.Extra = fields
	}
	return nil
}

// MarshalJSON implements json.Marshaler. event_name is written when it was
// decoded or has since been set.
func (d EventData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}
	if d.hasName || d.EventName != "" {
		out["event_name"] = d.EventName
	}
	if d.CustomAttributes != nil {
		out["custom_attributes"] = d.CustomAttributes
	}
	return json.Marshal(out)
}

func splitObject(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func take(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if ok {
		delete(fields, key)
	}
	return raw, ok
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

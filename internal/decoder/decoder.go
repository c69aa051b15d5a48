// Package decoder turns raw push messages into typed events.
//
// A message either decodes into a complete proto.Event or is rejected with an
// error wrapping ErrMalformed (or ErrControlFrame for keepalives). Callers never
// see a partially populated event.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/reviewfeed/pkg/proto"
)

var (
	// ErrMalformed is returned for payloads that cannot become an event
	ErrMalformed = errors.New("malformed event payload")

	// ErrControlFrame is returned for heartbeats and connection notices
	ErrControlFrame = errors.New("control frame")
)

// controlTypes are values of a top-level "type" field that mark keepalive or
// handshake frames rather than events.
var controlTypes = map[string]struct{}{
	"heartbeat": {},
	"ping":      {},
	"connected": {},
}

// Decode parses one raw message into an event.
//
// The kind may be absent (it decodes to ""). The actor may be absent or null
// and its sub-fields default to "". The timestamp is required and must be an
// RFC 3339 string or a number of epoch milliseconds.
func Decode(raw []byte) (proto.Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return proto.Event{}, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return proto.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return proto.Event{}, fmt.Errorf("%w: null message", ErrMalformed)
	}
	return decodeFields(fields)
}

// DecodeArray parses a JSON array of events, as held in the durable slot.
// Entries that fail to decode are skipped and counted in dropped; err is only
// set when the array itself cannot be parsed.
func DecodeArray(raw []byte) (events []proto.Event, dropped int, err error) {
	var items []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(raw), &items); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	events = make([]proto.Event, 0, len(items))
	for _, item := range items {
		event, err := Decode(item)
		if err != nil {
			dropped++
			continue
		}
		events = append(events, event)
	}
	return events, dropped, nil
}

func decodeFields(fields map[string]json.RawMessage) (proto.Event, error) {
	if _, hasKind := fields[proto.FieldKind]; !hasKind {
		if t, ok := fields["type"]; ok {
			var typ string
			if json.Unmarshal(t, &typ) == nil {
				if _, control := controlTypes[typ]; control {
					return proto.Event{}, ErrControlFrame
				}
			}
		}
	}

	var event proto.Event

	kind, err := optionalString(fields[proto.FieldKind])
	if err != nil {
		return proto.Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, proto.FieldKind, err)
	}
	event.Kind = kind

	actor, err := decodeActor(fields[proto.FieldActor])
	if err != nil {
		return proto.Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, proto.FieldActor, err)
	}
	event.Actor = actor

	ts, ok := fields[proto.FieldOccurredAt]
	if !ok {
		return proto.Event{}, fmt.Errorf("%w: missing %s", ErrMalformed, proto.FieldOccurredAt)
	}
	occurredAt, err := decodeTimestamp(ts)
	if err != nil {
		return proto.Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, proto.FieldOccurredAt, err)
	}
	event.OccurredAt = occurredAt

	for k, v := range fields {
		if k == proto.FieldKind || k == proto.FieldActor || k == proto.FieldOccurredAt {
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			return proto.Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, k, err)
		}
		if event.Extra == nil {
			event.Extra = make(map[string]any)
		}
		event.Extra[k] = value
	}

	return event, nil
}

func decodeActor(raw json.RawMessage) (proto.Actor, error) {
	if isNull(raw) {
		return proto.Actor{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return proto.Actor{}, err
	}

	var (
		actor proto.Actor
		err   error
	)
	if actor.Name, err = optionalString(fields["name"]); err != nil {
		return proto.Actor{}, fmt.Errorf("name: %w", err)
	}
	if actor.LastName, err = optionalString(fields["lastName"]); err != nil {
		return proto.Actor{}, fmt.Errorf("lastName: %w", err)
	}
	if actor.Email, err = optionalString(fields["email"]); err != nil {
		return proto.Actor{}, fmt.Errorf("email: %w", err)
	}
	return actor, nil
}

func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, errors.New("null timestamp")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}

	var ms json.Number
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("unsupported timestamp %s", raw)
	}
	n, err := ms.Int64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(n).UTC(), nil
}

// optionalString decodes a string that may be absent or null
func optionalString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

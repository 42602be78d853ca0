package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// jsonEvent is the JSON shape of an Event.
type jsonEvent struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the event as {"kind": ..., "payload": {...}}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("marshal event: empty payload")
	}
	payload, err := PayloadJSON(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEvent{Kind: e.Kind(), Payload: payload})
}

// UnmarshalJSON decodes the {"kind": ..., "payload": {...}} form.
// Kinds outside Kinds decode into Unknown.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw jsonEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	parsed, err := Parse(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// PayloadJSON returns the JSON encoding of the payload alone.
func PayloadJSON(e Event) ([]byte, error) {
	if u, ok := e.Payload.(Unknown); ok {
		if u.Field == 0 && json.Valid(u.Raw) {
			return u.Raw, nil
		}
		return []byte("null"), nil
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	return data, nil
}

// Parse builds an Event from a kind name and its JSON payload. Unknown
// fields in the payload are rejected; unknown kinds are not.
func Parse(kind Kind, payload []byte) (Event, error) {
	if kind == "" {
		return Event{}, fmt.Errorf("parse event: kind is required")
	}

	var p Payload
	switch kind {
	case KindSeedActor:
		var v SeedActor
		if err := decodeStrict(payload, &v); err != nil {
			return Event{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		p = v
	case KindSeedPlayer:
		var v SeedPlayer
		if err := decodeStrict(payload, &v); err != nil {
			return Event{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		p = v
	case KindPlayerPerson:
		var v PlayerPerson
		if err := decodeStrict(payload, &v); err != nil {
			return Event{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		p = v
	case KindPlayerCharacter:
		var v PlayerCharacter
		if err := decodeStrict(payload, &v); err != nil {
			return Event{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		p = v
	case KindPermission:
		var v Permission
		if err := decodeStrict(payload, &v); err != nil {
			return Event{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		p = v
	case KindReset:
		var v Reset
		if err := decodeStrict(payload, &v); err != nil {
			return Event{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		p = v
	default:
		p = Unknown{Name: string(kind), Raw: append([]byte(nil), payload...)}
	}

	return Event{Payload: p}, nil
}

// decodeStrict unmarshals into v, treating an absent payload as {}.
func decodeStrict(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// MarshalAcks encodes append acknowledgements as the JSON array the log
// service returns.
func MarshalAcks(acks []Ack) ([]byte, error) {
	if acks == nil {
		acks = []Ack{}
	}
	return json.Marshal(acks)
}

// UnmarshalAcks decodes an append response body.
func UnmarshalAcks(data []byte) ([]Ack, error) {
	var acks []Ack
	if err := json.Unmarshal(data, &acks); err != nil {
		return nil, fmt.Errorf("unmarshal acks: %w", err)
	}
	return acks, nil
}

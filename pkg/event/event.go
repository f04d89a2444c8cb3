package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Discriminators with reducers in pkg/store. Anything else decodes fine and reduces as a no-op.
const (
	TypeEventLogged = "EVENT_LOGGED"
	TypeNoteCreated = "NOTE_CREATED"
	TypeNoteUpdated = "NOTE_UPDATED"
	TypeNoteDeleted = "NOTE_DELETED"

	// TypeNotesRetained is produced locally after a notes resync. Its payload lists every note id the server still
	// has; notes missing from it are removed.
	TypeNotesRetained = "NOTES_RETAINED"
)

var known = map[string]struct{}{
	TypeEventLogged: {},
	TypeNoteCreated: {},
	TypeNoteUpdated: {},
	TypeNoteDeleted: {},

	TypeNotesRetained: {},
}

// Known reports whether t is a discriminator this client has a reducer for.
func Known(t string) bool {
	_, ok := known[t]
	return ok
}

// Event is one backend-originated state change. It is treated the same whether it came from a snapshot fetch or
// from the push channel. Values are never mutated after decoding.
type Event struct {
	Type string
	// ID is the entity id as text. Numeric ids on the wire are kept in their JSON form, so 1 becomes "1".
	ID string
	// Seq is the backend sequence number, zero when the record carries none.
	Seq     int64
	Payload json.RawMessage
	Raw     json.RawMessage
}

type wireEvent struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an event locally, marshalling payload into its raw form.
func New(typ, id string, seq int64, payload any) (Event, error) {
	e := Event{Type: typ, ID: id, Seq: seq}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		e.Payload = raw
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return Event{}, err
	}
	e.Raw = raw
	return e, nil
}

// Sequenced reports whether the event carries a backend sequence number and can therefore be deduplicated.
func (e Event) Sequenced() bool {
	return e.Seq > 0
}

// Key identifies a sequenced event by discriminator and sequence number.
func (e Event) Key() string {
	return e.Type + "#" + strconv.FormatInt(e.Seq, 10)
}

func (e Event) String() string {
	return e.Type + "(" + e.ID + ")"
}

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	w := wireEvent{Type: e.Type, Seq: e.Seq, Payload: e.Payload}
	if e.ID != "" {
		id, _ := json.Marshal(e.ID)
		w.ID = id
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// Decode parses a single wire record. The record must be a JSON object with a non-empty "type".
func Decode(raw []byte) (Event, error) {
	return decodeRecord(raw, "")
}

func decodeRecord(raw []byte, defaultType string) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, &ProtocolError{Reason: "record is not an object", Index: -1, Err: err}
	}
	id, err := normaliseID(w.ID)
	if err != nil {
		return Event{}, &ProtocolError{Reason: "record has an invalid id", Index: -1, Err: err}
	}
	e := Event{Type: w.Type, ID: id, Seq: w.Seq, Payload: w.Payload, Raw: append(json.RawMessage(nil), raw...)}
	if e.Type == "" {
		if defaultType == "" {
			return Event{}, &ProtocolError{Reason: "record is missing the type discriminator", Index: -1}
		}
		// untyped records are entity snapshots, the whole record is the payload
		e.Type = defaultType
		e.Payload = e.Raw
	}
	return e, nil
}

func normaliseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("id must be a string or number, got %s", raw)
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}

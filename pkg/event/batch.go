package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolError reports a push message or snapshot record that could not be decoded. Index is the position of the
// offending element within its array, or -1 when the whole message is unusable.
type ProtocolError struct {
	Reason string
	Index  int
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.Index >= 0 {
		msg = fmt.Sprintf("%s at element %d", msg, e.Index)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DecodeBatch decodes one push message: a JSON array of wire records. A message that is not an array yields no
// events and a *ProtocolError. Elements that fail to decode are dropped individually; the remaining events are
// returned in array order together with the joined element errors.
func DecodeBatch(data []byte) ([]Event, error) {
	return DecodeRecords(data, "")
}

// DecodeRecords is DecodeBatch for snapshot bodies, where records without a discriminator are given defaultType.
func DecodeRecords(data []byte, defaultType string) ([]Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &ProtocolError{Reason: "message is not a JSON array", Index: -1}
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, &ProtocolError{Reason: "message is not valid JSON", Index: -1, Err: err}
	}

	out := make([]Event, 0, len(elements))
	var errs []error
	for i, element := range elements {
		e, err := decodeRecord(element, defaultType)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				pe.Index = i
			}
			errs = append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errors.Join(errs...)
}

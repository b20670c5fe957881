package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRecord serializes a Record to JSON and writes it to w.
func EncodeRecord(w io.Writer, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return nil
}

// DecodeRecord reads one Record from r. Unknown fields are rejected.
func DecodeRecord(r io.Reader) (*Record, error) {
	var rec Record

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarshalRecord is EncodeRecord into a byte slice without the trailing newline.
func MarshalRecord(rec *Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return b, nil
}

// Validate checks the tagged union is consistent.
func (r *Record) Validate() error {
	switch r.Kind {
	case KindCommand:
		if r.Event != "" {
			return fmt.Errorf("command record carries event type %q", r.Event)
		}
		if _, _, ok := r.Command.Outcomes(); !ok {
			return fmt.Errorf("unknown command type: %q", r.Command)
		}
	case KindEvent:
		if r.Command != "" {
			return fmt.Errorf("event record carries command type %q", r.Command)
		}
		if r.Event == "" {
			return fmt.Errorf("event record missing event type")
		}
	default:
		return fmt.Errorf("invalid record kind: %q", r.Kind)
	}
	return nil
}

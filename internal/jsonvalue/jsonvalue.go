// Package jsonvalue holds the tagged-variant representation the sandbox
// exchanges with scripts: null/bool/number/string/array/object, modeled as
// plain `any` built from nil, bool, float64, string, []any and
// map[string]any — the same shape encoding/json produces when decoding
// into an empty interface. Every host op accepts and returns this shape.
package jsonvalue

import "encoding/json"

// Clone deep-copies a JSON-shaped value. It is implemented as a
// marshal/unmarshal round trip: the value is already constrained to the
// JSON data model, so this is both correct and the simplest possible
// implementation of jsonClone's "structurally equal, independently
// mutable" contract.
func Clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromBytes decodes raw JSON into the tagged-variant shape.
func FromBytes(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToBytes encodes a tagged-variant value back to JSON.
func ToBytes(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

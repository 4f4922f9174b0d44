// Package canonjson renders JSON in a canonical form: object keys sorted,
// no insignificant whitespace. Conveyor stores request inputs in this form
// so that idempotency checks can compare retried payloads byte-for-byte.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize re-encodes raw JSON deterministically. Invalid input returns
// an error; a nil or empty input canonicalizes to "null".
func Canonicalize(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep 1e2 vs 100 distinctions out of float rounding

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonjson: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonjson: trailing data after JSON value")
	}

	// encoding/json writes map keys in sorted order, which is the whole
	// canonical-form guarantee here.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: %w", err)
	}
	return out, nil
}

// Marshal encodes v and canonicalizes the result. A nil v yields "null".
func Marshal(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: %w", err)
	}
	return Canonicalize(raw)
}

// Equal reports whether two raw JSON payloads are equal after
// canonicalization. Undecodable input compares unequal.
func Equal(a, b []byte) bool {
	ca, err := Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

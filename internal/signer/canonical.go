package signer

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical produces the deterministic serialization signatures are computed
// over: JSON with object keys sorted and no insignificant whitespace. Two
// semantically equal payloads must canonicalize to identical bytes, so the
// value is round-tripped through generic maps; encoding/json emits map keys
// in sorted order.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep int64 timestamps exact
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return out, nil
}

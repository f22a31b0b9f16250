// Package canonicaljson produces a deterministic byte encoding of JSON
// values and the SHA-256 content hash derived from it. The Version Manager
// uses this to detect duplicate pipeline content regardless of key order or
// incidental whitespace in the caller's submission.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal re-encodes an arbitrary JSON document into its canonical form:
// object keys sorted lexicographically, no insignificant whitespace, UTF-8
// throughout. It accepts raw JSON bytes rather than a Go value so callers
// working with json.RawMessage (the common case in this codebase) don't pay
// for an extra unmarshal/marshal round trip through a concrete struct.
func Marshal(raw []byte) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 digest of the canonical encoding of raw.
func Hash(raw []byte) ([]byte, error) {
	canon, err := Marshal(raw)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		return encodeObject(buf, t)
	case []interface{}:
		return encodeArray(buf, t)
	default:
		// Strings, json.Number, bool, nil all round-trip deterministically
		// through encoding/json's default Marshal with HTML escaping off.
		var scalar bytes.Buffer
		enc := json.NewEncoder(&scalar)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("canonicaljson: encode scalar: %w", err)
		}
		buf.Write(bytes.TrimRight(scalar.Bytes(), "\n"))
		return nil
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("canonicaljson: encode key: %w", err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

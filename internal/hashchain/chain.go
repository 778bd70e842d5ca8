// Package hashchain provides the canonical encoding and SHA-256 linking
// used by the evidence ledger. Two logically identical events always
// encode to identical bytes, so verification is reproducible
// byte-for-byte on any node.
package hashchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/rotisserie/eris"
)

// ErrMalformedEvent is returned when an event cannot be canonically
// encoded (unsupported types, NaN values, cycles). Such an event is
// never appended un-hashed.
var ErrMalformedEvent = eris.New("hashchain: event cannot be canonically encoded")

// Encode serializes v into canonical bytes: object keys sorted, compact
// separators, no HTML escaping. Field insertion order at the call site
// never changes the output.
func Encode(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Link computes the hash of an event given its canonical bytes. The
// previous hash is part of the event itself, so linking is just a
// digest over the canonical form; the helper exists so callers never
// hash non-canonical bytes by accident.
func Link(canonical []byte) string {
	return Digest(canonical)
}

// normalize reduces v to the JSON data model (maps, slices, strings,
// float64, bool, nil) via a marshal round-trip, surfacing anything
// unencodable as ErrMalformedEvent.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(ErrMalformedEvent, err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, eris.Wrap(ErrMalformedEvent, err.Error())
	}
	return out, nil
}

// writeCanonical emits norm as compact JSON with sorted object keys.
// encoding/json already sorts map keys, but numbers decoded as
// json.Number must round-trip verbatim, so objects are written by hand.
func writeCanonical(buf *bytes.Buffer, norm any) error {
	switch val := norm.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case string:
		return writeString(buf, val)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case nil:
		buf.WriteString("null")
		return nil
	default:
		return eris.Wrapf(ErrMalformedEvent, "unexpected type %T", norm)
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return eris.Wrap(ErrMalformedEvent, err.Error())
	}
	// json.Encoder appends a newline; canonical form has none.
	buf.Truncate(buf.Len() - 1)
	return nil
}

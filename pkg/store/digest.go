package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Digest returns "sha256:<hex>" of the canonical JSON encoding of value.
// Two semantically-equal values (same keys regardless of map ordering,
// same numeric value regardless of int/float representation) always
// produce identical digests — this is the contract every idempotency
// check in the core relies on (spec.md §4.1, DESIGN NOTES §9).
func Digest(value any) (string, error) {
	canon, err := CanonicalJSON(value)
	if err != nil {
		return "", fmt.Errorf("canonicalize for digest: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + fmt.Sprintf("%x", sum), nil
}

// CanonicalJSON renders value as JSON with object keys sorted recursively
// and numbers normalized, so that round-tripping through map[string]any
// (which Go's JSON decoder does for arbitrary documents) never perturbs
// the digest. Never use encoding/json.Marshal directly for anything that
// feeds a digest — plain Marshal preserves neither of those properties.
func CanonicalJSON(value any) ([]byte, error) {
	// Round-trip through the decoder first so structs, maps, and
	// already-decoded documents all normalize into the same generic
	// representation (map[string]any / []any / json.Number).
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return writeCanonicalNumber(buf, v)
	case string:
		enc, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyEnc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unsupported type %T", value)
	}
	return nil
}

// writeCanonicalNumber normalizes a decoded json.Number into a minimal,
// unambiguous textual form: integral values drop any trailing ".0" or
// exponent, and fractional values are re-rendered via strconv's shortest
// round-trippable representation — so "1", "1.0", and "1e0" all canonicalize
// identically.
func writeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical json: invalid number %q: %w", n.String(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical json: non-finite number %q", n.String())
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// Package canonical produces deterministic JSON encodings used for signing and hashing.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// ErrUnsupportedValue indicates that a value cannot be represented canonically.
var ErrUnsupportedValue = errors.New("canonical: unsupported value")

// Marshal encodes v as canonical JSON: object keys sorted bytewise, strings NFC normalized,
// no HTML escaping, no insignificant whitespace. Values that are not plain JSON trees are
// first round-tripped through encoding/json with number preservation.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize converts an arbitrary value into a plain JSON tree (maps, slices, json.Number,
// strings, bools, nil).
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return Decode(raw)
}

// Decode parses JSON while keeping numbers as json.Number.
func Decode(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, val)
	case json.Number:
		buf.WriteString(val.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		// Match encoding/json so values survive a persist/reload cycle byte-for-byte.
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		buf.Write(encoded)
	case []any:
		buf.WriteByte('[')
		for index, element := range val {
			if index > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, element); err != nil {
				return fmt.Errorf("[%d]: %w", index, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for index, key := range keys {
			if index > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, val[key]); err != nil {
				return fmt.Errorf("%q: %w", key, err)
			}
		}
		buf.WriteByte('}')
	default:
		normalized, err := Normalize(val)
		if err != nil {
			return err
		}
		switch normalized.(type) {
		case map[string]any, []any, string, json.Number, bool, nil:
			return encode(buf, normalized)
		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
		}
	}
	return nil
}

func encodeString(buf *bytes.Buffer, value string) error {
	var scratch bytes.Buffer
	encoder := json.NewEncoder(&scratch)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(norm.NFC.String(value)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(scratch.Bytes(), []byte("\n")))
	return nil
}

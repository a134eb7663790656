// Package canon produces the canonical JSON form of report documents and the
// verdict hash derived from it.
//
// Canonical form: non-deterministic fields are dropped at every depth, object
// keys are sorted, collections whose order carries no meaning are sorted by
// their identifying key, numbers are kept exactly as decoded, and no
// insignificant whitespace or HTML escaping is emitted. Strings must be valid
// UTF-8; encoding/json would otherwise replace invalid bytes with U+FFFD and
// two distinct documents could share a hash.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"unicode/utf8"

	"github.com/dshills/adjudicator/internal/schema"
)

// ErrInvalidUTF8 is returned for a document holding a string that is not
// valid UTF-8.
var ErrInvalidUTF8 = errors.New("canon: invalid UTF-8")

// Encode returns the canonical JSON bytes of v.
func Encode(v any) ([]byte, error) {
	if err := checkUTF8(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	return EncodeJSON(raw)
}

// EncodeJSON canonicalizes an existing JSON document.
func EncodeJSON(raw []byte) ([]byte, error) {
	if !utf8.Valid(raw) {
		return nil, ErrInvalidUTF8
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := write(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether a and b have the same canonical form.
func Equal(a, b any) (bool, error) {
	ca, err := Encode(a)
	if err != nil {
		return false, err
	}
	cb, err := Encode(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// checkUTF8 walks every string reachable from v, including map keys.
func checkUTF8(v reflect.Value) error {
	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return fmt.Errorf("%w: %q", ErrInvalidUTF8, v.String())
		}
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			return checkUTF8(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				if err := checkUTF8(v.Field(i)); err != nil {
					return err
				}
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkUTF8(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkUTF8(iter.Key()); err != nil {
				return err
			}
			if err := checkUTF8(iter.Value()); err != nil {
				return err
			}
		}
	}
	return nil
}

func write(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(x.String())
	case string:
		return writeString(buf, x)
	case []any:
		return writeArray(buf, x)
	case map[string]any:
		return writeObject(buf, x)
	default:
		return fmt.Errorf("canon: unexpected %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canon: encode string: %w", err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func writeArray(buf *bytes.Buffer, items []any) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := write(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if schema.IsNonDeterministic(k) {
			continue
		}
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
		v := obj[k]
		if items, ok := v.([]any); ok {
			if sortKey, unordered := schema.UnorderedCollections[k]; unordered {
				if err := writeSorted(buf, items, sortKey); err != nil {
					return err
				}
				continue
			}
		}
		if err := write(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeSorted emits items ordered by their sortKey member, breaking ties on
// the canonical bytes of the whole element.
func writeSorted(buf *bytes.Buffer, items []any, sortKey string) error {
	type entry struct {
		key     string
		encoded []byte
	}
	entries := make([]entry, len(items))
	for i, item := range items {
		var b bytes.Buffer
		if err := write(&b, item); err != nil {
			return err
		}
		entries[i] = entry{key: memberKey(item, sortKey), encoded: b.Bytes()}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return bytes.Compare(entries[i].encoded, entries[j].encoded) < 0
	})
	buf.WriteByte('[')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(e.encoded)
	}
	buf.WriteByte(']')
	return nil
}

func memberKey(item any, key string) string {
	obj, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	switch v := obj[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		var b bytes.Buffer
		if err := write(&b, v); err != nil {
			return ""
		}
		return b.String()
	}
}

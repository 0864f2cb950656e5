// Package row models one exported message record whose field naming is not
// standardised, plus the synonym table used to find logical fields in it.
package row

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Cell is one column of an exported row.
type Cell struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Raw is an exported row. Cells keep the column order of the export because
// structural recovery assigns field names by position.
type Raw []Cell

// New builds a row from alternating key/value arguments.
func New(kv ...any) Raw {
	r := make(Raw, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		r = append(r, Cell{Key: key, Value: kv[i+1]})
	}
	return r
}

// Get returns the value stored under the exact key.
func (r Raw) Get(key string) (any, bool) {
	for _, c := range r {
		if c.Key == key {
			return c.Value, true
		}
	}
	return nil, false
}

// String returns the value under key rendered as a string.
func (r Raw) String(key string) string {
	v, _ := r.Get(key)
	s, _ := Text(v)
	return s
}

// Set replaces the value under key in place or appends a new column.
func (r *Raw) Set(key string, value any) {
	for i := range *r {
		if (*r)[i].Key == key {
			(*r)[i].Value = value
			return
		}
	}
	*r = append(*r, Cell{Key: key, Value: value})
}

// Delete removes the column with the exact key.
func (r *Raw) Delete(key string) {
	out := (*r)[:0]
	for _, c := range *r {
		if c.Key != key {
			out = append(out, c)
		}
	}
	*r = out
}

// Rename moves the value under from to the key to, keeping its column position.
func (r Raw) Rename(from, to string) {
	for i := range r {
		if r[i].Key == from {
			r[i].Key = to
			return
		}
	}
}

// Keys lists column names in order.
func (r Raw) Keys() []string {
	keys := make([]string, len(r))
	for i, c := range r {
		keys[i] = c.Key
	}
	return keys
}

// Clone returns an independent copy of the row.
func (r Raw) Clone() Raw {
	if r == nil {
		return nil
	}
	out := make(Raw, len(r))
	copy(out, r)
	return out
}

// NonEmpty returns the cells whose values are present, in column order.
func (r Raw) NonEmpty() []Cell {
	out := make([]Cell, 0, len(r))
	for _, c := range r {
		if Present(c.Value) {
			out = append(out, c)
		}
	}
	return out
}

// Map flattens the row into a map. Column order is lost.
func (r Raw) Map() map[string]any {
	m := make(map[string]any, len(r))
	for _, c := range r {
		m[c.Key] = c.Value
	}
	return m
}

// Present reports whether a value counts as populated: non-nil and, for
// strings, not blank.
func Present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	default:
		return true
	}
}

// IsScalar reports whether v is one of the value types an export can carry.
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float32, float64, int, int32, int64, uint, uint32, uint64, json.Number:
		return true
	default:
		return false
	}
}

// Text renders scalar values as strings. The bool result is false for values
// that are absent or not scalar.
func Text(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int, int32, int64, uint, uint32, uint64, bool:
		return fmt.Sprint(t), true
	default:
		return "", false
	}
}

// MarshalJSON writes the row as a JSON object preserving column order.
func (r Raw) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(c.Value)
		if err != nil {
			return nil, fmt.Errorf("row: marshal %q: %w", c.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping the key order of the document.
// Numbers are kept as json.Number so integer identifiers survive.
func (r *Raw) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("row: read object: %w", err)
	}
	if tok == nil {
		*r = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("row: expected object, got %v", tok)
	}

	out := Raw{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("row: read key: %w", err)
		}
		key, _ := keyTok.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("row: read value for %q: %w", key, err)
		}
		out = append(out, Cell{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("row: close object: %w", err)
	}
	*r = out
	return nil
}

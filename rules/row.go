package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// DataRow is an ordered mapping from field name to scalar value. Setting an
// existing field keeps its position.
type DataRow struct {
	ID     string
	keys   []string
	values map[string]any
}

// NewDataRow creates an empty row
func NewDataRow(id string) *DataRow {
	return &DataRow{
		ID:     id,
		values: make(map[string]any),
	}
}

// RowFromMap builds a row from m. Maps carry no order, so fields are sorted by name.
func RowFromMap(id string, m map[string]any) *DataRow {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	row := NewDataRow(id)
	for _, k := range keys {
		row.Set(k, m[k])
	}
	return row
}

// Get returns the value of field and whether the field is present. A present
// field may still hold nil.
func (r *DataRow) Get(field string) (any, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Set stores value under field
func (r *DataRow) Set(field string, value any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, exists := r.values[field]; !exists {
		r.keys = append(r.keys, field)
	}
	r.values[field] = value
}

// Fields returns the field names in order
func (r *DataRow) Fields() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields
func (r *DataRow) Len() int {
	return len(r.keys)
}

// Clone returns an independent copy; scalar values need no deep copy
func (r *DataRow) Clone() *DataRow {
	c := &DataRow{
		ID:     r.ID,
		keys:   make([]string, len(r.keys)),
		values: make(map[string]any, len(r.values)),
	}
	copy(c.keys, r.keys)
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// Map returns the fields as a plain map
func (r *DataRow) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for k, v := range r.values {
		m[k] = v
	}
	return m
}

// MarshalJSON writes the fields as an object in row order
func (r *DataRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keeping its key order. Only scalar values
// (string, number, boolean, null) are accepted.
func (r *DataRow) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("data row must be a JSON object")
	}

	r.keys = nil
	r.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v in data row", tok)
		}

		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		if !isScalar(v) {
			return fmt.Errorf("field %q: value must be a string, number, boolean or null", key)
		}
		r.Set(key, v)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

// internal/models/row.go
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Row is one cached record mirroring a line of the remote sheet.
// CreatedAt is the cache write time (insert or upsert refresh), not the
// remote modification time, which is never tracked.
type Row struct {
	ID        int64     `json:"id"`
	Key       *string   `json:"key,omitempty"`
	Data      *RowData  `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// RowData is an ordered mapping of column name to value. Column order is
// preserved through decode/encode so rows can be written back in the order
// the client sent them.
type RowData struct {
	keys   []string
	values map[string]interface{}
}

// NewRowData returns an empty row.
func NewRowData() *RowData {
	return &RowData{values: map[string]interface{}{}}
}

// RowDataFromPairs builds a row from alternating column/value arguments.
// It is mostly useful in tests.
func RowDataFromPairs(pairs ...interface{}) *RowData {
	d := NewRowData()
	for i := 0; i+1 < len(pairs); i += 2 {
		d.Set(fmt.Sprint(pairs[i]), pairs[i+1])
	}
	return d
}

// Get returns the value for a column and whether it is present.
func (d *RowData) Get(column string) (interface{}, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[column]
	return v, ok
}

// Set adds or replaces a column value. New columns are appended.
func (d *RowData) Set(column string, value interface{}) {
	if d.values == nil {
		d.values = map[string]interface{}{}
	}
	if _, exists := d.values[column]; !exists {
		d.keys = append(d.keys, column)
	}
	d.values[column] = value
}

// Keys returns the columns in insertion order.
func (d *RowData) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of columns.
func (d *RowData) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Clone returns a shallow copy.
func (d *RowData) Clone() *RowData {
	out := NewRowData()
	if d == nil {
		return out
	}
	for _, k := range d.keys {
		out.Set(k, d.values[k])
	}
	return out
}

// Project keeps only the listed columns, preserving the row's own order.
// An empty column list returns the row unchanged.
func (d *RowData) Project(columns []string) *RowData {
	if len(columns) == 0 {
		return d
	}
	allowed := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		allowed[c] = struct{}{}
	}
	out := NewRowData()
	for _, k := range d.Keys() {
		if _, ok := allowed[k]; ok {
			out.Set(k, d.values[k])
		}
	}
	return out
}

// KeyValue renders the value of column as the string used for key matching.
// It returns false when the column is absent or null.
func (d *RowData) KeyValue(column string) (string, bool) {
	v, ok := d.Get(column)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// Encode serialises the row as a JSON object without HTML escaping, which is
// the form stored in the cache and matched by substring filters.
func (d *RowData) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONValue(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSONValue(&buf, d.values[k]); err != nil {
			return nil, fmt.Errorf("encode column %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONValue(buf *bytes.Buffer, v interface{}) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encoder terminates every value with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d *RowData) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return d.Encode()
}

// UnmarshalJSON implements json.Unmarshaler. Only JSON objects are accepted;
// numbers are kept as json.Number so they round-trip without float drift.
func (d *RowData) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ErrNotAnObject
	}

	d.keys = nil
	d.values = map[string]interface{}{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decode column %q: %w", key, err)
		}
		d.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// DecodeRowData parses a JSON object into a RowData.
func DecodeRowData(b []byte) (*RowData, error) {
	d := NewRowData()
	if err := d.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return d, nil
}

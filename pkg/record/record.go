// Package record models the dynamic JSON documents returned by GitHub
// collection endpoints and the watermark values extracted from them.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMissingField is returned (wrapped in *FieldError) when a required field
// is absent from a record.
var ErrMissingField = errors.New("missing field")

// FieldError describes a lookup failure on a named record field.
type FieldError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return fmt.Sprintf("record field %q: %v", e.Field, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FieldError) Unwrap() error {
	return e.Err
}

// Record is a single JSON object from a collection page. Keys are dynamic;
// numbers are kept as json.Number so ids survive without float rounding.
type Record map[string]any

// DecodePage decodes a JSON array of objects into records, preserving order.
func DecodePage(data []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var page []Record
	if err := dec.Decode(&page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	for i, r := range page {
		if r == nil {
			return nil, fmt.Errorf("decode page: element %d is not an object", i)
		}
	}
	return page, nil
}

// Field returns the value stored under name. A JSON null counts as present.
func (r Record) Field(name string) (any, error) {
	v, ok := r[name]
	if !ok {
		return nil, &FieldError{Field: name, Err: ErrMissingField}
	}
	return v, nil
}

// Path looks up a dotted path such as "user.login" through nested objects.
func (r Record) Path(path string) (any, error) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(r)

	for i, part := range parts {
		obj, ok := asObject(cur)
		if !ok {
			return nil, &FieldError{
				Field: path,
				Err:   fmt.Errorf("%q is not an object", strings.Join(parts[:i], ".")),
			}
		}
		v, ok := obj[part]
		if !ok {
			return nil, &FieldError{Field: path, Err: ErrMissingField}
		}
		cur = v
	}
	return cur, nil
}

// Project returns a new record holding only the listed fields. Fields the
// record does not carry are skipped. An empty list returns the record as is.
func (r Record) Project(fields []string) Record {
	if len(fields) == 0 {
		return r
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Key builds a deterministic composite key from the given fields, used to
// de-duplicate records on upsert.
func (r Record) Key(fields []string) (string, error) {
	if len(fields) == 0 {
		return "", errors.New("record key: no key fields")
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, err := r.Field(f)
		if err != nil {
			return "", err
		}
		parts = append(parts, FormatValue(v))
	}
	return strings.Join(parts, "\x1f"), nil
}

// KeyValues returns the key fields rendered as strings, in order.
func (r Record) KeyValues(fields []string) ([]string, error) {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		v, err := r.Field(f)
		if err != nil {
			return nil, err
		}
		out = append(out, FormatValue(v))
	}
	return out, nil
}

// Fields returns the record's field names in sorted order.
func (r Record) Fields() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FormatValue renders a scalar JSON value as a string. Objects and arrays are
// rendered as compact JSON.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return json.Number(fmt.Sprintf("%v", t)).String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Record:
		return t, true
	default:
		return nil, false
	}
}

package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies how watermark values are parsed and compared.
type Kind string

const (
	// KindTime compares RFC 3339 timestamps such as created_at/updated_at.
	KindTime Kind = "time"

	// KindNumber compares monotonic integer ids.
	KindNumber Kind = "number"
)

// ErrInvalidWatermark is returned when a value cannot be read as a watermark.
var ErrInvalidWatermark = errors.New("invalid watermark")

// ParseKind validates a kind name. An empty name defaults to KindTime.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindTime:
		return KindTime, nil
	case KindNumber:
		return KindNumber, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidWatermark, s)
	}
}

// Watermark is a single comparable position in a newest-first collection.
// The zero value means "absent": no prior run, fetch everything.
type Watermark struct {
	kind Kind
	t    time.Time
	n    int64
}

// TimeWatermark returns a time watermark. Times are normalised to UTC.
func TimeWatermark(t time.Time) Watermark {
	return Watermark{kind: KindTime, t: t.UTC()}
}

// NumberWatermark returns a numeric watermark.
func NumberWatermark(n int64) Watermark {
	return Watermark{kind: KindNumber, n: n}
}

// ParseWatermark reads a decoded JSON value as a watermark of the given kind.
// Unlike ParseWatermarkString, blank strings are rejected: a record always
// carries a watermark.
func ParseWatermark(kind Kind, v any) (Watermark, error) {
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return Watermark{}, fmt.Errorf("%w: empty value", ErrInvalidWatermark)
	}
	switch kind {
	case KindTime, "":
		s, ok := v.(string)
		if !ok {
			return Watermark{}, fmt.Errorf("%w: want RFC 3339 string, got %T", ErrInvalidWatermark, v)
		}
		return ParseWatermarkString(KindTime, s)
	case KindNumber:
		switch t := v.(type) {
		case json.Number:
			return ParseWatermarkString(KindNumber, t.String())
		case float64:
			return NumberWatermark(int64(t)), nil
		case int64:
			return NumberWatermark(t), nil
		case int:
			return NumberWatermark(int64(t)), nil
		case string:
			return ParseWatermarkString(KindNumber, t)
		default:
			return Watermark{}, fmt.Errorf("%w: want number, got %T", ErrInvalidWatermark, v)
		}
	default:
		return Watermark{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidWatermark, kind)
	}
}

// ParseWatermarkString parses the String form of a watermark. An empty string
// yields the absent watermark.
func ParseWatermarkString(kind Kind, s string) (Watermark, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Watermark{}, nil
	}
	switch kind {
	case KindTime, "":
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Watermark{}, fmt.Errorf("%w: %v", ErrInvalidWatermark, err)
		}
		return TimeWatermark(t), nil
	case KindNumber:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Watermark{}, fmt.Errorf("%w: %v", ErrInvalidWatermark, err)
		}
		return NumberWatermark(n), nil
	default:
		return Watermark{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidWatermark, kind)
	}
}

// IsZero reports whether the watermark is absent.
func (w Watermark) IsZero() bool {
	return w.kind == ""
}

// Kind returns the watermark kind, empty when absent.
func (w Watermark) Kind() Kind {
	return w.kind
}

// Time returns the timestamp of a time watermark.
func (w Watermark) Time() time.Time {
	return w.t
}

// Number returns the value of a numeric watermark.
func (w Watermark) Number() int64 {
	return w.n
}

// Compare returns -1, 0 or +1. An absent watermark sorts before everything.
// Comparing watermarks of different kinds panics; callers configure one kind
// per resource.
func (w Watermark) Compare(o Watermark) int {
	switch {
	case w.IsZero() && o.IsZero():
		return 0
	case w.IsZero():
		return -1
	case o.IsZero():
		return 1
	}
	if w.kind != o.kind {
		panic(fmt.Sprintf("record: comparing %s watermark with %s watermark", w.kind, o.kind))
	}
	if w.kind == KindNumber {
		switch {
		case w.n < o.n:
			return -1
		case w.n > o.n:
			return 1
		}
		return 0
	}
	return w.t.Compare(o.t)
}

// Before reports whether w is strictly older than o.
func (w Watermark) Before(o Watermark) bool {
	return w.Compare(o) < 0
}

// After reports whether w is strictly newer than o.
func (w Watermark) After(o Watermark) bool {
	return w.Compare(o) > 0
}

// String returns the form accepted by ParseWatermarkString and by GitHub's
// since parameter.
func (w Watermark) String() string {
	switch w.kind {
	case KindTime:
		return w.t.Format(time.RFC3339Nano)
	case KindNumber:
		return strconv.FormatInt(w.n, 10)
	default:
		return ""
	}
}

type watermarkJSON struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// MarshalJSON encodes the watermark together with its kind.
func (w Watermark) MarshalJSON() ([]byte, error) {
	if w.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(watermarkJSON{Kind: w.kind, Value: w.String()})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (w *Watermark) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*w = Watermark{}
		return nil
	}
	var raw watermarkJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWatermark, err)
	}
	parsed, err := ParseWatermarkString(raw.Kind, raw.Value)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Watermark extracts the watermark stored in field. A missing field returns
// a *FieldError wrapping ErrMissingField; an unreadable value one wrapping
// ErrInvalidWatermark.
func (r Record) Watermark(field string, kind Kind) (Watermark, error) {
	v, err := r.Path(field)
	if err != nil {
		return Watermark{}, err
	}
	if v == nil {
		return Watermark{}, &FieldError{Field: field, Err: ErrMissingField}
	}
	wm, err := ParseWatermark(kind, v)
	if err != nil {
		return Watermark{}, &FieldError{Field: field, Err: err}
	}
	return wm, nil
}

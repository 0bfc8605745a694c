package record

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodePage(t *testing.T) {
	page, err := DecodePage([]byte(`[{"id": 9007199254740993, "type": "PushEvent"}, {"id": 2}]`))
	if err != nil {
		t.Fatalf("DecodePage() error = %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	// Large ids must survive without float rounding.
	if got := FormatValue(page[0]["id"]); got != "9007199254740993" {
		t.Errorf("id = %s, want 9007199254740993", got)
	}
}

func TestDecodePage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `<html>`},
		{name: "object instead of array", data: `{"message": "Not Found"}`},
		{name: "null element", data: `[{"id": 1}, null]`},
		{name: "scalar element", data: `[1, 2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePage([]byte(tt.data)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestRecord_Field(t *testing.T) {
	r := Record{"id": json.Number("1"), "body": nil}

	if _, err := r.Field("body"); err != nil {
		t.Errorf("null field should be present, got %v", err)
	}

	_, err := r.Field("title")
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("Field(title) error = %v, want ErrMissingField", err)
	}
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Field != "title" {
		t.Errorf("expected *FieldError for title, got %#v", err)
	}
}

func TestRecord_Path(t *testing.T) {
	r := Record{
		"user":  map[string]any{"login": "octocat"},
		"title": "bug",
	}

	v, err := r.Path("user.login")
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if v != "octocat" {
		t.Errorf("Path(user.login) = %v, want octocat", v)
	}

	if _, err := r.Path("user.id"); !errors.Is(err, ErrMissingField) {
		t.Errorf("Path(user.id) error = %v, want ErrMissingField", err)
	}
	if _, err := r.Path("title.length"); err == nil {
		t.Error("Path through a scalar should fail")
	}
}

func TestRecord_Project(t *testing.T) {
	r := Record{"id": json.Number("1"), "url": "u", "title": "t", "body": "b"}

	got := r.Project([]string{"id", "title", "missing"})
	if len(got) != 2 {
		t.Fatalf("len(Project) = %d, want 2", len(got))
	}
	if got["title"] != "t" {
		t.Errorf("title = %v, want t", got["title"])
	}
	if _, ok := got["missing"]; ok {
		t.Error("missing fields must not be added")
	}

	if all := r.Project(nil); len(all) != len(r) {
		t.Error("empty projection should keep every field")
	}
}

func TestRecord_Key(t *testing.T) {
	a := Record{"repo": "dlt", "number": json.Number("42")}
	b := Record{"repo": "dlt", "number": json.Number("42"), "extra": true}
	c := Record{"repo": "dlt", "number": json.Number("43")}

	ka, err := a.Key([]string{"repo", "number"})
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	kb, _ := b.Key([]string{"repo", "number"})
	kc, _ := c.Key([]string{"repo", "number"})

	if ka != kb {
		t.Errorf("keys differ for same key fields: %q vs %q", ka, kb)
	}
	if ka == kc {
		t.Error("keys equal for different key values")
	}

	if _, err := a.Key([]string{"id"}); !errors.Is(err, ErrMissingField) {
		t.Errorf("Key(id) error = %v, want ErrMissingField", err)
	}
	if _, err := a.Key(nil); err == nil {
		t.Error("Key(nil) should fail")
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{json.Number("12"), "12"},
		{true, "true"},
		{float64(3), "3"},
		{map[string]any{"a": json.Number("1")}, `{"a":1}`},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecord_Watermark(t *testing.T) {
	r := Record{
		"created_at": "2024-03-01T10:00:00Z",
		"id":         json.Number("1234"),
		"closed_at":  nil,
		"title":      "t",
		"pushed_at":  "",
	}

	wm, err := r.Watermark("created_at", KindTime)
	if err != nil {
		t.Fatalf("Watermark(created_at) error = %v", err)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !wm.Time().Equal(want) {
		t.Errorf("Watermark time = %v, want %v", wm.Time(), want)
	}

	id, err := r.Watermark("id", KindNumber)
	if err != nil {
		t.Fatalf("Watermark(id) error = %v", err)
	}
	if id.Number() != 1234 {
		t.Errorf("Watermark number = %d, want 1234", id.Number())
	}

	if _, err := r.Watermark("updated_at", KindTime); !errors.Is(err, ErrMissingField) {
		t.Errorf("missing field error = %v, want ErrMissingField", err)
	}
	if _, err := r.Watermark("closed_at", KindTime); !errors.Is(err, ErrMissingField) {
		t.Errorf("null field error = %v, want ErrMissingField", err)
	}
	if _, err := r.Watermark("title", KindTime); !errors.Is(err, ErrInvalidWatermark) {
		t.Errorf("unparsable field error = %v, want ErrInvalidWatermark", err)
	}
	_, err = r.Watermark("pushed_at", KindTime)
	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) || !errors.Is(err, ErrInvalidWatermark) {
		t.Errorf("empty field error = %v, want *FieldError wrapping ErrInvalidWatermark", err)
	}
}

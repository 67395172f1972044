package codec

import (
	"testing"
	"time"
)

func TestAnnotateDeannotateRoundTrip(t *testing.T) {
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	input := map[string]interface{}{
		"date":    when,
		"dateStr": "2024-01-02T03:04:05.000Z",
		"name":    "hello",
		"count":   float64(3),
		"ok":      true,
		"nothing": nil,
		"items":   []interface{}{when, "x"},
	}

	serialized, err := Serialize(input)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	out, err := Deserialize(serialized)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}

	gotDate, ok := m["date"].(time.Time)
	if !ok {
		t.Fatalf("expected date to round-trip as time.Time, got %T", m["date"])
	}
	if !gotDate.Equal(when) {
		t.Errorf("date mismatch: got %v want %v", gotDate, when)
	}

	if _, ok := m["dateStr"].(string); !ok {
		t.Errorf("expected dateStr to remain a string, got %T", m["dateStr"])
	}
	if m["dateStr"] != "2024-01-02T03:04:05.000Z" {
		t.Errorf("dateStr mutated: %v", m["dateStr"])
	}

	items, ok := m["items"].([]interface{})
	if !ok || len(items) != 2 {
		t.Fatalf("expected items slice of 2, got %#v", m["items"])
	}
	if _, ok := items[0].(time.Time); !ok {
		t.Errorf("expected items[0] to round-trip as time.Time, got %T", items[0])
	}
	if items[1] != "x" {
		t.Errorf("items[1] mutated: %v", items[1])
	}
}

func TestDeannotateIgnoresLiteralSuffixThatDoesNotParse(t *testing.T) {
	got := Deannotate("not-a-date@@@D")
	if got != "not-a-date@@@D" {
		t.Errorf("expected literal passthrough, got %#v", got)
	}
}

func TestAnnotatePassesScalarsThrough(t *testing.T) {
	for _, v := range []interface{}{"hi", 3.0, true, nil} {
		if got := Annotate(v); got != v {
			t.Errorf("Annotate(%#v) = %#v, want unchanged", v, got)
		}
	}
}

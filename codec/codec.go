// Package codec implements the value annotation codec: it rewrites values so
// that, after a JSON round-trip, exact timestamps are recovered while
// strings that merely look like ISO-8601 timestamps stay strings.
//
// JSON has no native timestamp type. Naively marshaling a time.Time loses
// nothing by itself, but naively unmarshaling a string back into time.Time
// requires knowing, out of band, which fields were dates — information a
// generic payload (map[string]interface{}) doesn't carry. Annotate/Deannotate
// sidestep that without hijacking strings that merely resemble timestamps,
// which matters because the signer hashes the marshaled payload and a lossy
// round-trip would make signatures unverifiable.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// dateSuffix marks an annotated timestamp string: "<ISO-8601>@@@D".
const dateSuffix = "@@@D"

// Annotate walks v recursively and rewrites every time.Time it finds into a
// string of the form "<ISO-8601>@@@D". Arrays and mappings are transformed
// recursively; all other scalars (including strings) pass through unchanged.
func Annotate(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano) + dateSuffix
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = Annotate(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = Annotate(child)
		}
		return out
	default:
		return v
	}
}

// Deannotate walks v recursively and reverses Annotate: only strings
// matching the exact suffix pattern "^(.+)@@@D$", whose prefix parses as an
// RFC3339 timestamp, become time.Time. Every other value, including strings
// that merely end in the same suffix by coincidence but don't parse, passes
// through unchanged.
func Deannotate(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if prefix, ok := strings.CutSuffix(val, dateSuffix); ok && prefix != "" {
			if t, err := time.Parse(time.RFC3339Nano, prefix); err == nil {
				return t
			}
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = Deannotate(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = Deannotate(child)
		}
		return out
	default:
		return v
	}
}

// Serialize annotates v and marshals the result to JSON text.
func Serialize(v interface{}) (string, error) {
	b, err := json.Marshal(Annotate(v))
	if err != nil {
		return "", fmt.Errorf("codec: serialize: %w", err)
	}
	return string(b), nil
}

// Deserialize unmarshals JSON text into a generic value tree and reverses
// the annotation.
func Deserialize(s string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("codec: deserialize: %w", err)
	}
	return Deannotate(v), nil
}

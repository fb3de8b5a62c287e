package askdb

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestConvertValue(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	uuid := [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}

	tests := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{"nil", nil, nil},
		{"string", "Ana", "Ana"},
		{"int", int64(7), int64(7)},
		{"bool", true, true},
		{"float", 3.5, 3.5},
		{"float32", float32(2), 2.0},
		{"nan", math.NaN(), "NaN"},
		{"positive inf", math.Inf(1), "Infinity"},
		{"negative inf", math.Inf(-1), "-Infinity"},
		{"timestamp", ts, "2026-03-14T09:26:53Z"},
		{"uuid", uuid, "01020304-0506-0708-090a-0b0c0d0e0f10"},
		{"bytea", []byte{0xde, 0xad}, "3q0="},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := convertValue(tc.in); got != tc.want {
				t.Errorf("convertValue(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestConvertValue_Nested(t *testing.T) {
	t.Parallel()

	in := map[string]interface{}{
		"scores": []interface{}{math.NaN(), 1.5},
		"meta":   map[string]interface{}{"raw": []byte{0xff}},
	}
	got := convertValue(in).(map[string]interface{})

	scores := got["scores"].([]interface{})
	if scores[0] != "NaN" || scores[1] != 1.5 {
		t.Errorf("nested slice not converted: %v", scores)
	}
	meta := got["meta"].(map[string]interface{})
	if meta["raw"] != "/w==" {
		t.Errorf("nested map not converted: %v", meta)
	}
}

func TestConvertValue_ResultIsJSONSerializable(t *testing.T) {
	t.Parallel()

	row := map[string]interface{}{
		"name":       "Ana",
		"enrolled":   time.Now(),
		"attendance": math.NaN(),
		"photo":      []byte{0x01, 0x02},
	}
	converted := convertValue(row)
	if _, err := json.Marshal(converted); err != nil {
		t.Fatalf("converted row must serialize to JSON: %v", err)
	}
}

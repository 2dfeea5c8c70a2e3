package domain

import "testing"

func TestRawPayload_Float64_CoercesSupportedTypes(t *testing.T) {
	p := RawPayload{
		"f": 1.5,
		"i": 2,
		"i64": int64(3),
		"s":   "4.25",
		"bad": "not-a-number",
		"obj": map[string]any{},
	}

	cases := []struct {
		key  string
		want float64
		ok   bool
	}{
		{"f", 1.5, true},
		{"i", 2, true},
		{"i64", 3, true},
		{"s", 4.25, true},
		{"bad", 0, false},
		{"obj", 0, false},
		{"missing", 0, false},
	}
	for _, c := range cases {
		got, ok := p.Float64(c.key)
		if ok != c.ok || got != c.want {
			t.Errorf("Float64(%q) = (%v, %v), want (%v, %v)", c.key, got, ok, c.want, c.ok)
		}
	}
}

func TestRawPayload_Float64_NilMapIsSafe(t *testing.T) {
	var p RawPayload
	if _, ok := p.Float64("anything"); ok {
		t.Error("expected false for a nil payload")
	}
}

func TestFieldValue_ValueFieldReadsReadingNotPayload(t *testing.T) {
	r := &SensorReading{Value: 7.2, RawData: RawPayload{"value": 99.0}}
	if got := FieldValue(r, "value"); got != 7.2 {
		t.Errorf("FieldValue(value) = %v, want 7.2", got)
	}
	if got := FieldValue(r, ""); got != 7.2 {
		t.Errorf("FieldValue(\"\") = %v, want 7.2", got)
	}
}

func TestFieldValue_OtherFieldsReadFromRawPayload(t *testing.T) {
	r := &SensorReading{Value: 7.2, RawData: RawPayload{"delta": 3.5}}
	if got := FieldValue(r, "delta"); got != 3.5 {
		t.Errorf("FieldValue(delta) = %v, want 3.5", got)
	}
}

func TestFieldValue_MissingFieldFallsBackToZero(t *testing.T) {
	r := &SensorReading{Value: 7.2, RawData: RawPayload{}}
	if got := FieldValue(r, "nonexistent"); got != 0 {
		t.Errorf("FieldValue(nonexistent) = %v, want 0", got)
	}
}

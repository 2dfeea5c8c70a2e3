package domain

import "strconv"

// RawPayload is the free-form, sum-typed body carried alongside a
// reading's primary value (spec.md §9 "dynamic-typed raw payload").
// rate-of-change and delta predicates read named fields out of it.
type RawPayload map[string]any

// Float64 returns the named field coerced to float64, and false if the
// key is absent or not numeric. Accepts json.Number-shaped floats,
// ints, and numeric strings, matching the tolerance the rule engine and
// anomaly detector need when reading device-supplied raw_data.
func (p RawPayload) Float64(key string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// FieldValue resolves a field by name for predicate evaluation: "value"
// is special-cased to the reading's primary value, everything else
// comes from raw payload, falling back to 0 when absent or non-numeric
// per spec.md §4.D.
func FieldValue(reading *SensorReading, field string) float64 {
	if field == "" || field == "value" {
		return reading.Value
	}
	f, _ := reading.RawData.Float64(field)
	return f
}

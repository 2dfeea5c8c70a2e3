package domain

import "time"

// SensorReading is an immutable observation. Once committed it is never
// mutated; downstream ordering must use Timestamp (the payload's own
// clock), not CreatedAt (arrival order) — spec.md §5 ordering guarantee.
type SensorReading struct {
	ID           string
	SensorID     string
	Timestamp    time.Time
	Value        float64
	Unit         string
	RawData      RawPayload
	QualityScore float64
	IsAnomaly    bool
	AnomalyScore float64
	CreatedAt    time.Time
}

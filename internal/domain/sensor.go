// Package domain holds the data model shared by every package in the
// ingestion core: sensors, readings, credentials, alerts, rules, audit
// entries, and protocol policies.
package domain

import "time"

// Status is the lifecycle state of a Sensor.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
	StatusFaulty      Status = "faulty"
)

// Protocol identifies a transport a sensor may report over.
type Protocol string

const (
	ProtocolMQTT    Protocol = "mqtt"
	ProtocolHTTP    Protocol = "http"
	ProtocolHTTPS   Protocol = "https"
	ProtocolTCP     Protocol = "tcp"
	ProtocolLoRaWAN Protocol = "lorawan"
	ProtocolNBIoT   Protocol = "nbiot"
	ProtocolGSM     Protocol = "gsm"
)

// ThresholdConfig carries the per-sensor-kind tunables the anomaly
// detector and rule engine consult. The schema is intentionally loose
// (spec.md §9 open question 3 leaves it unformalized) — only the fields
// this core actually reads are named; anything else rides in Extra.
type ThresholdConfig struct {
	MaxRateOfChange float64        `json:"max_rate_of_change"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// SensorKind describes a class of device: its unit, thresholds, and
// minimum supported firmware.
type SensorKind struct {
	Code            string          `json:"code"`
	Unit            string          `json:"unit"`
	Thresholds      ThresholdConfig `json:"thresholds"`
	MinFirmware     string          `json:"min_firmware,omitempty"`
	RateLimitPerMin int             `json:"rate_limit_per_min,omitempty"`
}

// Sensor identifies a physical device. DeviceID is the external,
// topic/SMS-visible identifier; ID is the internal surrogate key.
type Sensor struct {
	ID                string
	DeviceID          string
	Kind              SensorKind
	MunicipalityID    string
	PipelineID        *string
	Location          *Location
	Protocol          Protocol
	FirmwareVersion   string
	BatteryPercent    *int
	SignalStrength    *int
	SamplingIntervalS int
	LastReadingAt     *time.Time
	Status            Status
}

// Location is a point on the map; kept loose because geospatial
// analytics is an external collaborator (spec.md §1 out of scope).
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsActive reports whether the sensor currently accepts readings.
func (s *Sensor) IsActive() bool {
	return s.Status == StatusActive
}

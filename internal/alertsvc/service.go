// Package alertsvc implements the alert factory and process-local
// cooldown map (spec.md §4.E).
package alertsvc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

const defaultCooldownSecs = 300

// Service builds Alert values from anomalies or matched rules and
// enforces per-(sensor, alert-kind) cooldown. The cooldown map is
// process-local (spec.md §5 — multi-process deployments accept drift
// as a best-effort dedup, not a correctness invariant).
type Service struct {
	mu     sync.Mutex
	nextOK map[string]time.Time
	now    func() time.Time
}

func New() *Service {
	return &Service{nextOK: make(map[string]time.Time), now: time.Now}
}

// cooldownKey matches the glossary's (municipality_id, sensor_id,
// alert_kind_or_rule_id) tuple.
func cooldownKey(municipalityID, sensorID, discriminator string) string {
	return municipalityID + "|" + sensorID + "|" + discriminator
}

// FromAnomaly builds an alert from an anomaly detector verdict,
// determining kind from the sensor kind code and severity from the
// score thresholds in spec.md §4.E. Returns (nil, nil) when the
// cooldown window for (sensor, alert_kind) hasn't elapsed — no alert,
// not an error.
func (s *Service) FromAnomaly(sensor *domain.Sensor, reading *domain.SensorReading, score float64) (*domain.Alert, error) {
	kind := anomalyKind(sensor.Kind.Code)
	key := cooldownKey(sensor.MunicipalityID, sensor.ID, string(kind))
	if !s.allow(key, defaultCooldownSecs) {
		return nil, nil
	}

	sensorID := sensor.ID
	a := &domain.Alert{
		MunicipalityID: sensor.MunicipalityID,
		SensorID:       &sensorID,
		PipelineID:     sensor.PipelineID,
		Kind:           kind,
		Severity:       severityFromScore(score),
		Status:         domain.AlertOpen,
		Title:          fmt.Sprintf("%s detected on %s", kind, sensor.DeviceID),
		Description:    fmt.Sprintf("anomaly score %.2f on reading value %.4f %s", score, reading.Value, reading.Unit),
		Location:       sensor.Location,
		TriggerValue:   reading.Value,
		ThresholdSnap:  map[string]any{"anomaly_score": score},
		Metadata:       map[string]any{"source": "anomaly_detector"},
		CreatedAt:      s.now(),
	}
	return a, nil
}

// FromRule builds an alert from a matched DynamicRule, taking
// kind/severity/template from the rule and cooldown keyed on
// "rule:"+rule.ID.
func (s *Service) FromRule(sensor *domain.Sensor, reading *domain.SensorReading, rule domain.DynamicRule) (*domain.Alert, error) {
	cooldown := rule.CooldownSecs
	if cooldown <= 0 {
		cooldown = defaultCooldownSecs
	}
	key := cooldownKey(sensor.MunicipalityID, sensor.ID, "rule:"+rule.ID)
	if !s.allow(key, cooldown) {
		return nil, nil
	}

	sensorID := sensor.ID
	ruleID := rule.ID
	a := &domain.Alert{
		MunicipalityID: sensor.MunicipalityID,
		SensorID:       &sensorID,
		PipelineID:     sensor.PipelineID,
		Kind:           rule.AlertKind,
		Severity:       rule.Severity,
		Status:         domain.AlertOpen,
		Title:          ruleTitle(rule, sensor),
		Description:    rule.Template,
		Location:       sensor.Location,
		TriggerValue:   reading.Value,
		ThresholdSnap:  map[string]any{"rule_id": rule.ID},
		RuleID:         &ruleID,
		Metadata:       map[string]any{"source": "rule_engine", "rule_priority": rule.Priority},
		CreatedAt:      s.now(),
	}
	return a, nil
}

// allow reports whether a creation for key is permitted right now, and
// if so, advances the cooldown so the next one isn't until now+cooldown.
func (s *Service) allow(key string, cooldownSecs int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, ok := s.nextOK[key]; ok && now.Before(until) {
		return false
	}
	s.nextOK[key] = now.Add(time.Duration(cooldownSecs) * time.Second)
	return true
}

func anomalyKind(sensorKindCode string) domain.AlertKind {
	code := strings.ToLower(sensorKindCode)
	switch {
	case strings.Contains(code, "pressure"):
		return domain.AlertPressureAnomaly
	case strings.Contains(code, "flow"):
		return domain.AlertFlowIrregularity
	case strings.Contains(code, "leak"):
		return domain.AlertLeak
	case strings.Contains(code, "burst"):
		return domain.AlertBurst
	default:
		return domain.AlertCustom
	}
}

func severityFromScore(score float64) domain.Severity {
	switch {
	case score >= 0.9:
		return domain.SeverityCritical
	case score >= 0.7:
		return domain.SeverityHigh
	case score >= 0.5:
		return domain.SeverityMedium
	case score >= 0.3:
		return domain.SeverityLow
	default:
		return domain.SeverityInfo
	}
}

func ruleTitle(rule domain.DynamicRule, sensor *domain.Sensor) string {
	if rule.Template != "" {
		return rule.Template
	}
	return fmt.Sprintf("rule %s matched on %s", rule.ID, sensor.DeviceID)
}

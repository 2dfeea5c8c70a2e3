package alertsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

func testSensor() *domain.Sensor {
	return &domain.Sensor{
		ID:             "sensor-1",
		DeviceID:       "WS-001",
		MunicipalityID: "muni-1",
		Kind:           domain.SensorKind{Code: "pressure_gauge"},
	}
}

func TestFromAnomaly_CooldownDedup(t *testing.T) {
	svc := New()
	sensor := testSensor()
	reading := &domain.SensorReading{Value: 1.23, Unit: "bar"}

	first, err := svc.FromAnomaly(sensor, reading, 0.95)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, domain.AlertPressureAnomaly, first.Kind)
	assert.Equal(t, domain.SeverityCritical, first.Severity)

	second, err := svc.FromAnomaly(sensor, reading, 0.95)
	require.NoError(t, err)
	assert.Nil(t, second, "second call within the cooldown window must be suppressed")
}

func TestFromAnomaly_DistinctSensorsNotDeduped(t *testing.T) {
	svc := New()
	reading := &domain.SensorReading{Value: 1.23, Unit: "bar"}

	sensorA := testSensor()
	sensorB := testSensor()
	sensorB.ID = "sensor-2"

	a, err := svc.FromAnomaly(sensorA, reading, 0.95)
	require.NoError(t, err)
	require.NotNil(t, a)

	b, err := svc.FromAnomaly(sensorB, reading, 0.95)
	require.NoError(t, err)
	require.NotNil(t, b, "a different sensor must not share sensor A's cooldown key")
}

func TestFromRule_UsesRuleScopedCooldownKey(t *testing.T) {
	svc := New()
	sensor := testSensor()
	reading := &domain.SensorReading{Value: 9.9, Unit: "bar"}
	rule := domain.DynamicRule{ID: "rule-1", AlertKind: domain.AlertLeak, Severity: domain.SeverityHigh, CooldownSecs: 600}

	first, err := svc.FromRule(sensor, reading, rule)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, domain.AlertLeak, first.Kind)
	assert.Equal(t, "rule-1", *first.RuleID)

	second, err := svc.FromRule(sensor, reading, rule)
	require.NoError(t, err)
	assert.Nil(t, second)

	// An anomaly alert for the same sensor uses a different
	// discriminator ("pressure_anomaly" vs "rule:rule-1") so it isn't
	// suppressed by the rule's cooldown.
	anomaly, err := svc.FromAnomaly(sensor, reading, 0.95)
	require.NoError(t, err)
	assert.NotNil(t, anomaly)
}

func TestFromAnomaly_CooldownExpiresAfterWindow(t *testing.T) {
	svc := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	sensor := testSensor()
	reading := &domain.SensorReading{Value: 9.0, Unit: "bar"}

	first, err := svc.FromAnomaly(sensor, reading, 0.8)
	require.NoError(t, err)
	require.NotNil(t, first)

	now = base.Add(299 * time.Second)
	suppressed, err := svc.FromAnomaly(sensor, reading, 0.8)
	require.NoError(t, err)
	assert.Nil(t, suppressed)

	now = base.Add(301 * time.Second)
	third, err := svc.FromAnomaly(sensor, reading, 0.8)
	require.NoError(t, err)
	assert.NotNil(t, third, "an attempt after the 300s window must produce an alert again")
}

func TestSeverityFromScore(t *testing.T) {
	cases := []struct {
		score float64
		want  domain.Severity
	}{
		{0.95, domain.SeverityCritical},
		{0.75, domain.SeverityHigh},
		{0.55, domain.SeverityMedium},
		{0.35, domain.SeverityLow},
		{0.1, domain.SeverityInfo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, severityFromScore(tc.score))
	}
}

func TestAnomalyKind(t *testing.T) {
	cases := []struct {
		code string
		want domain.AlertKind
	}{
		{"pressure_gauge", domain.AlertPressureAnomaly},
		{"flow_meter", domain.AlertFlowIrregularity},
		{"leak_detector", domain.AlertLeak},
		{"burst_sensor", domain.AlertBurst},
		{"ph_probe", domain.AlertCustom},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, anomalyKind(tc.code))
	}
}

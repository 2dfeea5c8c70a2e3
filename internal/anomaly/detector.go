// Package anomaly implements the layered statistical + domain anomaly
// detector (spec.md §4.C). Four checks run independently; any may fire,
// and the reported score is the maximum across checks that fired (no
// summation). On equal scores the check that runs first in Detect is
// reported.
package anomaly

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// HistoryReader is the persistence seam this detector needs. Satisfied
// by *store.ReadingRepo.
type HistoryReader interface {
	// Since returns readings for sensorID with timestamp in
	// [since, before), oldest first, optionally excluding
	// already-flagged anomalies. Every check passes the reading's own
	// Timestamp as before, so the reading under test is excluded.
	Since(ctx context.Context, sensorID string, since, before time.Time, excludeAnomalies bool) ([]domain.SensorReading, error)
	// MostRecentBefore returns the latest reading strictly before
	// `before`, or nil if there is none.
	MostRecentBefore(ctx context.Context, sensorID string, before time.Time) (*domain.SensorReading, error)
}

// Detector runs spec.md §4.C's four checks against a freshly
// constructed, not-yet-committed reading.
type Detector struct {
	history HistoryReader
}

func New(history HistoryReader) *Detector {
	return &Detector{history: history}
}

// Result carries which check fired (for logging/metrics) alongside the
// flag and score the orchestrator persists.
type Result struct {
	IsAnomaly bool
	Score     float64
	Check     string // "" when IsAnomaly is false
}

// Detect runs all four checks and returns the highest-scoring verdict.
// All windows are measured against the reading's own Timestamp (the
// device's clock), not wall-clock arrival time, per spec.md §5
// ordering guarantee — this is also spec.md §9 open question 2: an
// out-of-order device can mask a pressure drop this way, by design
// left as specified.
func (d *Detector) Detect(ctx context.Context, sensor *domain.Sensor, reading *domain.SensorReading) (Result, error) {
	best := Result{}

	checks := []func(context.Context, *domain.Sensor, *domain.SensorReading) (Result, error){
		d.zScoreOutlier,
		d.rateOfChange,
		d.pressureDrop,
		d.flowIrregularity,
	}

	for _, check := range checks {
		r, err := check(ctx, sensor, reading)
		if err != nil {
			return Result{}, err
		}
		if r.IsAnomaly && r.Score > best.Score {
			best = r
		}
	}
	return best, nil
}

// zScoreOutlier is spec.md §4.C check 1: over the last 24h of
// non-anomalous readings (>=10 samples), |z| > 3 fires; score = z/8
// clamped to 1. Skips when stdev is effectively zero.
func (d *Detector) zScoreOutlier(ctx context.Context, sensor *domain.Sensor, reading *domain.SensorReading) (Result, error) {
	since := reading.Timestamp.Add(-24 * time.Hour)
	history, err := d.history.Since(ctx, sensor.ID, since, reading.Timestamp, true)
	if err != nil {
		return Result{}, err
	}
	if len(history) < 10 {
		return Result{}, nil
	}

	mean, stdev := meanStdev(values(history))
	if stdev < 1e-9 {
		return Result{}, nil
	}

	z := (reading.Value - mean) / stdev
	if math.Abs(z) <= 3 {
		return Result{}, nil
	}
	return Result{IsAnomaly: true, Score: clamp01(math.Abs(z) / 8), Check: "z_score"}, nil
}

// rateOfChange is spec.md §4.C check 2: |Δvalue|/Δseconds against the
// sensor kind's max_rate_of_change threshold; score = ratio clamped.
func (d *Detector) rateOfChange(ctx context.Context, sensor *domain.Sensor, reading *domain.SensorReading) (Result, error) {
	threshold := sensor.Kind.Thresholds.MaxRateOfChange
	if threshold <= 0 {
		return Result{}, nil
	}

	prior, err := d.history.MostRecentBefore(ctx, sensor.ID, reading.Timestamp)
	if err != nil {
		return Result{}, err
	}
	if prior == nil {
		return Result{}, nil
	}

	deltaSeconds := reading.Timestamp.Sub(prior.Timestamp).Seconds()
	if deltaSeconds <= 0 {
		return Result{}, nil
	}

	rate := math.Abs(reading.Value-prior.Value) / deltaSeconds
	ratio := rate / threshold
	if ratio <= 1 {
		return Result{}, nil
	}
	return Result{IsAnomaly: true, Score: clamp01(ratio), Check: "rate_of_change"}, nil
}

// pressureDrop is spec.md §4.C check 3: only for sensor kinds whose
// code contains "pressure". Over the last 15 minutes (>=3 samples),
// fires when (baseline-current)/baseline >= 0.25.
func (d *Detector) pressureDrop(ctx context.Context, sensor *domain.Sensor, reading *domain.SensorReading) (Result, error) {
	if !strings.Contains(sensor.Kind.Code, "pressure") {
		return Result{}, nil
	}

	since := reading.Timestamp.Add(-15 * time.Minute)
	history, err := d.history.Since(ctx, sensor.ID, since, reading.Timestamp, false)
	if err != nil {
		return Result{}, err
	}
	if len(history) < 3 {
		return Result{}, nil
	}

	baseline, _ := meanStdev(values(history))
	if baseline == 0 {
		return Result{}, nil
	}

	drop := (baseline - reading.Value) / baseline
	if drop < 0.25 {
		return Result{}, nil
	}
	return Result{IsAnomaly: true, Score: clamp01(drop), Check: "pressure_drop"}, nil
}

// flowIrregularity is spec.md §4.C check 4: only for sensor kinds whose
// code contains "flow". Over the last 2 hours (>=6 samples), z-score
// against that window fires at z >= 2.5; score = z/8 clamped.
func (d *Detector) flowIrregularity(ctx context.Context, sensor *domain.Sensor, reading *domain.SensorReading) (Result, error) {
	if !strings.Contains(sensor.Kind.Code, "flow") {
		return Result{}, nil
	}

	since := reading.Timestamp.Add(-2 * time.Hour)
	history, err := d.history.Since(ctx, sensor.ID, since, reading.Timestamp, false)
	if err != nil {
		return Result{}, err
	}
	if len(history) < 6 {
		return Result{}, nil
	}

	mean, stdev := meanStdev(values(history))
	if stdev < 1e-9 {
		return Result{}, nil
	}

	z := (reading.Value - mean) / stdev
	if z < 2.5 {
		return Result{}, nil
	}
	return Result{IsAnomaly: true, Score: clamp01(z / 8), Check: "flow_irregularity"}, nil
}

func values(readings []domain.SensorReading) []float64 {
	out := make([]float64, len(readings))
	for i, r := range readings {
		out[i] = r.Value
	}
	return out
}

// meanStdev computes the population mean and standard deviation.
func meanStdev(xs []float64) (mean, stdev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))

	var sqDiff float64
	for _, x := range xs {
		d := x - mean
		sqDiff += d * d
	}
	stdev = math.Sqrt(sqDiff / float64(len(xs)))
	return mean, stdev
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

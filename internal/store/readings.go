package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// ReadingRepo persists domain.SensorReading rows. Readings are
// immutable after commit except for the anomaly flag/score, which the
// orchestrator backfills once the detector has run (spec.md §4.H step
// 4 persists tentatively, step 6 tags the flag).
type ReadingRepo struct{}

func NewReadingRepo() *ReadingRepo { return &ReadingRepo{} }

// Create inserts a tentative reading and returns its generated ID.
func (repo *ReadingRepo) Create(ctx context.Context, q Querier, r *domain.SensorReading) (string, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(r.RawData)
	if err != nil {
		return "", fmt.Errorf("encode raw payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO sensor_readings
			(id, sensor_id, timestamp, value, unit, raw_data, quality_score, is_anomaly, anomaly_score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		id, r.SensorID, r.Timestamp, r.Value, r.Unit, raw, r.QualityScore, r.IsAnomaly, r.AnomalyScore, r.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert reading: %w", err)
	}
	return id, nil
}

// SetAnomaly backfills the detector's verdict onto an already-inserted
// reading (still inside the same transaction).
func (repo *ReadingRepo) SetAnomaly(ctx context.Context, q Querier, readingID string, isAnomaly bool, score float64) error {
	_, err := q.ExecContext(ctx, `UPDATE sensor_readings SET is_anomaly = $2, anomaly_score = $3 WHERE id = $1`,
		readingID, isAnomaly, score)
	if err != nil {
		return fmt.Errorf("set reading anomaly: %w", err)
	}
	return nil
}

func scanReading(scan func(dest ...any) error) (*domain.SensorReading, error) {
	var rd domain.SensorReading
	var raw []byte
	if err := scan(&rd.ID, &rd.SensorID, &rd.Timestamp, &rd.Value, &rd.Unit, &raw,
		&rd.QualityScore, &rd.IsAnomaly, &rd.AnomalyScore, &rd.CreatedAt); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rd.RawData)
	}
	return &rd, nil
}

const readingColumns = `id, sensor_id, timestamp, value, unit, raw_data, quality_score, is_anomaly, anomaly_score, created_at`

// Since returns readings for sensorID with payload timestamp in
// [since, before), ordered oldest-first, optionally excluding
// already-flagged anomalies. The exclusive upper bound matters: the
// orchestrator persists the reading under test tentatively (spec.md
// §4.H step 4) before any of these checks run (step 6), so without it
// a reading would be included in its own baseline window — inflating
// the mean/stdev it is then compared against. The original
// anomaly_detector.py enforces this with a strict "<" on the window
// query for the same reason. Used by the z-score (24h), pressure-drop
// (15m), and flow-irregularity (2h) checks (spec.md §4.C).
func (repo *ReadingRepo) Since(ctx context.Context, q Querier, sensorID string, since, before time.Time, excludeAnomalies bool) ([]domain.SensorReading, error) {
	query := `SELECT ` + readingColumns + ` FROM sensor_readings WHERE sensor_id = $1 AND timestamp >= $2 AND timestamp < $3`
	if excludeAnomalies {
		query += ` AND is_anomaly = false`
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := q.QueryContext(ctx, query, sensorID, since, before)
	if err != nil {
		return nil, fmt.Errorf("query recent readings: %w", err)
	}
	defer rows.Close()

	var out []domain.SensorReading
	for rows.Next() {
		rd, err := scanReading(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		out = append(out, *rd)
	}
	return out, rows.Err()
}

// MostRecentBefore returns the single latest reading strictly before
// `before` (by payload timestamp), for the rate-of-change check
// (spec.md §4.C #2). Returns nil, nil when there is none.
func (repo *ReadingRepo) MostRecentBefore(ctx context.Context, q Querier, sensorID string, before time.Time) (*domain.SensorReading, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+readingColumns+` FROM sensor_readings
		WHERE sensor_id = $1 AND timestamp < $2
		ORDER BY timestamp DESC LIMIT 1`, sensorID, before)
	rd, err := scanReading(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query prior reading: %w", err)
	}
	return rd, nil
}

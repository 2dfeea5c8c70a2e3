package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// ErrSensorNotFound is returned by SensorRepo lookups that miss.
var ErrSensorNotFound = errors.New("sensor not found")

// SensorRepo persists domain.Sensor rows.
type SensorRepo struct{}

// NewSensorRepo constructs a SensorRepo. Stateless: every method takes
// its Querier explicitly so it works inside or outside a transaction.
func NewSensorRepo() *SensorRepo { return &SensorRepo{} }

type sensorRow struct {
	id, deviceID, municipalityID, protocol, firmware, status string
	pipelineID                                                sql.NullString
	kindJSON, locationJSON                                    []byte
	battery, signal                                           sql.NullInt64
	samplingIntervalS                                         int
	lastReadingAt                                             sql.NullTime
}

const sensorColumns = `id, device_id, kind, municipality_id, pipeline_id, location,
	protocol, firmware_version, battery_percent, signal_strength,
	sampling_interval_s, last_reading_at, status`

func scanSensor(scan func(dest ...any) error) (*domain.Sensor, error) {
	var r sensorRow
	if err := scan(&r.id, &r.deviceID, &r.kindJSON, &r.municipalityID, &r.pipelineID,
		&r.locationJSON, &r.protocol, &r.firmware, &r.battery, &r.signal,
		&r.samplingIntervalS, &r.lastReadingAt, &r.status); err != nil {
		return nil, err
	}

	s := &domain.Sensor{
		ID:                r.id,
		DeviceID:          r.deviceID,
		MunicipalityID:    r.municipalityID,
		Protocol:          domain.Protocol(r.protocol),
		FirmwareVersion:   r.firmware,
		SamplingIntervalS: r.samplingIntervalS,
		Status:            domain.Status(r.status),
	}
	if err := json.Unmarshal(r.kindJSON, &s.Kind); err != nil {
		return nil, fmt.Errorf("decode sensor kind: %w", err)
	}
	if r.pipelineID.Valid {
		s.PipelineID = &r.pipelineID.String
	}
	if len(r.locationJSON) > 0 {
		var loc domain.Location
		if err := json.Unmarshal(r.locationJSON, &loc); err == nil {
			s.Location = &loc
		}
	}
	if r.battery.Valid {
		b := int(r.battery.Int64)
		s.BatteryPercent = &b
	}
	if r.signal.Valid {
		sig := int(r.signal.Int64)
		s.SignalStrength = &sig
	}
	if r.lastReadingAt.Valid {
		t := r.lastReadingAt.Time
		s.LastReadingAt = &t
	}
	return s, nil
}

// GetByDeviceID loads a sensor by its external device identifier
// (spec.md §4.H step 1 — "not surrogate id").
func (repo *SensorRepo) GetByDeviceID(ctx context.Context, q Querier, deviceID string) (*domain.Sensor, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE device_id = $1`, deviceID)
	s, err := scanSensor(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSensorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sensor by device id: %w", err)
	}
	return s, nil
}

// GetByID loads a sensor by its internal surrogate key.
func (repo *SensorRepo) GetByID(ctx context.Context, q Querier, id string) (*domain.Sensor, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE id = $1`, id)
	s, err := scanSensor(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSensorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sensor by id: %w", err)
	}
	return s, nil
}

// UpdateMetadata applies spec.md §4.H step 5: last-reading timestamp,
// battery, and signal when present in the payload, plus the reported
// firmware version. When flagFaulty is true (the orchestrator found the
// reported firmware older than the sensor kind's minimum supported
// version — SPEC_FULL.md §3 semver enrichment) an active sensor is
// moved to faulty. The row-level UPDATE is what serializes concurrent
// invocations for the same sensor per spec.md §5.
func (repo *SensorRepo) UpdateMetadata(ctx context.Context, q Querier, sensorID string, at time.Time, battery, signal *int, firmware string, flagFaulty bool) error {
	newStatus := ""
	if flagFaulty {
		newStatus = string(domain.StatusFaulty)
	}

	_, err := q.ExecContext(ctx, `
		UPDATE sensors SET
			last_reading_at = $2,
			battery_percent = COALESCE($3, battery_percent),
			signal_strength = COALESCE($4, signal_strength),
			firmware_version = CASE WHEN $5 <> '' THEN $5 ELSE firmware_version END,
			status = CASE WHEN $6 <> '' AND status = 'active' THEN $6 ELSE status END
		WHERE id = $1`,
		sensorID, at, battery, signal, firmware, newStatus)
	if err != nil {
		return fmt.Errorf("update sensor metadata: %w", err)
	}
	return nil
}

// MinFirmwareViolation reports whether reported is older than min.
// Exported for the orchestrator, which knows the sensor kind's
// MinFirmware and can decide whether to flag.
func MinFirmwareViolation(reported, min string) bool {
	if min == "" || reported == "" {
		return false
	}
	rv, err := semver.NewVersion(reported)
	if err != nil {
		return false
	}
	mv, err := semver.NewVersion(min)
	if err != nil {
		return false
	}
	return rv.LessThan(mv)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// ErrAlertNotFound is returned when no alert row matches.
var ErrAlertNotFound = errors.New("alert not found")

// AlertRepo persists domain.Alert rows and their status transitions
// (SPEC_FULL.md §4 supplemented acknowledge/resolve operations).
type AlertRepo struct{}

func NewAlertRepo() *AlertRepo { return &AlertRepo{} }

// Create inserts a newly-built alert (spec.md §4.H step 11 commits it
// alongside the reading in the same transaction) and assigns its ID.
func (repo *AlertRepo) Create(ctx context.Context, q Querier, a *domain.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	threshold, err := json.Marshal(a.ThresholdSnap)
	if err != nil {
		return fmt.Errorf("encode threshold snapshot: %w", err)
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode alert metadata: %w", err)
	}
	var loc []byte
	if a.Location != nil {
		loc, _ = json.Marshal(a.Location)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO alerts
			(id, municipality_id, sensor_id, pipeline_id, kind, severity, status,
			 title, description, location, trigger_value, threshold_snapshot, rule_id,
			 metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.MunicipalityID, a.SensorID, a.PipelineID, a.Kind, a.Severity, a.Status,
		a.Title, a.Description, loc, a.TriggerValue, threshold, a.RuleID, meta, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func scanAlert(scan func(dest ...any) error) (*domain.Alert, error) {
	var a domain.Alert
	var loc, threshold, meta []byte
	var ackBy, resBy, ruleID sql.NullString
	var ackAt, resAt sql.NullTime
	if err := scan(&a.ID, &a.MunicipalityID, &a.SensorID, &a.PipelineID, &a.Kind, &a.Severity, &a.Status,
		&a.Title, &a.Description, &loc, &a.TriggerValue, &threshold, &ruleID,
		&ackBy, &ackAt, &resBy, &resAt, &a.ResolutionNote, &meta, &a.CreatedAt); err != nil {
		return nil, err
	}
	if len(loc) > 0 {
		var l domain.Location
		if json.Unmarshal(loc, &l) == nil {
			a.Location = &l
		}
	}
	_ = json.Unmarshal(threshold, &a.ThresholdSnap)
	_ = json.Unmarshal(meta, &a.Metadata)
	if ruleID.Valid {
		a.RuleID = &ruleID.String
	}
	if ackBy.Valid {
		a.AcknowledgedBy = &ackBy.String
	}
	if ackAt.Valid {
		a.AcknowledgedAt = &ackAt.Time
	}
	if resBy.Valid {
		a.ResolvedBy = &resBy.String
	}
	if resAt.Valid {
		a.ResolvedAt = &resAt.Time
	}
	return &a, nil
}

const alertColumns = `id, municipality_id, sensor_id, pipeline_id, kind, severity, status,
	title, description, location, trigger_value, threshold_snapshot, rule_id,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution_note,
	metadata, created_at`

// Get loads an alert by ID.
func (repo *AlertRepo) Get(ctx context.Context, q Querier, id string) (*domain.Alert, error) {
	row := q.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// UpdateStatus persists an Alert's mutated status fields after one of
// Acknowledge / Resolve / MarkFalsePositive / Close ran in memory.
func (repo *AlertRepo) UpdateStatus(ctx context.Context, q Querier, a *domain.Alert) error {
	_, err := q.ExecContext(ctx, `
		UPDATE alerts SET status=$2, acknowledged_by=$3, acknowledged_at=$4,
			resolved_by=$5, resolved_at=$6, resolution_note=$7
		WHERE id=$1`,
		a.ID, a.Status, a.AcknowledgedBy, a.AcknowledgedAt, a.ResolvedBy, a.ResolvedAt, a.ResolutionNote)
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	return nil
}

// NullifyRuleReference detaches alerts from a rule being deleted,
// without erasing the alerts themselves (spec.md §9 ownership notes:
// DynamicRule references Alert but does not own it).
func (repo *AlertRepo) NullifyRuleReference(ctx context.Context, q Querier, ruleID string) error {
	_, err := q.ExecContext(ctx, `UPDATE alerts SET rule_id = NULL WHERE rule_id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("nullify rule reference: %w", err)
	}
	return nil
}

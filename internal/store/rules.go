package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/rules"
)

// RuleRepo persists domain.DynamicRule rows.
type RuleRepo struct{}

func NewRuleRepo() *RuleRepo { return &RuleRepo{} }

const ruleColumns = `id, scope, sensor_kind_code, predicates, combinator,
	alert_kind, severity, template, priority, cooldown_secs, active`

func scanRule(scan func(dest ...any) error) (*domain.DynamicRule, error) {
	var r domain.DynamicRule
	var predJSON []byte
	if err := scan(&r.ID, &r.Scope, &r.SensorKindCode, &predJSON, &r.Combinator,
		&r.AlertKind, &r.Severity, &r.Template, &r.Priority, &r.CooldownSecs, &r.Active); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(predJSON, &r.Predicates); err != nil {
		return nil, fmt.Errorf("decode predicates: %w", err)
	}
	return &r, nil
}

// Applicable returns every active rule bound to this sensor kind (or
// unbound) and this municipality (or global), ordered by priority
// ascending (spec.md §4.D selection filter).
func (repo *RuleRepo) Applicable(ctx context.Context, q Querier, sensorKindCode, municipalityID string) ([]domain.DynamicRule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM dynamic_rules
		WHERE active = true
		  AND (sensor_kind_code = '' OR sensor_kind_code = $1)
		  AND (scope = 'global' OR scope = $2)
		ORDER BY priority ASC`, sensorKindCode, municipalityID)
	if err != nil {
		return nil, fmt.Errorf("query applicable rules: %w", err)
	}
	defer rows.Close()

	var out []domain.DynamicRule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Create inserts a DynamicRule, rejecting an active rule with an empty
// predicate list (spec.md §3 invariant) and any predicate whose
// operator/operand shape doesn't validate against the admin-authoring
// schema.
func (repo *RuleRepo) Create(ctx context.Context, q Querier, r *domain.DynamicRule) error {
	if r.Active && len(r.Predicates) == 0 {
		return domain.ErrEmptyPredicateList
	}
	if len(r.Predicates) > 0 {
		if err := rules.ValidatePredicateShape(r.Predicates); err != nil {
			return fmt.Errorf("invalid predicate shape: %w", err)
		}
	}
	predJSON, err := json.Marshal(r.Predicates)
	if err != nil {
		return fmt.Errorf("encode predicates: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO dynamic_rules (`+ruleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.Scope, r.SensorKindCode, predJSON, r.Combinator,
		r.AlertKind, r.Severity, r.Template, r.Priority, r.CooldownSecs, r.Active)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// PolicyRepo persists domain.ProtocolPolicy rows.
type PolicyRepo struct{}

func NewPolicyRepo() *PolicyRepo { return &PolicyRepo{} }

// Get loads the policy row for the exact (protocol, scope) pair, or
// (nil, false) if absent — callers combine a municipality lookup and a
// "global" lookup per spec.md §4.B's resolution order.
func (repo *PolicyRepo) Get(ctx context.Context, q Querier, protocol domain.Protocol, scope string) (*domain.ProtocolPolicy, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT scope, protocol, enabled, settings FROM protocol_policies
		WHERE protocol = $1 AND scope = $2`, protocol, scope)

	var p domain.ProtocolPolicy
	var settingsJSON []byte
	err := row.Scan(&p.Scope, &p.Protocol, &p.Enabled, &settingsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get protocol policy: %w", err)
	}
	if len(settingsJSON) > 0 {
		_ = json.Unmarshal(settingsJSON, &p.Settings)
	}
	return &p, true, nil
}

// Upsert writes a policy row, used by the optional YAML seed loader at
// startup (SPEC_FULL.md §2 config).
func (repo *PolicyRepo) Upsert(ctx context.Context, q Querier, p *domain.ProtocolPolicy) error {
	settingsJSON, err := json.Marshal(p.Settings)
	if err != nil {
		return fmt.Errorf("encode policy settings: %w", err)
	}
	if p.Settings == nil {
		settingsJSON = []byte("{}")
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO protocol_policies (scope, protocol, enabled, settings)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (scope, protocol) DO UPDATE SET enabled = EXCLUDED.enabled, settings = EXCLUDED.settings`,
		p.Scope, p.Protocol, p.Enabled, settingsJSON)
	if err != nil {
		return fmt.Errorf("upsert protocol policy: %w", err)
	}
	return nil
}

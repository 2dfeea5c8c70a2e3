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

// AuditRepo appends domain.AuditEntry rows. Indexed on (actor,
// timestamp) and (resource_kind, action) per spec.md §4.F; SPEC_FULL.md
// §4 adds a time-range scan.
type AuditRepo struct{}

func NewAuditRepo() *AuditRepo { return &AuditRepo{} }

// Append inserts a single audit entry, assigning its ID if unset.
func (repo *AuditRepo) Append(ctx context.Context, q Querier, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	changeSet, err := json.Marshal(e.ChangeSet)
	if err != nil {
		return fmt.Errorf("encode change set: %w", err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, actor_id, action, resource_kind, resource_id, description,
			 origin_address, user_agent, change_set, metadata, timestamp, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.ActorID, e.Action, e.ResourceKind, e.ResourceID, e.Description,
		e.OriginAddress, e.UserAgent, changeSet, meta, e.Timestamp, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// LastHash returns the hash of the most recently appended entry, or
// "" if the audit log is empty — the genesis link in the tamper-evidence
// chain (SPEC_FULL.md §3, JSON canonicalization / hash chaining row).
func (repo *AuditRepo) LastHash(ctx context.Context, q Querier) (string, error) {
	row := q.QueryRowContext(ctx, `SELECT hash FROM audit_entries ORDER BY timestamp DESC, id DESC LIMIT 1`)
	var hash string
	err := row.Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get last audit hash: %w", err)
	}
	return hash, nil
}

// Between returns audit entries with timestamp in [from, to), newest
// first, capped at limit (SPEC_FULL.md §4 supplemented time-range scan).
func (repo *AuditRepo) Between(ctx context.Context, q Querier, from, to time.Time, limit int) ([]domain.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, actor_id, action, resource_kind, resource_id, description,
		       origin_address, user_agent, change_set, metadata, timestamp, prev_hash, hash
		FROM audit_entries
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp DESC LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit range: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var actorID sql.NullString
		var changeSet, meta []byte
		if err := rows.Scan(&e.ID, &actorID, &e.Action, &e.ResourceKind, &e.ResourceID, &e.Description,
			&e.OriginAddress, &e.UserAgent, &changeSet, &meta, &e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if actorID.Valid {
			e.ActorID = &actorID.String
		}
		_ = json.Unmarshal(changeSet, &e.ChangeSet)
		_ = json.Unmarshal(meta, &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Package audit implements the append-only audit log (spec.md §4.F).
// Entries are hash-chained for tamper evidence: each entry's Hash
// covers its JCS-canonicalized body plus the previous entry's hash,
// grounded on the teacher's pkg/compliance/jcs and pkg/canonicalize
// canonicalization pattern.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// Repository is the persistence seam this logger needs. Satisfied by
// *store.AuditRepo.
type Repository interface {
	Append(ctx context.Context, e *domain.AuditEntry) error
	LastHash(ctx context.Context) (string, error)
}

// Logger implements spec.md §4.F: log(action, ...) appends an entry and
// never propagates a write failure out of the caller — it is logged at
// WARN and the ingestion transaction still commits (spec.md §7
// audit_write_failed).
type Logger struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func New(repo Repository, logger *slog.Logger) *Logger {
	return &Logger{repo: repo, logger: logger, now: time.Now}
}

// Entry describes one call to Log.
type Entry struct {
	ActorID       *string
	Action        string
	ResourceKind  string
	ResourceID    string
	Description   string
	OriginAddress string
	UserAgent     string
	ChangeSet     map[string]any
	Metadata      map[string]any
}

// Log appends e to the chain. Failures are swallowed and logged at
// WARN per spec.md §7 — the ingestion transaction that produced this
// call has already committed or is about to, independent of this
// result.
func (l *Logger) Log(ctx context.Context, e Entry) {
	if err := l.append(ctx, e); err != nil {
		l.logger.Warn("audit write failed",
			"action", e.Action, "resource_kind", e.ResourceKind, "resource_id", e.ResourceID,
			"error", err)
	}
}

func (l *Logger) append(ctx context.Context, e Entry) error {
	prevHash, err := l.repo.LastHash(ctx)
	if err != nil {
		return fmt.Errorf("load chain tail: %w", err)
	}

	entry := &domain.AuditEntry{
		ActorID:       e.ActorID,
		Action:        e.Action,
		ResourceKind:  e.ResourceKind,
		ResourceID:    e.ResourceID,
		Description:   e.Description,
		OriginAddress: e.OriginAddress,
		UserAgent:     e.UserAgent,
		ChangeSet:     e.ChangeSet,
		Metadata:      e.Metadata,
		Timestamp:     l.now(),
		PrevHash:      prevHash,
	}

	hash, err := chainHash(entry)
	if err != nil {
		return fmt.Errorf("compute chain hash: %w", err)
	}
	entry.Hash = hash

	if err := l.repo.Append(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// chainHash computes sha256 over the RFC 8785 canonical JSON of the
// entry's actor, action, resource kind and id, description, change set,
// timestamp and prev_hash, so the hash is stable regardless of map key
// iteration order. OriginAddress, UserAgent and Metadata are not hashed.
func chainHash(e *domain.AuditEntry) (string, error) {
	body := struct {
		ActorID      *string        `json:"actor_id"`
		Action       string         `json:"action"`
		ResourceKind string         `json:"resource_kind"`
		ResourceID   string         `json:"resource_id"`
		Description  string         `json:"description"`
		ChangeSet    map[string]any `json:"change_set"`
		Timestamp    string         `json:"timestamp"`
		PrevHash     string         `json:"prev_hash"`
	}{
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceKind: e.ResourceKind,
		ResourceID:   e.ResourceID,
		Description:  e.Description,
		ChangeSet:    e.ChangeSet,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:     e.PrevHash,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("jcs transform: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Action verbs used by the orchestrator and alert lifecycle (spec.md
// §4.H step 10, SPEC_FULL.md §4 supplemented acknowledge/resolve ops).
const (
	ActionReadingIngested   = domain.ActionReadingIngested
	ActionAlertCreated      = domain.ActionAlertCreated
	ActionAlertAck          = domain.ActionAlertAck
	ActionAlertResolved     = domain.ActionAlertResolved
	ActionCredentialIssued  = domain.ActionCredentialIssued
	ActionCredentialRotated = domain.ActionCredentialRotated
	ActionDeviceStatus      = domain.ActionDeviceStatus
)

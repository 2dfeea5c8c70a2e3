package store

import (
	"context"
	"time"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// Bound wrappers adapt the (ctx, Querier, ...) repository methods
// above to the narrower per-call interfaces that internal/credential,
// internal/anomaly, internal/rules, and internal/protocolpolicy each
// define for themselves. The orchestrator constructs one per inbound
// reading, scoped to that reading's transaction, so every read the
// detector/engine/credential check performs runs inside the same
// logical transaction as the write it gates (spec.md §4.H, §5).

// BoundCredentialRepo satisfies internal/credential.Repository.
type BoundCredentialRepo struct {
	repo *CredentialRepo
	q    Querier
}

func (repo *CredentialRepo) Bound(q Querier) *BoundCredentialRepo {
	return &BoundCredentialRepo{repo: repo, q: q}
}

func (b *BoundCredentialRepo) Get(ctx context.Context, sensorID string) (*domain.DeviceCredential, error) {
	return b.repo.Get(ctx, b.q, sensorID)
}
func (b *BoundCredentialRepo) Create(ctx context.Context, c *domain.DeviceCredential) error {
	return b.repo.Create(ctx, b.q, c)
}
func (b *BoundCredentialRepo) Update(ctx context.Context, c *domain.DeviceCredential) error {
	return b.repo.Update(ctx, b.q, c)
}

// BoundReadingRepo satisfies internal/anomaly.HistoryReader.
type BoundReadingRepo struct {
	repo *ReadingRepo
	q    Querier
}

func (repo *ReadingRepo) Bound(q Querier) *BoundReadingRepo {
	return &BoundReadingRepo{repo: repo, q: q}
}

func (b *BoundReadingRepo) Since(ctx context.Context, sensorID string, since, before time.Time, excludeAnomalies bool) ([]domain.SensorReading, error) {
	return b.repo.Since(ctx, b.q, sensorID, since, before, excludeAnomalies)
}
func (b *BoundReadingRepo) MostRecentBefore(ctx context.Context, sensorID string, before time.Time) (*domain.SensorReading, error) {
	return b.repo.MostRecentBefore(ctx, b.q, sensorID, before)
}

// BoundRuleRepo satisfies internal/rules.Repository.
type BoundRuleRepo struct {
	repo *RuleRepo
	q    Querier
}

func (repo *RuleRepo) Bound(q Querier) *BoundRuleRepo {
	return &BoundRuleRepo{repo: repo, q: q}
}

func (b *BoundRuleRepo) Applicable(ctx context.Context, sensorKindCode, municipalityID string) ([]domain.DynamicRule, error) {
	return b.repo.Applicable(ctx, b.q, sensorKindCode, municipalityID)
}

// BoundPolicyRepo satisfies internal/protocolpolicy.Repository.
type BoundPolicyRepo struct {
	repo *PolicyRepo
	q    Querier
}

func (repo *PolicyRepo) Bound(q Querier) *BoundPolicyRepo {
	return &BoundPolicyRepo{repo: repo, q: q}
}

func (b *BoundPolicyRepo) Get(ctx context.Context, protocol domain.Protocol, scope string) (*domain.ProtocolPolicy, bool, error) {
	return b.repo.Get(ctx, b.q, protocol, scope)
}

// BoundAuditRepo satisfies internal/audit.Repository.
type BoundAuditRepo struct {
	repo *AuditRepo
	q    Querier
}

func (repo *AuditRepo) Bound(q Querier) *BoundAuditRepo {
	return &BoundAuditRepo{repo: repo, q: q}
}

func (b *BoundAuditRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	return b.repo.Append(ctx, b.q, e)
}
func (b *BoundAuditRepo) LastHash(ctx context.Context) (string, error) {
	return b.repo.LastHash(ctx, b.q)
}

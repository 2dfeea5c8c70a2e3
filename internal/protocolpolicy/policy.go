// Package protocolpolicy resolves whether a protocol is enabled
// globally or for a municipality (spec.md §4.B).
package protocolpolicy

import (
	"context"
	"fmt"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

const globalScope = "global"

// Repository is the persistence seam this service needs.
type Repository interface {
	Get(ctx context.Context, protocol domain.Protocol, scope string) (*domain.ProtocolPolicy, bool, error)
}

// Service implements spec.md §4.B: exact (protocol, municipality) match
// beats (protocol, global) beats the default-true fallback.
type Service struct {
	repo Repository
}

func New(repo Repository) *Service {
	return &Service{repo: repo}
}

// IsEnabled resolves the effective enabled state. The orchestrator
// calls this before every ingest and fails closed on an explicit false
// (spec.md §4.H step 2).
func (s *Service) IsEnabled(ctx context.Context, protocol domain.Protocol, municipalityID string) (bool, error) {
	if municipalityID != "" && municipalityID != globalScope {
		if p, ok, err := s.repo.Get(ctx, protocol, municipalityID); err != nil {
			return false, fmt.Errorf("resolve municipality protocol policy: %w", err)
		} else if ok {
			return p.Enabled, nil
		}
	}

	if p, ok, err := s.repo.Get(ctx, protocol, globalScope); err != nil {
		return false, fmt.Errorf("resolve global protocol policy: %w", err)
	} else if ok {
		return p.Enabled, nil
	}

	return true, nil
}

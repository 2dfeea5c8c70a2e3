package protocolpolicy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

type fakeRepo struct {
	rows map[string]*domain.ProtocolPolicy
}

func key(protocol domain.Protocol, scope string) string { return string(protocol) + "|" + scope }

func (f *fakeRepo) Get(_ context.Context, protocol domain.Protocol, scope string) (*domain.ProtocolPolicy, bool, error) {
	p, ok := f.rows[key(protocol, scope)]
	return p, ok, nil
}

func TestIsEnabled_DefaultsTrueWhenNoRowsExist(t *testing.T) {
	svc := New(&fakeRepo{rows: map[string]*domain.ProtocolPolicy{}})
	enabled, err := svc.IsEnabled(context.Background(), domain.ProtocolHTTP, "muni-1")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestIsEnabled_MunicipalityOverridesGlobal(t *testing.T) {
	svc := New(&fakeRepo{rows: map[string]*domain.ProtocolPolicy{
		key(domain.ProtocolMQTT, "global"): {Enabled: true},
		key(domain.ProtocolMQTT, "M1"):     {Enabled: false},
	}})

	enabled, err := svc.IsEnabled(context.Background(), domain.ProtocolMQTT, "M1")
	require.NoError(t, err)
	assert.False(t, enabled, "municipality-scoped row must override the global row")

	// A different municipality with no row of its own falls through to
	// the global row, unaffected by M1's override (spec.md §8 property 8).
	enabled, err = svc.IsEnabled(context.Background(), domain.ProtocolMQTT, "M2")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestIsEnabled_GlobalFalseAppliesWhenNoMunicipalityRow(t *testing.T) {
	svc := New(&fakeRepo{rows: map[string]*domain.ProtocolPolicy{
		key(domain.ProtocolHTTP, "global"): {Enabled: false},
	}})

	enabled, err := svc.IsEnabled(context.Background(), domain.ProtocolHTTP, "M1")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestIsEnabled_GlobalScopeSkipsMunicipalityLookup(t *testing.T) {
	svc := New(&fakeRepo{rows: map[string]*domain.ProtocolPolicy{
		key(domain.ProtocolTCP, "global"): {Enabled: false},
	}})

	enabled, err := svc.IsEnabled(context.Background(), domain.ProtocolTCP, "global")
	require.NoError(t, err)
	assert.False(t, enabled)
}

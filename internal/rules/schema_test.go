package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

func TestValidatePredicateShape_AcceptsValueComparison(t *testing.T) {
	err := ValidatePredicateShape([]domain.Predicate{
		{Kind: domain.PredicateValue, Op: domain.OpGT, Value: 7},
	})
	require.NoError(t, err)
}

func TestValidatePredicateShape_AcceptsWithinWithBounds(t *testing.T) {
	err := ValidatePredicateShape([]domain.Predicate{
		{Kind: domain.PredicateValue, Op: domain.OpWithin, Low: 1, High: 5},
	})
	require.NoError(t, err)
}

func TestValidatePredicateShape_RejectsUnknownOperator(t *testing.T) {
	err := ValidatePredicateShape([]domain.Predicate{
		{Kind: domain.PredicateValue, Op: "between"},
	})
	assert.Error(t, err)
}

func TestValidatePredicateShape_EmptyListIsValid(t *testing.T) {
	err := ValidatePredicateShape(nil)
	assert.NoError(t, err)
}

func TestValidatePredicateShape_AcceptsGuardWithValidExpression(t *testing.T) {
	err := ValidatePredicateShape([]domain.Predicate{
		{Kind: domain.PredicateGuard, Expr: "value > 7.0 && change_rate < 1.0"},
	})
	require.NoError(t, err)
}

func TestValidatePredicateShape_RejectsGuardMissingExpr(t *testing.T) {
	err := ValidatePredicateShape([]domain.Predicate{
		{Kind: domain.PredicateGuard},
	})
	assert.Error(t, err)
}

func TestValidatePredicateShape_RejectsGuardWithInvalidExpression(t *testing.T) {
	err := ValidatePredicateShape([]domain.Predicate{
		{Kind: domain.PredicateGuard, Expr: "value >>> nonsense((("},
	})
	assert.Error(t, err)
}

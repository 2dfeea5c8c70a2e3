package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

func TestAlertRepo_Create_AssignsIDWhenUnset(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAlertRepo()

	mock.ExpectExec(`(?s)INSERT INTO alerts`).WillReturnResult(sqlmock.NewResult(1, 1))

	a := &domain.Alert{MunicipalityID: "M1", Kind: domain.AlertLeak, Severity: domain.SeverityHigh,
		Status: domain.AlertOpen, CreatedAt: time.Now()}
	err := repo.Create(context.Background(), db, a)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRepo_Get_NotFoundMapsToSentinel(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAlertRepo()

	mock.ExpectQuery(`(?s)SELECT .* FROM alerts WHERE id`).
		WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{
		"id", "municipality_id", "sensor_id", "pipeline_id", "kind", "severity", "status",
		"title", "description", "location", "trigger_value", "threshold_snapshot", "rule_id",
		"acknowledged_by", "acknowledged_at", "resolved_by", "resolved_at", "resolution_note",
		"metadata", "created_at",
	}))

	_, err := repo.Get(context.Background(), db, "ghost")
	assert.ErrorIs(t, err, ErrAlertNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRepo_Get_DecodesTransitionFields(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAlertRepo()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "municipality_id", "sensor_id", "pipeline_id", "kind", "severity", "status",
		"title", "description", "location", "trigger_value", "threshold_snapshot", "rule_id",
		"acknowledged_by", "acknowledged_at", "resolved_by", "resolved_at", "resolution_note",
		"metadata", "created_at",
	}).AddRow("a1", "M1", nil, nil, "leak", "high", "acknowledged",
		"t", "d", []byte(`{}`), 4.2, []byte(`{}`), nil,
		"user-1", now, nil, nil, "", []byte(`{}`), now)

	mock.ExpectQuery(`(?s)SELECT .* FROM alerts WHERE id`).WithArgs("a1").WillReturnRows(rows)

	a, err := repo.Get(context.Background(), db, "a1")
	require.NoError(t, err)
	require.NotNil(t, a.AcknowledgedBy)
	assert.Equal(t, "user-1", *a.AcknowledgedBy)
	assert.Nil(t, a.ResolvedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRepo_UpdateStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAlertRepo()

	mock.ExpectExec(`(?s)UPDATE alerts SET status=\$2`).WillReturnResult(sqlmock.NewResult(1, 1))

	a := &domain.Alert{ID: "a1", Status: domain.AlertResolved}
	err := repo.UpdateStatus(context.Background(), db, a)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRepo_NullifyRuleReference(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAlertRepo()

	mock.ExpectExec(`(?s)UPDATE alerts SET rule_id = NULL WHERE rule_id`).
		WithArgs("rule-1").WillReturnResult(sqlmock.NewResult(1, 2))

	err := repo.NullifyRuleReference(context.Background(), db, "rule-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

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

func TestReadingRepo_Create_ReturnsGeneratedID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingRepo()

	mock.ExpectExec(`(?s)INSERT INTO sensor_readings`).WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := repo.Create(context.Background(), db, &domain.SensorReading{
		SensorID: "sensor-1", Timestamp: time.Now(), Value: 4.2, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingRepo_SetAnomaly(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingRepo()

	mock.ExpectExec(`(?s)UPDATE sensor_readings SET is_anomaly`).
		WithArgs("reading-1", true, 0.95).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.SetAnomaly(context.Background(), db, "reading-1", true, 0.95)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingRepo_Since_OrdersOldestFirstAndDecodesRawData(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingRepo()

	now := time.Now()
	before := now.Add(time.Hour)
	rows := sqlmock.NewRows([]string{
		"id", "sensor_id", "timestamp", "value", "unit", "raw_data",
		"quality_score", "is_anomaly", "anomaly_score", "created_at",
	}).AddRow("r1", "sensor-1", now, 1.0, "bar", []byte(`{"delta":2.5}`), 1.0, false, 0.0, now)

	mock.ExpectQuery(`(?s)SELECT .* FROM sensor_readings WHERE sensor_id = \$1 AND timestamp >= \$2 AND timestamp < \$3`).
		WithArgs("sensor-1", now, before).WillReturnRows(rows)

	out, err := repo.Since(context.Background(), db, "sensor-1", now, before, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, ok := out[0].RawData.Float64("delta")
	require.True(t, ok)
	assert.Equal(t, 2.5, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingRepo_Since_ExcludesAnomaliesWhenRequested(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingRepo()

	now := time.Now()
	before := now.Add(time.Hour)
	mock.ExpectQuery(`(?s)SELECT .* FROM sensor_readings WHERE sensor_id = \$1 AND timestamp >= \$2 AND timestamp < \$3 AND is_anomaly = false`).
		WithArgs("sensor-1", now, before).WillReturnRows(sqlmock.NewRows([]string{
		"id", "sensor_id", "timestamp", "value", "unit", "raw_data",
		"quality_score", "is_anomaly", "anomaly_score", "created_at",
	}))

	out, err := repo.Since(context.Background(), db, "sensor-1", now, before, true)
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingRepo_MostRecentBefore_ReturnsNilWhenNoneExists(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingRepo()

	mock.ExpectQuery(`(?s)SELECT .* FROM sensor_readings`).WillReturnRows(sqlmock.NewRows([]string{
		"id", "sensor_id", "timestamp", "value", "unit", "raw_data",
		"quality_score", "is_anomaly", "anomaly_score", "created_at",
	}))

	rd, err := repo.MostRecentBefore(context.Background(), db, "sensor-1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, rd)
	require.NoError(t, mock.ExpectationsWereMet())
}

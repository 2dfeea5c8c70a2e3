package mqtt

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"strconv"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyworksapp/water-telemetry-core/internal/alertsvc"
	"github.com/busyworksapp/water-telemetry-core/internal/eventbus"
	"github.com/busyworksapp/water-telemetry-core/internal/notify"
	"github.com/busyworksapp/water-telemetry-core/internal/orchestrator"
	"github.com/busyworksapp/water-telemetry-core/internal/rules"
	"github.com/busyworksapp/water-telemetry-core/internal/store"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestSubscriber(t *testing.T) (*Subscriber, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := &store.DB{DB: sqlDB}
	bus := eventbus.New(100)
	rulesEngine, err := rules.New()
	require.NoError(t, err)
	alertSvc := alertsvc.New()
	encKey := []byte("01234567890123456789012345678901")

	orch := orchestrator.New(db, encKey, rulesEngine, alertSvc, bus, notify.NoOp{}, nil, testLogger())
	return New(Config{BrokerHost: "broker.local", BrokerPort: 1883}, orch, testLogger()), mock
}

func TestConfig_BrokerURL_PlainAndTLS(t *testing.T) {
	plain := Config{BrokerHost: "broker.local", BrokerPort: 1883}
	u, err := plain.brokerURL()
	require.NoError(t, err)
	assert.Equal(t, "mqtt://broker.local:1883", u.String())

	tlsCfg := Config{BrokerHost: "broker.local", BrokerPort: 8883, TLSEnabled: true}
	u, err = tlsCfg.brokerURL()
	require.NoError(t, err)
	assert.Equal(t, "mqtts://broker.local:8883", u.String())
}

func TestMessageRateLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	l := newMessageRateLimiter(2, testLogger())
	assert.True(t, l.allow())
	assert.True(t, l.allow())
	assert.False(t, l.allow())
}

func TestMessageRateLimiter_ZeroLimitNeverBlocks(t *testing.T) {
	l := newMessageRateLimiter(0, testLogger())
	for i := 0; i < 10; i++ {
		assert.True(t, l.allow())
	}
}

func TestSubscriber_Handle_IgnoresUnrecognizedTopicShape(t *testing.T) {
	s, _ := newTestSubscriber(t)
	s.handle(context.Background(), "sensors/dev1/data/extra", []byte(`{}`))
}

func TestSubscriber_HandleData_MalformedJSONIsLoggedNotPanicked(t *testing.T) {
	s, _ := newTestSubscriber(t)
	s.handleData(context.Background(), "dev1", []byte("{not json"))
}

func TestSubscriber_HandleData_UnknownDeviceIsLoggedNotPanicked(t *testing.T) {
	s, mock := newTestSubscriber(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .* FROM sensors WHERE device_id`).
		WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	s.handleData(context.Background(), "ghost", []byte(`{"value":1.0}`))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriber_HandleStatus_MalformedJSONIsLoggedNotPanicked(t *testing.T) {
	s, _ := newTestSubscriber(t)
	s.handleStatus(context.Background(), "dev1", []byte("{not json"), false)
}

func TestSubscriber_HandleCommand_SkipsPublishWithNoConnectionManager(t *testing.T) {
	s, _ := newTestSubscriber(t)
	// cm is nil (Start was never called): handleCommand must not panic and
	// simply skip the publish.
	s.handleCommand(context.Background(), "dev1", []byte(`{"command_id":"c1","name":"reboot"}`))
}

func TestSubscriber_HandleCommand_MalformedPayloadDoesNotPanic(t *testing.T) {
	s, _ := newTestSubscriber(t)
	s.handleCommand(context.Background(), "dev1", []byte("{not json"))
}

func TestLoadCAPool_MissingFileErrors(t *testing.T) {
	_, err := loadCAPool("/nonexistent/ca.pem")
	assert.Error(t, err)
}

func TestRandomSuffix_IsNumericAndNonEmpty(t *testing.T) {
	s := randomSuffix()
	assert.NotEmpty(t, s)
	_, err := strconv.Atoi(s)
	assert.NoError(t, err)
}

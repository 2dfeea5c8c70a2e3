package tcp

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

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

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
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
	return New("127.0.0.1", 0, orch, testLogger()), mock
}

func readLine(t *testing.T, r *bufio.Reader) outboundLine {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var out outboundLine
	require.NoError(t, json.Unmarshal([]byte(line), &out))
	return out
}

func TestHandleConn_RejectsMalformedJSON(t *testing.T) {
	s, _ := newTestServer(t)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), server)
		close(done)
	}()

	_, err := client.Write([]byte("{not json\n"))
	require.NoError(t, err)

	out := readLine(t, bufio.NewReader(client))
	assert.Equal(t, "error", out.Status)
	assert.Contains(t, out.Detail, "malformed_payload")
	<-done
}

func TestHandleConn_RequiresDeviceID(t *testing.T) {
	s, _ := newTestServer(t)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), server)
		close(done)
	}()

	_, err := client.Write([]byte(`{"value":1.0}` + "\n"))
	require.NoError(t, err)

	out := readLine(t, bufio.NewReader(client))
	assert.Equal(t, "error", out.Status)
	assert.Contains(t, out.Detail, "device_id is required")
	<-done
}

func TestHandleConn_UnknownDeviceReturnsErrorLine(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .* FROM sensors WHERE device_id`).
		WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), server)
		close(done)
	}()

	_, err := client.Write([]byte(`{"device_id":"ghost","value":1.0}` + "\n"))
	require.NoError(t, err)

	out := readLine(t, bufio.NewReader(client))
	assert.Equal(t, "error", out.Status)
	assert.NotEmpty(t, out.Detail)
	<-done
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleConn_ClosesWithoutResponseOnEmptyRead(t *testing.T) {
	s, _ := newTestServer(t)
	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), server)
		close(done)
	}()

	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleConn should have returned after the connection closed")
	}
}

func TestServer_StartAndStop(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop())
}

package http

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/eventbus"
	"github.com/busyworksapp/water-telemetry-core/internal/identity"
)

func TestScopeFromPath(t *testing.T) {
	cases := []struct {
		path   string
		scope  string
		wantOK bool
	}{
		{"/ws/M1", "M1", true},
		{"/ws/global", "global", true},
		{"/ws/", "", false},
		{"/ws/M1/extra", "", false},
		{"/other", "", false},
	}
	for _, c := range cases {
		scope, ok := scopeFromPath(c.path)
		assert.Equal(t, c.wantOK, ok, c.path)
		assert.Equal(t, c.scope, scope, c.path)
	}
}

func signSubscriberToken(t *testing.T, secret, municipalityID string, superAdmin bool) string {
	t.Helper()
	claims := identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "water-telemetry-core",
			Audience:  jwt.ClaimStrings{"subscribers"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		MunicipalityID: municipalityID,
		SuperAdmin:     superAdmin,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func dialWS(t *testing.T, server *httptest.Server, path string) (*websocket.Conn, *int) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return nil, &status
	}
	return conn, &status
}

func TestSubscriberHandler_ReplaysRecentEventsNewestFirst(t *testing.T) {
	secret := "test-secret"
	bus := eventbus.New(100)
	bus.Push("M1", domain.Event{Type: domain.EventSensorReading, Payload: map[string]any{"n": 1.0}})
	bus.Push("M1", domain.Event{Type: domain.EventSensorReading, Payload: map[string]any{"n": 2.0}})

	verifier := identity.New(secret, "water-telemetry-core", "subscribers")
	h := NewSubscriberHandler(bus, verifier, testLogger())
	server := httptest.NewServer(h)
	defer server.Close()

	tok := signSubscriberToken(t, secret, "M1", false)
	conn, _ := dialWS(t, server, "/ws/M1?token="+tok)
	require.NotNil(t, conn)
	defer conn.Close()

	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "replay", f.Type)

	events, ok := f.Data.([]any)
	require.True(t, ok)
	require.Len(t, events, 2)
	first, ok := events[0].(map[string]any)["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.0, first["n"])
}

func TestSubscriberHandler_RejectsOtherMunicipalityScope(t *testing.T) {
	secret := "test-secret"
	bus := eventbus.New(100)
	verifier := identity.New(secret, "water-telemetry-core", "subscribers")
	h := NewSubscriberHandler(bus, verifier, testLogger())
	server := httptest.NewServer(h)
	defer server.Close()

	tok := signSubscriberToken(t, secret, "M1", false)
	conn, _ := dialWS(t, server, "/ws/M2?token="+tok)
	if conn != nil {
		_, _, err := conn.ReadMessage()
		assert.Error(t, err, "connection should be closed with a policy violation")
		conn.Close()
	}
}

func TestSubscriberHandler_SuperAdminMayBindGlobalScope(t *testing.T) {
	secret := "test-secret"
	bus := eventbus.New(100)
	verifier := identity.New(secret, "water-telemetry-core", "subscribers")
	h := NewSubscriberHandler(bus, verifier, testLogger())
	server := httptest.NewServer(h)
	defer server.Close()

	tok := signSubscriberToken(t, secret, "global", true)
	conn, _ := dialWS(t, server, "/ws/global?token="+tok)
	require.NotNil(t, conn)
	defer conn.Close()

	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "replay", f.Type)
}

func TestSubscriberHandler_RejectsInvalidToken(t *testing.T) {
	secret := "test-secret"
	bus := eventbus.New(100)
	verifier := identity.New(secret, "water-telemetry-core", "subscribers")
	h := NewSubscriberHandler(bus, verifier, testLogger())
	server := httptest.NewServer(h)
	defer server.Close()

	_, status := dialWS(t, server, "/ws/M1?token=garbage")
	assert.Equal(t, 401, *status)
}

func TestSubscriberHandler_PingReceivesPong(t *testing.T) {
	secret := "test-secret"
	bus := eventbus.New(100)
	verifier := identity.New(secret, "water-telemetry-core", "subscribers")
	h := NewSubscriberHandler(bus, verifier, testLogger())
	server := httptest.NewServer(h)
	defer server.Close()

	tok := signSubscriberToken(t, secret, "M1", false)
	conn, _ := dialWS(t, server, "/ws/M1?token="+tok)
	require.NotNil(t, conn)
	defer conn.Close()

	var replay frame
	require.NoError(t, conn.ReadJSON(&replay))

	require.NoError(t, conn.WriteJSON(frame{Type: "ping"}))
	var pong frame
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
}

package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/eventbus"
	"github.com/busyworksapp/water-telemetry-core/internal/identity"
)

const globalScope = "global"

// frame is every shape the WebSocket subscriber endpoint exchanges
// (spec.md §6).
type frame struct {
	Type   string `json:"type"`
	Data   any    `json:"data,omitempty"`
	Detail string `json:"detail,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SubscriberHandler serves GET /ws/{municipality_id}, grounded on the
// gorilla/websocket usage in the homeassistant-facing transport of the
// retrieved nugget-thane-ai-agent reference.
type SubscriberHandler struct {
	bus      *eventbus.Bus
	verifier *identity.Verifier
	logger   *slog.Logger
}

func NewSubscriberHandler(bus *eventbus.Bus, verifier *identity.Verifier, logger *slog.Logger) *SubscriberHandler {
	return &SubscriberHandler{bus: bus, verifier: verifier, logger: logger}
}

func scopeFromPath(path string) (string, bool) {
	const prefix = "/ws/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	scope := strings.TrimPrefix(path, prefix)
	if scope == "" || strings.Contains(scope, "/") {
		return "", false
	}
	return scope, true
}

func (h *SubscriberHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromPath(r.URL.Path)
	if !ok {
		writeProblem(w, http.StatusNotFound, "not_found", "unrecognized subscriber path")
		return
	}

	ident, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		writeProblem(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	// Scope enforcement (spec.md §4.J step 2): non-super-admins may only
	// bind to their own municipality.
	if scope == globalScope {
		if !ident.SuperAdmin {
			closeUnauthorized(w, r)
			return
		}
	} else if !ident.SuperAdmin && scope != ident.MunicipalityID {
		closeUnauthorized(w, r)
		return
	}

	replayLimit := 0
	if v := r.URL.Query().Get("replay_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			replayLimit = n
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(scope, 64)
	defer h.bus.Unsubscribe(sub)

	// gorilla/websocket permits only one concurrent writer per
	// connection; the event-push loop below and readLoop's pong/error
	// replies both write, so both go through writeFrame.
	var writeMu sync.Mutex
	writeFrame := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(f)
	}

	// Step 3: deliver the replay frame immediately, newest-first per
	// spec.md §8 scenario S6.
	replay := h.bus.Recent(scope, replayLimit)
	reversed := make([]domain.Event, len(replay))
	for i, e := range replay {
		reversed[len(replay)-1-i] = e
	}
	if err := writeFrame(frame{Type: "replay", Data: reversed}); err != nil {
		return
	}

	done := make(chan struct{})
	go h.readLoop(conn, writeFrame, done)

	for {
		select {
		case <-done:
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			f := frame{Type: string(e.Type), Data: e.Payload}
			if err := writeFrame(f); err != nil {
				return
			}
		}
	}
}

// readLoop handles client frames: ping -> pong, malformed -> error,
// neither terminates the session (spec.md §4.J step 5). It only exits
// (closing done) when the connection itself fails. Replies go through
// writeFrame so they serialize against the event-push loop's writes.
func (h *SubscriberHandler) readLoop(conn *websocket.Conn, writeFrame func(frame) error, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in frame
		if err := json.Unmarshal(raw, &in); err != nil {
			_ = writeFrame(frame{Type: "error", Detail: "malformed frame"})
			continue
		}
		switch in.Type {
		case "ping":
			_ = writeFrame(frame{Type: "pong"})
		default:
			_ = writeFrame(frame{Type: "error", Detail: "unrecognized frame type"})
		}
	}
}

func closeUnauthorized(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(1008, "forbidden scope"),
		time.Now().Add(time.Second))
}

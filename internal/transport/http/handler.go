// Package http implements the HTTP ingest endpoint and the WebSocket
// subscriber endpoint (spec.md §4.I, §4.J, §6).
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/orchestrator"
)

// ingestBody is the bit-exact JSON shape from spec.md §6.
type ingestBody struct {
	Timestamp      string         `json:"timestamp,omitempty"`
	Value          any            `json:"value"`
	Unit           string         `json:"unit,omitempty"`
	Quality        *float64       `json:"quality,omitempty"`
	BatteryLevel   *int           `json:"battery_level,omitempty"`
	SignalStrength *int           `json:"signal_strength,omitempty"`
	RawData        map[string]any `json:"raw_data,omitempty"`
}

type ingestResponse struct {
	ReadingID    string   `json:"reading_id"`
	SensorID     string   `json:"sensor_id"`
	IsAnomaly    bool     `json:"is_anomaly"`
	AnomalyScore float64  `json:"anomaly_score"`
	AlertIDs     []string `json:"alert_ids"`
}

// Handler serves POST /api/v1/ingest/sensors/{device_id}/data.
type Handler struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{orch: orch, logger: logger}
}

// deviceIDFromPath extracts {device_id} from
// /api/v1/ingest/sensors/{device_id}/data.
func deviceIDFromPath(path string) (string, bool) {
	const prefix = "/api/v1/ingest/sensors/"
	const suffix = "/data"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	deviceID, ok := deviceIDFromPath(r.URL.Path)
	if !ok {
		writeProblem(w, http.StatusNotFound, "not_found", "unrecognized ingest path")
		return
	}

	apiKey, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "missing_credential", "Authorization: Bearer <api_key> is required")
		return
	}

	var body ingestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed_payload", err.Error())
		return
	}

	req := orchestrator.Request{
		DeviceID: deviceID,
		Protocol: domain.ProtocolHTTP,
		Payload: orchestrator.Payload{
			Timestamp:      body.Timestamp,
			Value:          body.Value,
			Unit:           body.Unit,
			QualityScore:   body.Quality,
			BatteryLevel:   body.BatteryLevel,
			SignalStrength: body.SignalStrength,
			Raw:            body.RawData,
		},
		Presented: domain.PresentedCredentials{APIKey: apiKey},
		Source: orchestrator.SourceMetadata{
			OriginAddress: r.RemoteAddr,
			UserAgent:     r.UserAgent(),
		},
		EnforceKey: true,
	}

	result, err := h.orch.Process(r.Context(), req)
	if err != nil {
		var coreErr *domain.CoreError
		if !errors.As(err, &coreErr) {
			h.logger.Error("ingest failed", "device_id", deviceID, "error", err)
		}
		writeOrchestratorError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ingestResponse{
		ReadingID:    result.ReadingID,
		SensorID:     result.SensorID,
		IsAnomaly:    result.IsAnomaly,
		AnomalyScore: result.AnomalyScore,
		AlertIDs:     result.AlertIDs,
	})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

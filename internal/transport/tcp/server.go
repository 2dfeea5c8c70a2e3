// Package tcp implements the newline-delimited JSON transport adapter
// (spec.md §4.I, §6): legacy/industrial sensors that speak raw TCP
// instead of HTTP or MQTT connect, write one JSON object per line, read
// one JSON object back, and disconnect.
package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/orchestrator"
)

const (
	maxLineBytes = 8 << 10 // 8KB per spec.md §6
	connTimeout  = 30 * time.Second
)

// Server accepts plaintext TCP connections on a fixed host:port.
type Server struct {
	addr   string
	orch   *orchestrator.Orchestrator
	logger *slog.Logger

	listener net.Listener
}

func New(host string, port int, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	return &Server{addr: fmt.Sprintf("%s:%d", host, port), orch: orch, logger: logger}
}

// Start listens and serves connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcp listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("tcp accept failed", "error", err)
				continue
			}
			go s.handleConn(ctx, conn)
		}
	}()

	s.logger.Info("tcp ingest listening", "addr", s.addr)
	return nil
}

func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

type inboundLine struct {
	DeviceID               string         `json:"device_id"`
	Timestamp              string         `json:"timestamp,omitempty"`
	Value                  any            `json:"value"`
	Unit                   string         `json:"unit,omitempty"`
	Quality                *float64       `json:"quality,omitempty"`
	BatteryLevel           *int           `json:"battery_level,omitempty"`
	SignalStrength         *int           `json:"signal_strength,omitempty"`
	Firmware               string         `json:"firmware,omitempty"`
	RawData                map[string]any `json:"raw_data,omitempty"`
	APIKey                 string         `json:"api_key,omitempty"`
	CertificateFingerprint string         `json:"certificate_fingerprint,omitempty"`
}

type outboundLine struct {
	Status       string   `json:"status"` // "success" | "error" per spec
	ReadingID    string   `json:"reading_id,omitempty"`
	SensorID     string   `json:"sensor_id,omitempty"`
	IsAnomaly    bool     `json:"is_anomaly,omitempty"`
	AnomalyScore float64  `json:"anomaly_score,omitempty"`
	AlertIDs     []string `json:"alert_ids,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

// handleConn reads exactly one line, processes it, writes exactly one
// response line, and closes — per spec.md §6 this transport is
// request/response, not a persistent session.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReaderSize(conn, maxLineBytes)
	line, err := reader.ReadSlice('\n')
	if err != nil && len(line) == 0 {
		return
	}

	var in inboundLine
	if err := json.Unmarshal(line, &in); err != nil {
		s.writeResponse(conn, outboundLine{Status: "error", Detail: "malformed_payload: " + err.Error()})
		return
	}
	if in.DeviceID == "" {
		s.writeResponse(conn, outboundLine{Status: "error", Detail: "malformed_payload: device_id is required"})
		return
	}

	req := orchestrator.Request{
		DeviceID: in.DeviceID,
		Protocol: domain.ProtocolTCP,
		Payload: orchestrator.Payload{
			Timestamp:      in.Timestamp,
			Value:          in.Value,
			Unit:           in.Unit,
			QualityScore:   in.Quality,
			BatteryLevel:   in.BatteryLevel,
			SignalStrength: in.SignalStrength,
			Firmware:       in.Firmware,
			Raw:            in.RawData,
		},
		Presented: domain.PresentedCredentials{
			APIKey:                 in.APIKey,
			CertificateFingerprint: in.CertificateFingerprint,
		},
		Source:     orchestrator.SourceMetadata{OriginAddress: conn.RemoteAddr().String()},
		EnforceKey: false,
	}

	result, err := s.orch.Process(ctx, req)
	if err != nil {
		s.writeResponse(conn, outboundLine{Status: "error", Detail: err.Error()})
		return
	}
	s.writeResponse(conn, outboundLine{
		Status:       "success",
		ReadingID:    result.ReadingID,
		SensorID:     result.SensorID,
		IsAnomaly:    result.IsAnomaly,
		AnomalyScore: result.AnomalyScore,
		AlertIDs:     result.AlertIDs,
	})
}

func (s *Server) writeResponse(conn net.Conn, out outboundLine) {
	body, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("tcp response encode failed", "error", err)
		return
	}
	body = append(body, '\n')
	_, _ = conn.Write(body)
}

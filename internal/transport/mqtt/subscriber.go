// Package mqtt implements the MQTT transport adapter (spec.md §4.I,
// §6): a long-lived autopaho connection that subscribes to the
// per-device sensor topics and funnels every message into the
// orchestrator, grounded on the connection/reconnect/subscribe shape
// of the teacher's internal/mqtt package (subscriber.go, publisher.go).
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/orchestrator"
)

const (
	topicData      = "sensors/+/data"
	topicStatus    = "sensors/+/status"
	topicHeartbeat = "sensors/+/heartbeat"
	topicCommand   = "system/+/command"
)

// messageRateLimiter caps inbound message processing to protect the
// orchestrator from a broker replay storm, grounded on the teacher's
// atomic-counter messageRateLimiter in internal/mqtt/subscriber.go.
type messageRateLimiter struct {
	limit  int64
	count  atomic.Int64
	logger *slog.Logger
}

func newMessageRateLimiter(limit int, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: int64(limit), logger: logger}
}

func (l *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.count.Store(0)
		}
	}
}

func (l *messageRateLimiter) allow() bool {
	if l.limit <= 0 {
		return true
	}
	n := l.count.Add(1)
	if n > l.limit {
		l.logger.Warn("mqtt inbound rate limit exceeded, dropping message", "limit", l.limit)
		return false
	}
	return true
}

// Config carries the connection parameters the composition root reads
// out of config.Config.
type Config struct {
	BrokerHost string
	BrokerPort int
	Username   string
	Password   string
	TLSEnabled bool
	TLSCAFile  string
}

func (c Config) brokerURL() (*url.URL, error) {
	scheme := "mqtt"
	if c.TLSEnabled {
		scheme = "mqtts"
	}
	return url.Parse(fmt.Sprintf("%s://%s:%d", scheme, c.BrokerHost, c.BrokerPort))
}

// Subscriber owns the autopaho connection and dispatches inbound
// publishes into the orchestrator.
type Subscriber struct {
	cfg    Config
	orch   *orchestrator.Orchestrator
	logger *slog.Logger

	limiter *messageRateLimiter
	cm      *autopaho.ConnectionManager
}

func New(cfg Config, orch *orchestrator.Orchestrator, logger *slog.Logger) *Subscriber {
	return &Subscriber{cfg: cfg, orch: orch, logger: logger, limiter: newMessageRateLimiter(200, logger)}
}

// Start connects to the broker and subscribes to every device topic.
// autopaho owns the reconnect loop. This adapter configures no backoff
// bounds of its own (autopaho's default applies), and OnConnectError
// only logs, so broker-reported authentication failures (return codes
// 4 and 5) are retried like any other connection error.
func (s *Subscriber) Start(ctx context.Context) error {
	brokerURL, err := s.cfg.brokerURL()
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:       []*url.URL{brokerURL},
		KeepAlive:        30,
		ConnectUsername:  s.cfg.Username,
		ConnectPassword:  []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "host", s.cfg.BrokerHost, "port", s.cfg.BrokerPort)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: topicData, QoS: 1},
					{Topic: topicStatus, QoS: 0},
					{Topic: topicHeartbeat, QoS: 0},
					{Topic: topicCommand, QoS: 1},
				},
			}); err != nil {
				s.logger.Error("mqtt subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error, retrying with backoff", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ingestd-" + randomSuffix(),
		},
	}

	if s.cfg.TLSEnabled {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if s.cfg.TLSCAFile != "" {
			pool, err := loadCAPool(s.cfg.TLSCAFile)
			if err != nil {
				return fmt.Errorf("load mqtt ca file: %w", err)
			}
			tlsCfg.RootCAs = pool
		}
		pahoCfg.TlsCfg = tlsCfg
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	go s.limiter.start(ctx)
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !s.limiter.allow() {
			return true, nil
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("mqtt message handler panicked", "topic", pr.Packet.Topic, "panic", r)
				}
			}()
			s.handle(context.Background(), pr.Packet.Topic, pr.Packet.Payload)
		}()
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop gracefully disconnects.
func (s *Subscriber) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	return s.cm.Disconnect(ctx)
}

// handle routes one inbound publish by its topic's middle segment
// (sensors/{device_id}/{kind} or system/{device_id}/command) into the
// orchestrator.
func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		s.logger.Warn("mqtt message on unrecognized topic shape", "topic", topic)
		return
	}
	deviceID, kind := parts[1], parts[2]

	switch kind {
	case "data":
		s.handleData(ctx, deviceID, payload)
	case "status":
		s.handleStatus(ctx, deviceID, payload, false)
	case "heartbeat":
		s.handleStatus(ctx, deviceID, payload, true)
	case "command":
		s.handleCommand(ctx, deviceID, payload)
	default:
		s.logger.Warn("mqtt message on unrecognized topic kind", "topic", topic)
	}
}

// inboundMessage is the wire shape for data/status/heartbeat messages:
// the sensor payload fields plus whichever credential material the
// device embeds in the body, since MQTT carries no bearer header.
type inboundMessage struct {
	Timestamp              string         `json:"timestamp,omitempty"`
	Value                  any            `json:"value"`
	Unit                   string         `json:"unit,omitempty"`
	Quality                *float64       `json:"quality,omitempty"`
	BatteryLevel           *int           `json:"battery_level,omitempty"`
	SignalStrength         *int           `json:"signal_strength,omitempty"`
	Firmware               string         `json:"firmware,omitempty"`
	RawData                map[string]any `json:"raw_data,omitempty"`
	APIKey                 string         `json:"api_key,omitempty"`
	MQTTPassword           string         `json:"mqtt_password,omitempty"`
	CertificateFingerprint string         `json:"certificate_fingerprint,omitempty"`
}

func (m inboundMessage) presented() domain.PresentedCredentials {
	return domain.PresentedCredentials{
		APIKey:                 m.APIKey,
		MQTTPassword:           m.MQTTPassword,
		CertificateFingerprint: m.CertificateFingerprint,
	}
}

func (s *Subscriber) handleData(ctx context.Context, deviceID string, payload []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("mqtt data payload malformed", "device_id", deviceID, "error", err)
		return
	}

	req := orchestrator.Request{
		DeviceID: deviceID,
		Protocol: domain.ProtocolMQTT,
		Payload: orchestrator.Payload{
			Timestamp:      msg.Timestamp,
			Value:          msg.Value,
			Unit:           msg.Unit,
			QualityScore:   msg.Quality,
			BatteryLevel:   msg.BatteryLevel,
			SignalStrength: msg.SignalStrength,
			Firmware:       msg.Firmware,
			Raw:            msg.RawData,
		},
		Presented:  msg.presented(),
		Source:     orchestrator.SourceMetadata{OriginAddress: "mqtt:" + deviceID},
		EnforceKey: false,
	}

	if _, err := s.orch.Process(ctx, req); err != nil {
		s.logger.Warn("mqtt data ingestion failed", "device_id", deviceID, "error", err)
	}
}

func (s *Subscriber) handleStatus(ctx context.Context, deviceID string, payload []byte, heartbeat bool) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("mqtt status payload malformed", "device_id", deviceID, "heartbeat", heartbeat, "error", err)
		return
	}

	req := orchestrator.TouchRequest{
		DeviceID:       deviceID,
		Protocol:       domain.ProtocolMQTT,
		BatteryLevel:   msg.BatteryLevel,
		SignalStrength: msg.SignalStrength,
		Firmware:       msg.Firmware,
		Presented:      msg.presented(),
		Source:         orchestrator.SourceMetadata{OriginAddress: "mqtt:" + deviceID},
	}

	if err := s.orch.Touch(ctx, req); err != nil {
		s.logger.Warn("mqtt status check-in failed", "device_id", deviceID, "heartbeat", heartbeat, "error", err)
	}
}

// commandPayload is the request/response envelope for system/+/command.
// Command handling beyond acknowledging receipt is out of scope — no
// remote-management surface is defined by this core; the response
// simply confirms the command landed.
type commandPayload struct {
	CommandID string `json:"command_id"`
	Name      string `json:"name"`
}

type commandResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

func (s *Subscriber) handleCommand(ctx context.Context, deviceID string, payload []byte) {
	var cmd commandPayload
	resp := commandResponse{Status: "accepted"}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		resp = commandResponse{Status: "rejected", Detail: "malformed command payload"}
	} else {
		resp.CommandID = cmd.CommandID
		s.logger.Info("mqtt command received", "device_id", deviceID, "command", cmd.Name)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mqtt command response encode failed", "device_id", deviceID, "error", err)
		return
	}
	if s.cm == nil {
		return
	}
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   "sensors/" + deviceID + "/response",
		QoS:     1,
		Payload: body,
	}); err != nil {
		s.logger.Warn("mqtt command response publish failed", "device_id", deviceID, "error", err)
	}
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func randomSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000)
}

package cellular

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/orchestrator"
)

// Gateway adapts the three GSM wire formats onto the orchestrator.
// There is no listening socket here: SMS/USSD arrive through whatever
// carrier-side webhook or modem driver the deployment runs in front of
// this core, and call the matching Process* method directly.
type Gateway struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func New(orch *orchestrator.Orchestrator, logger *slog.Logger) *Gateway {
	return &Gateway{orch: orch, logger: logger}
}

// ProcessSMS handles one inbound SMS body from phoneNumber.
func (g *Gateway) ProcessSMS(ctx context.Context, phoneNumber, message string) (*orchestrator.Result, error) {
	payload, deviceID, err := DecodeSMS(message)
	if err != nil {
		return nil, fmt.Errorf("decode sms: %w", err)
	}
	return g.process(ctx, deviceID, domain.ProtocolGSM, payload, phoneNumber)
}

// ProcessUSSD handles one completed USSD session.
func (g *Gateway) ProcessUSSD(ctx context.Context, phoneNumber, code, response string) (*orchestrator.Result, error) {
	payload, deviceID, err := DecodeUSSD(code, response, phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("decode ussd: %w", err)
	}
	return g.process(ctx, deviceID, domain.ProtocolGSM, payload, phoneNumber)
}

// ProcessGPRS handles one inbound GPRS document: the carrier gateway
// has already parsed the device's HTTP/GPRS body into a JSON object,
// identified by the modem's IMEI — which also serves as the device
// identifier when the document carries no sensor_id.
func (g *Gateway) ProcessGPRS(ctx context.Context, imei string, data map[string]any) (*orchestrator.Result, error) {
	payload, deviceID, presented, err := DecodeGPRS(imei, data)
	if err != nil {
		return nil, fmt.Errorf("decode gprs: %w", err)
	}

	req := orchestrator.Request{
		DeviceID:   deviceID,
		Protocol:   domain.ProtocolGSM,
		Payload:    payload,
		Presented:  presented,
		Source:     orchestrator.SourceMetadata{OriginAddress: "gprs:" + imei},
		EnforceKey: false,
	}
	result, err := g.orch.Process(ctx, req)
	if err != nil {
		g.logger.Warn("gprs ingestion failed", "imei", imei, "device_id", deviceID, "error", err)
		return nil, err
	}
	return result, nil
}

func (g *Gateway) process(ctx context.Context, deviceID string, protocol domain.Protocol, payload orchestrator.Payload, origin string) (*orchestrator.Result, error) {
	req := orchestrator.Request{
		DeviceID:   deviceID,
		Protocol:   protocol,
		Payload:    payload,
		Source:     orchestrator.SourceMetadata{OriginAddress: "gsm:" + origin},
		EnforceKey: false,
	}
	result, err := g.orch.Process(ctx, req)
	if err != nil {
		g.logger.Warn("cellular ingestion failed", "device_id", deviceID, "protocol", protocol, "error", err)
		return nil, err
	}
	return result, nil
}

// Package cellular implements the SMS/USSD/GPRS transport adapter
// SPEC_FULL.md §4 supplements from the original GSM gateway
// (original_source backend/app/iot/gsm.py): the wire formats sensors
// with only a GSM modem report over, normalized into the same
// orchestrator.Request every other transport builds.
package cellular

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/orchestrator"
)

// smsQuality and ussdQuality mirror the fixed reliability scores the
// original gateway assigned per channel: SMS is moderately reliable,
// USSD less so because it has no structured payload at all.
const (
	smsQuality  = 0.8
	ussdQuality = 0.7
)

// DecodeSMS parses "SENSOR_ID:VALUE[:UNIT]" (e.g. "WS001:3.5:bar"),
// the colon-delimited format the original gateway accepts over SMS.
func DecodeSMS(message string) (orchestrator.Payload, string, error) {
	parts := strings.Split(strings.TrimSpace(message), ":")
	if len(parts) < 2 {
		return orchestrator.Payload{}, "", fmt.Errorf("invalid SMS format, expected SENSOR_ID:VALUE[:UNIT]")
	}

	deviceID := parts[0]
	value, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return orchestrator.Payload{}, "", fmt.Errorf("invalid SMS value %q: %w", parts[1], err)
	}

	quality := smsQuality
	payload := orchestrator.Payload{
		Value:        value,
		QualityScore: &quality,
	}
	if len(parts) > 2 {
		payload.Unit = parts[2]
	}
	return payload, deviceID, nil
}

// DecodeUSSD parses a USSD session: code is the dialed string
// "*123*SENSOR_ID*VALUE#" and response is what the device reported
// back, "VALUE" or "VALUE UNIT". Falls back to fallbackID (the
// originating phone number) when the code carries no device segment,
// matching the original gateway's behavior.
func DecodeUSSD(code, response, fallbackID string) (orchestrator.Payload, string, error) {
	fields := strings.Fields(strings.TrimSpace(response))
	if len(fields) == 0 {
		return orchestrator.Payload{}, "", fmt.Errorf("empty USSD response")
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return orchestrator.Payload{}, "", fmt.Errorf("invalid USSD value %q: %w", fields[0], err)
	}

	deviceID := fallbackID
	codeParts := strings.Split(strings.Trim(strings.TrimSpace(code), "*#"), "*")
	if len(codeParts) > 1 && codeParts[1] != "" {
		deviceID = codeParts[1]
	}

	quality := ussdQuality
	payload := orchestrator.Payload{
		Value:        value,
		QualityScore: &quality,
	}
	if len(fields) > 1 {
		payload.Unit = fields[1]
	}
	return payload, deviceID, nil
}

// DecodeGPRS normalizes the already-parsed JSON document a GPRS/HTTP
// carrier gateway delivers — the original's GPRS path receives a dict,
// not a raw wire line. Recognized keys: sensor_id, value (required),
// unit, timestamp, signal_strength, battery_level, api_key. The device
// identifier falls back to the modem's IMEI when sensor_id is absent.
func DecodeGPRS(imei string, data map[string]any) (orchestrator.Payload, string, domain.PresentedCredentials, error) {
	if _, ok := data["value"]; !ok {
		return orchestrator.Payload{}, "", domain.PresentedCredentials{}, fmt.Errorf("missing value in GPRS payload")
	}

	deviceID, _ := data["sensor_id"].(string)
	if deviceID == "" {
		deviceID = imei
	}

	raw := domain.RawPayload(data)
	var battery, signal *int
	if v, ok := raw.Float64("battery_level"); ok {
		b := int(v)
		battery = &b
	}
	if v, ok := raw.Float64("signal_strength"); ok {
		s := int(v)
		signal = &s
	}
	quality := gprsQuality(battery, signal)

	unit, _ := data["unit"].(string)
	timestamp, _ := data["timestamp"].(string)
	apiKey, _ := data["api_key"].(string)

	payload := orchestrator.Payload{
		Timestamp:      timestamp,
		Value:          data["value"],
		Unit:           unit,
		QualityScore:   &quality,
		BatteryLevel:   battery,
		SignalStrength: signal,
		Raw:            data,
	}
	return payload, deviceID, domain.PresentedCredentials{APIKey: apiKey}, nil
}

// gprsQuality mirrors _calculate_quality from the original gateway: a
// weighted average favoring signal strength over battery level, each
// normalized to 0-1. An absent signal counts as mid-range (0.5) and an
// absent battery level as full (1.0).
func gprsQuality(battery, signal *int) float64 {
	signalScore, batteryScore := 0.5, 1.0
	if signal != nil {
		signalScore = clamp01(float64(*signal) / 100)
	}
	if battery != nil {
		batteryScore = clamp01(float64(*battery) / 100)
	}
	return signalScore*0.7 + batteryScore*0.3
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

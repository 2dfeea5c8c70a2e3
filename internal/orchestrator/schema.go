package orchestrator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchemaJSON is the canonical ingest payload shape from spec.md
// §6, expressed as a JSON Schema so every transport adapter validates
// against the same rules the HTTP endpoint's bit-exact body documents,
// grounded on the teacher's pkg/firewall schema-per-tool validator.
const payloadSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "timestamp": {"type": "string", "minLength": 1},
    "unit": {"type": "string"},
    "quality_score": {"type": "number", "minimum": 0, "maximum": 1},
    "battery_level": {"type": "integer", "minimum": 0, "maximum": 100},
    "signal_strength": {"type": "integer", "minimum": -200, "maximum": 100}
  }
}`

var (
	payloadSchemaOnce sync.Once
	payloadSchema     *jsonschema.Schema
	payloadSchemaErr  error
)

func compiledPayloadSchema() (*jsonschema.Schema, error) {
	payloadSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://water-telemetry-core.local/schemas/ingest-payload.json"
		if err := c.AddResource(url, strings.NewReader(payloadSchemaJSON)); err != nil {
			payloadSchemaErr = fmt.Errorf("load payload schema: %w", err)
			return
		}
		payloadSchema, payloadSchemaErr = c.Compile(url)
	})
	return payloadSchema, payloadSchemaErr
}

// ValidatePayloadShape checks the optional, bounded fields of a
// canonical Payload (spec.md §6) against a JSON Schema before Process
// builds a reading from it: quality_score in [0,1], battery_level in
// [0,100], signal_strength a plausible dBm or percent value (HTTP/MQTT
// devices report dBm; GSM modems report 0-100). Value and timestamp
// parsing keep their own dedicated error messages (coerceFloat,
// parseTimestamp) since a schema check would only repeat them less
// precisely.
func ValidatePayloadShape(p Payload) error {
	schema, err := compiledPayloadSchema()
	if err != nil {
		return err
	}

	doc := map[string]any{}
	if p.Timestamp != "" {
		doc["timestamp"] = p.Timestamp
	}
	if p.Unit != "" {
		doc["unit"] = p.Unit
	}
	if p.QualityScore != nil {
		doc["quality_score"] = *p.QualityScore
	}
	if p.BatteryLevel != nil {
		doc["battery_level"] = float64(*p.BatteryLevel)
	}
	if p.SignalStrength != nil {
		doc["signal_strength"] = float64(*p.SignalStrength)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload shape: %w", err)
	}
	return nil
}

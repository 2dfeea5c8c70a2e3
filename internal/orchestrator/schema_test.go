package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptrFloat(f float64) *float64 { return &f }
func ptrInt(i int) *int           { return &i }

func TestValidatePayloadShape_AcceptsEmptyOptionalFields(t *testing.T) {
	err := ValidatePayloadShape(Payload{Value: 1.0})
	assert.NoError(t, err)
}

func TestValidatePayloadShape_AcceptsInRangeOptionalFields(t *testing.T) {
	err := ValidatePayloadShape(Payload{
		Value:          1.0,
		QualityScore:   ptrFloat(0.95),
		BatteryLevel:   ptrInt(78),
		SignalStrength: ptrInt(-72),
	})
	assert.NoError(t, err)
}

func TestValidatePayloadShape_RejectsOutOfRangeQuality(t *testing.T) {
	err := ValidatePayloadShape(Payload{Value: 1.0, QualityScore: ptrFloat(1.5)})
	assert.Error(t, err)
}

func TestValidatePayloadShape_RejectsOutOfRangeBattery(t *testing.T) {
	err := ValidatePayloadShape(Payload{Value: 1.0, BatteryLevel: ptrInt(150)})
	assert.Error(t, err)
}

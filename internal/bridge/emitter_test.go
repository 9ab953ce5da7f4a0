package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgate/voltgate/internal/telemetry"
)

func TestToEventEnvelope(t *testing.T) {
	t.Parallel()

	e := NewEmitter("my-bridge")
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	ev := e.ToEvent("Soc", 72.0, "5YJ3E1EA7KF000001", ts)
	require.NotNil(t, ev)

	assert.Equal(t, "req:agent", ev.Method)
	assert.Equal(t, "battery", ev.Params.EventType)
	assert.Equal(t, "my-bridge", ev.Params.Source)
	assert.Equal(t, "5YJ3E1EA7KF000001", ev.Params.VIN)
	assert.Equal(t, "2026-03-14T15:09:26Z", ev.Params.Timestamp)
}

func TestToEventFieldMappings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field     string
		value     any
		eventType string
		data      map[string]any
	}{
		{"Soc", 72.0, "battery", map[string]any{"battery_level": 72.0}},
		{"BatteryLevel", int64(80), "battery", map[string]any{"battery_level": 80.0}},
		{"EstBatteryRange", 201.5, "battery", map[string]any{"range_miles": 201.5}},
		{"InsideTemp", 21.5, "inside_temp", map[string]any{"inside_temp_f": 70.7}},
		{"OutsideTemp", -5.0, "outside_temp", map[string]any{"outside_temp_f": 23.0}},
		{"VehicleSpeed", 65.0, "speed", map[string]any{"speed_mph": 65.0}},
		{
			"Location",
			telemetry.Location{Latitude: 37.7749, Longitude: -122.4194},
			"location",
			map[string]any{"latitude": 37.7749, "longitude": -122.4194, "heading": 0, "speed": 0},
		},
		{"Locked", true, "security_changed", map[string]any{"field": "locked", "value": true}},
		{"SentryMode", false, "security_changed", map[string]any{"field": "sentrymode", "value": false}},
		{"Gear", "D", "gear_changed", map[string]any{"gear": "D"}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			t.Parallel()
			ev := NewEmitter("").ToEvent(tt.field, tt.value, "VIN", time.Now())
			require.NotNil(t, ev)
			assert.Equal(t, tt.eventType, ev.Params.EventType)
			assert.Equal(t, tt.data, ev.Params.Data)
		})
	}
}

func TestToEventUnmappedFields(t *testing.T) {
	t.Parallel()

	e := NewEmitter("")
	assert.Nil(t, e.ToEvent("Odometer", 12345.0, "VIN", time.Now()))
	assert.Nil(t, e.ToEvent("Location", "not-a-location", "VIN", time.Now()))
	assert.Nil(t, e.ToEvent("Soc", "not-a-number", "VIN", time.Now()))
	assert.Nil(t, e.ToEvent("Gear", 3, "VIN", time.Now()))
}

func TestChargeStateBuckets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state  string
		bucket string
	}{
		{"Charging", "charge_started"},
		{"Starting", "charge_started"},
		{"DetailedChargeStateCharging", "charge_started"},
		{"Complete", "charge_complete"},
		{"ChargeComplete", "charge_complete"},
		{"Stopped", "charge_stopped"},
		{"Disconnected", "charge_stopped"},
		{"NoPower", "charge_state_changed"},
		{"Idle", "charge_state_changed"},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			t.Parallel()
			ev := NewEmitter("").ToEvent("ChargeState", tt.state, "VIN", time.Now())
			require.NotNil(t, ev)
			assert.Equal(t, tt.bucket, ev.Params.EventType)
			assert.Equal(t, tt.state, ev.Params.Data["state"])
		})
	}
}

package bridge

import (
	"math"
	"strings"
	"time"
)

// Event is the outbound gateway frame for one telemetry observation.
type Event struct {
	Method string      `json:"method"`
	Params EventParams `json:"params"`
}

// EventParams carries the event envelope fields.
type EventParams struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	VIN       string         `json:"vin"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Emitter is the stateless transform from telemetry datums to gateway
// events. Unrecognized fields yield nil.
type Emitter struct {
	source string
}

// NewEmitter returns an Emitter stamping events with the given source
// client id.
func NewEmitter(clientID string) *Emitter {
	if clientID == "" {
		clientID = defaultClientID
	}
	return &Emitter{source: clientID}
}

// ToEvent maps one field/value pair to a gateway event, or nil when
// the field has no event mapping or the value is malformed.
func (e *Emitter) ToEvent(fieldName string, value any, vin string, timestamp time.Time) *Event {
	eventType, data := eventPayload(fieldName, value)
	if data == nil {
		return nil
	}
	return &Event{
		Method: "req:agent",
		Params: EventParams{
			EventType: eventType,
			Source:    e.source,
			VIN:       vin,
			Timestamp: timestamp.UTC().Format(time.RFC3339),
			Data:      data,
		},
	}
}

func eventPayload(fieldName string, value any) (string, map[string]any) {
	switch fieldName {
	case "Location":
		loc, ok := toLocation(value)
		if !ok {
			return "", nil
		}
		return "location", map[string]any{
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
			"heading":   0,
			"speed":     0,
		}

	case "Soc", "BatteryLevel":
		level, ok := toFloat(value)
		if !ok {
			return "", nil
		}
		return "battery", map[string]any{"battery_level": level}

	case "EstBatteryRange":
		miles, ok := toFloat(value)
		if !ok {
			return "", nil
		}
		return "battery", map[string]any{"range_miles": miles}

	case "InsideTemp", "OutsideTemp":
		celsius, ok := toFloat(value)
		if !ok {
			return "", nil
		}
		name := strings.ToLower(fieldName[:len(fieldName)-4]) + "_temp"
		return name, map[string]any{name + "_f": fahrenheit(celsius)}

	case "VehicleSpeed":
		mph, ok := toFloat(value)
		if !ok {
			return "", nil
		}
		return "speed", map[string]any{"speed_mph": mph}

	case "ChargeState", "DetailedChargeState":
		state, ok := value.(string)
		if !ok {
			return "", nil
		}
		return chargeBucket(state), map[string]any{"state": state}

	case "Locked", "SentryMode":
		return "security_changed", map[string]any{
			"field": strings.ToLower(fieldName),
			"value": value,
		}

	case "Gear":
		gear, ok := value.(string)
		if !ok {
			return "", nil
		}
		return "gear_changed", map[string]any{"gear": gear}

	default:
		return "", nil
	}
}

// chargeBucket collapses provider charge-state strings into stable
// event types by substring.
func chargeBucket(state string) string {
	s := strings.ToLower(state)
	switch {
	case strings.Contains(s, "charging") || s == "starting":
		return "charge_started"
	case strings.Contains(s, "complete"):
		return "charge_complete"
	case strings.Contains(s, "stopped") || strings.Contains(s, "disconnected"):
		return "charge_stopped"
	default:
		return "charge_state_changed"
	}
}

// fahrenheit converts Celsius, rounded to one decimal place.
func fahrenheit(celsius float64) float64 {
	return math.Round((celsius*9/5+32)*10) / 10
}

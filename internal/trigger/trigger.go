// Package trigger implements agent-defined telemetry conditions with
// cooldown, one-shot, and geofence semantics.
package trigger

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/voltgate/voltgate/internal/telemetry"
)

// Operator is a trigger comparison operator.
type Operator string

const (
	OpLT      Operator = "lt"
	OpGT      Operator = "gt"
	OpLTE     Operator = "lte"
	OpGTE     Operator = "gte"
	OpEQ      Operator = "eq"
	OpNEQ     Operator = "neq"
	OpChanged Operator = "changed"
	OpEnter   Operator = "enter"
	OpLeave   Operator = "leave"
)

// ParseOperator validates an operator string.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpLT, OpGT, OpLTE, OpGTE, OpEQ, OpNEQ, OpChanged, OpEnter, OpLeave:
		return op, nil
	default:
		return "", fmt.Errorf("trigger: unknown operator %q", s)
	}
}

// Geofence is the circle used by the enter/leave operators.
type Geofence struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusM   float64 `json:"radius_m"`
}

// Contains reports whether the point lies inside the circle.
func (g Geofence) Contains(loc telemetry.Location) bool {
	center := telemetry.Location{Latitude: g.Latitude, Longitude: g.Longitude}
	return Haversine(center, loc) <= g.RadiusM
}

// Condition is what a trigger watches. Value holds the comparison
// operand for numeric and equality operators; Fence holds the circle
// for enter/leave; changed uses neither.
type Condition struct {
	Field    string    `json:"field"`
	Operator Operator  `json:"operator"`
	Value    any       `json:"value,omitempty"`
	Fence    *Geofence `json:"fence,omitempty"`
}

// Trigger is one registered condition.
type Trigger struct {
	ID        string    `json:"id"`
	Condition Condition `json:"condition"`
	Once      bool      `json:"once"`
	Cooldown  float64   `json:"cooldown_seconds"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification records one trigger fire.
type Notification struct {
	TriggerID     string    `json:"trigger_id"`
	Field         string    `json:"field"`
	Operator      Operator  `json:"operator"`
	Threshold     any       `json:"threshold,omitempty"`
	Value         any       `json:"value"`
	PreviousValue any       `json:"previous_value,omitempty"`
	FiredAt       time.Time `json:"fired_at"`
	VIN           string    `json:"vin"`
	// Once marks notifications from one-shot triggers so delivery
	// confirmation can finalize them.
	Once bool `json:"once,omitempty"`
}

const earthRadiusM = 6371000.0

// Haversine returns the great-circle distance between two points in
// meters.
func Haversine(a, b telemetry.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// asLocation coerces a telemetry value to a Location for geofence
// operators.
func asLocation(v any) (telemetry.Location, bool) {
	switch x := v.(type) {
	case telemetry.Location:
		return x, true
	case *telemetry.Location:
		if x == nil {
			return telemetry.Location{}, false
		}
		return *x, true
	case map[string]any:
		lat, okLat := coerceFloat(x["latitude"])
		lon, okLon := coerceFloat(x["longitude"])
		if !okLat || !okLon {
			return telemetry.Location{}, false
		}
		return telemetry.Location{Latitude: lat, Longitude: lon}, true
	default:
		return telemetry.Location{}, false
	}
}

// coerceFloat converts trigger operands and telemetry values to
// float64 for numeric comparison. Failure means the trigger does not
// fire.
func coerceFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

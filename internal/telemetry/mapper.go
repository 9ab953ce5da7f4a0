package telemetry

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// transformFunc converts a raw telemetry value to the representation
// stored at the mapped path. Returning (nil, false) suppresses the
// leaf.
type transformFunc func(value any) (any, bool)

// FieldMapping maps a telemetry field to one leaf in the vehicle-data
// snapshot.
type FieldMapping struct {
	// Path is a dotted path into the snapshot, e.g.
	// "charge_state.battery_level".
	Path      string
	Transform transformFunc
}

func toInt(v any) (any, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case bool:
		if x {
			return int64(1), true
		}
		return int64(0), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, false
		}
		return int64(n), true
	default:
		return nil, false
	}
}

func toFloat(v any) (any, bool) {
	f, ok := asFloat(v)
	if !ok {
		return nil, false
	}
	return f, true
}

func toBool(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int64:
		return x != 0, true
	case float64:
		return x != 0, true
	case string:
		switch strings.ToLower(x) {
		case "true", "1", "yes":
			return true, true
		default:
			return false, true
		}
	default:
		return nil, false
	}
}

func toString(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	default:
		return fmt.Sprintf("%v", x), true
	}
}

// gearString maps gear enum values to the REST API's shift_state
// strings.
func gearString(v any) (any, bool) {
	s, ok := toString(v)
	if !ok {
		return nil, false
	}
	switch s {
	case "P", "Park":
		return "P", true
	case "R", "Reverse":
		return "R", true
	case "N", "Neutral":
		return "N", true
	case "D", "Drive", "DriveSport":
		return "D", true
	case "":
		return nil, false
	default:
		return s, true
	}
}

func extractLatitude(v any) (any, bool) {
	loc, ok := v.(Location)
	if !ok {
		return nil, false
	}
	return loc.Latitude, true
}

func extractLongitude(v any) (any, bool) {
	loc, ok := v.(Location)
	if !ok {
		return nil, false
	}
	return loc.Longitude, true
}

// fieldMap is the master telemetry field -> snapshot path table. Keys
// are vehicle_data.proto Field enum names.
var fieldMap = map[string][]FieldMapping{
	// charge_state
	"Soc":                        {{Path: "charge_state.usable_battery_level", Transform: toInt}},
	"BatteryLevel":               {{Path: "charge_state.battery_level", Transform: toInt}},
	"ChargeState":                {{Path: "charge_state.charging_state", Transform: toString}},
	"DetailedChargeState":        {{Path: "charge_state.charge_port_latch", Transform: toString}},
	"EstBatteryRange":            {{Path: "charge_state.est_battery_range", Transform: toFloat}},
	"IdealBatteryRange":          {{Path: "charge_state.ideal_battery_range", Transform: toFloat}},
	"RatedRange":                 {{Path: "charge_state.battery_range", Transform: toFloat}},
	"ChargerVoltage":             {{Path: "charge_state.charger_voltage", Transform: toInt}},
	"ChargeAmps":                 {{Path: "charge_state.charge_amps", Transform: toInt}},
	"ChargerPhases":              {{Path: "charge_state.charger_phases", Transform: toInt}},
	"ChargeLimitSoc":             {{Path: "charge_state.charge_limit_soc", Transform: toInt}},
	"ChargeCurrentRequest":       {{Path: "charge_state.charge_current_request", Transform: toInt}},
	"ChargeCurrentRequestMax":    {{Path: "charge_state.charge_current_request_max", Transform: toInt}},
	"ChargePortDoorOpen":         {{Path: "charge_state.charge_port_door_open", Transform: toBool}},
	"ChargePortLatch":            {{Path: "charge_state.charge_port_latch", Transform: toString}},
	"TimeToFullCharge":           {{Path: "charge_state.time_to_full_charge", Transform: toFloat}},
	"ACChargingPower":            {{Path: "charge_state.charger_power", Transform: toFloat}},
	"ACChargingEnergyIn":         {{Path: "charge_state.charge_energy_added", Transform: toFloat}},
	"FastChargerPresent":         {{Path: "charge_state.fast_charger_present", Transform: toBool}},
	"ScheduledChargingMode":      {{Path: "charge_state.scheduled_charging_mode", Transform: toString}},
	"ScheduledChargingPending":   {{Path: "charge_state.scheduled_charging_pending", Transform: toBool}},
	"ScheduledChargingStartTime": {{Path: "charge_state.scheduled_charging_start_time", Transform: toFloat}},
	"ScheduledDepartureTime":     {{Path: "charge_state.scheduled_departure_time_minutes", Transform: toInt}},
	"EnergyRemaining":            {{Path: "charge_state.energy_remaining", Transform: toFloat}},
	"PackVoltage":                {{Path: "charge_state.pack_voltage", Transform: toFloat}},
	"PackCurrent":                {{Path: "charge_state.pack_current", Transform: toFloat}},
	"ChargingCableType":          {{Path: "charge_state.conn_charge_cable", Transform: toString}},
	// climate_state
	"InsideTemp":                  {{Path: "climate_state.inside_temp", Transform: toFloat}},
	"OutsideTemp":                 {{Path: "climate_state.outside_temp", Transform: toFloat}},
	"HvacLeftTemperatureRequest":  {{Path: "climate_state.driver_temp_setting", Transform: toFloat}},
	"HvacRightTemperatureRequest": {{Path: "climate_state.passenger_temp_setting", Transform: toFloat}},
	"HvacPower":                   {{Path: "climate_state.is_climate_on", Transform: toBool}},
	"HvacFanStatus":               {{Path: "climate_state.fan_status", Transform: toInt}},
	"SeatHeaterLeft":              {{Path: "climate_state.seat_heater_left", Transform: toInt}},
	"SeatHeaterRight":             {{Path: "climate_state.seat_heater_right", Transform: toInt}},
	"SeatHeaterRearLeft":          {{Path: "climate_state.seat_heater_rear_left", Transform: toInt}},
	"SeatHeaterRearCenter":        {{Path: "climate_state.seat_heater_rear_center", Transform: toInt}},
	"SeatHeaterRearRight":         {{Path: "climate_state.seat_heater_rear_right", Transform: toInt}},
	"HvacSteeringWheelHeatLevel":  {{Path: "climate_state.steering_wheel_heater", Transform: toBool}},
	"DefrostMode":                 {{Path: "climate_state.defrost_mode", Transform: toInt}},
	"CabinOverheatProtectionMode": {{Path: "climate_state.cabin_overheat_protection", Transform: toString}},
	"PreconditioningEnabled":      {{Path: "climate_state.is_preconditioning", Transform: toBool}},
	// drive_state
	"Location": {
		{Path: "drive_state.latitude", Transform: extractLatitude},
		{Path: "drive_state.longitude", Transform: extractLongitude},
	},
	"VehicleSpeed": {{Path: "drive_state.speed", Transform: toInt}},
	"GpsHeading":   {{Path: "drive_state.heading", Transform: toInt}},
	"Gear":         {{Path: "drive_state.shift_state", Transform: gearString}},
	// vehicle_state
	"Locked":             {{Path: "vehicle_state.locked", Transform: toBool}},
	"SentryMode":         {{Path: "vehicle_state.sentry_mode", Transform: toBool}},
	"Odometer":           {{Path: "vehicle_state.odometer", Transform: toFloat}},
	"Version":            {{Path: "vehicle_state.car_version", Transform: toString}},
	"ValetModeEnabled":   {{Path: "vehicle_state.valet_mode", Transform: toBool}},
	"TpmsPressureFl":     {{Path: "vehicle_state.tpms_pressure_fl", Transform: toFloat}},
	"TpmsPressureFr":     {{Path: "vehicle_state.tpms_pressure_fr", Transform: toFloat}},
	"TpmsPressureRl":     {{Path: "vehicle_state.tpms_pressure_rl", Transform: toFloat}},
	"TpmsPressureRr":     {{Path: "vehicle_state.tpms_pressure_rr", Transform: toFloat}},
	"CenterDisplay":      {{Path: "vehicle_state.center_display_state", Transform: toInt}},
	"HomelinkNearby":     {{Path: "vehicle_state.homelink_nearby", Transform: toBool}},
	"DriverSeatOccupied": {{Path: "vehicle_state.is_user_present", Transform: toBool}},
	"RemoteStartEnabled": {{Path: "vehicle_state.remote_start", Transform: toBool}},
}

// PathValue is one (path, value) leaf produced by the mapper.
type PathValue struct {
	Path  string
	Value any
}

// Mapper translates telemetry field names into vehicle-data snapshot
// paths.
type Mapper struct {
	fieldMap map[string][]FieldMapping
	log      *slog.Logger
}

// NewMapper returns a Mapper over the built-in field table.
func NewMapper() *Mapper {
	return &Mapper{
		fieldMap: fieldMap,
		log:      slog.Default().With("component", "telemetry-mapper"),
	}
}

// Map returns zero or more (path, value) pairs for a field. Unmapped
// fields and transforms that decline the value yield nothing. A
// panicking transform is contained to its own leaf.
func (m *Mapper) Map(fieldName string, value any) []PathValue {
	mappings, ok := m.fieldMap[fieldName]
	if !ok {
		return nil
	}

	results := make([]PathValue, 0, len(mappings))
	for _, mapping := range mappings {
		transformed, ok := m.applyTransform(fieldName, mapping, value)
		if !ok {
			continue
		}
		results = append(results, PathValue{Path: mapping.Path, Value: transformed})
	}
	return results
}

func (m *Mapper) applyTransform(fieldName string, mapping FieldMapping, value any) (out any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Debug("transform failed", "field", fieldName, "path", mapping.Path, "panic", r)
			out, ok = nil, false
		}
	}()
	return mapping.Transform(value)
}

// MappedFields returns the field names that have snapshot mappings.
func (m *Mapper) MappedFields() map[string]struct{} {
	fields := make(map[string]struct{}, len(m.fieldMap))
	for name := range m.fieldMap {
		fields[name] = struct{}{}
	}
	return fields
}

// asFloat coerces telemetry scalar values to float64 for numeric
// comparison and transforms.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
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

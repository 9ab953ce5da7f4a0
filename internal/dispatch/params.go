package dispatch

import (
	"github.com/voltgate/voltgate/internal/telemetry"
	"github.com/voltgate/voltgate/internal/trigger"
)

// numericParam reads a numeric parameter, coercing the JSON and Go
// numeric types callers actually hand us.
func numericParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	return toNumber(v)
}

func toNumber(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

// latLon extracts a coordinate pair from a telemetry location or a
// generic map.
func latLon(v any) (float64, float64, bool) {
	switch loc := v.(type) {
	case telemetry.Location:
		return loc.Latitude, loc.Longitude, true
	case *telemetry.Location:
		if loc == nil {
			return 0, 0, false
		}
		return loc.Latitude, loc.Longitude, true
	case map[string]any:
		lat, okLat := toNumber(loc["latitude"])
		lon, okLon := toNumber(loc["longitude"])
		if !okLat || !okLon {
			return 0, 0, false
		}
		return lat, lon, true
	default:
		return 0, 0, false
	}
}

// geofenceParam interprets a trigger value as a geofence: a map with
// latitude, longitude, and radius_m.
func geofenceParam(v any) (*trigger.Geofence, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	lat, okLat := toNumber(m["latitude"])
	lon, okLon := toNumber(m["longitude"])
	radius, okRad := toNumber(m["radius_m"])
	if !okLat || !okLon || !okRad {
		return nil, false
	}
	return &trigger.Geofence{Latitude: lat, Longitude: lon, RadiusM: radius}, true
}

func celsiusToFahrenheit(c float64) float64 { return c*9/5 + 32 }

func fahrenheitToCelsius(f float64) float64 { return (f - 32) * 5 / 9 }

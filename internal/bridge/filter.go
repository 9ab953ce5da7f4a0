package bridge

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voltgate/voltgate/internal/telemetry"
	"github.com/voltgate/voltgate/internal/trigger"
)

// DualGateFilter decides per field whether a telemetry value is worth
// emitting. A candidate passes only when every gate passes:
//
//  1. the field is configured and enabled,
//  2. throttle: enough time elapsed since the last emit,
//  3. delta: the value moved beyond the field's granularity, with a
//     staleness override forcing slow-moving fields through after
//     max_seconds of silence.
//
// Callers confirm an emission with RecordEmit; ShouldEmit alone never
// mutates state.
type DualGateFilter struct {
	mu        sync.Mutex
	filters   map[string]FieldFilter
	lastValue map[string]any
	lastEmit  map[string]time.Time
}

// NewDualGateFilter builds a filter over the given per-field table.
func NewDualGateFilter(filters map[string]FieldFilter) *DualGateFilter {
	return &DualGateFilter{
		filters:   filters,
		lastValue: make(map[string]any),
		lastEmit:  make(map[string]time.Time),
	}
}

// ShouldEmit reports whether the value passes the gates at time now.
// Unknown and disabled fields always reject.
func (f *DualGateFilter) ShouldEmit(field string, value any, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg, ok := f.filters[field]
	if !ok || !cfg.Enabled {
		return false
	}

	lastEmit, emitted := f.lastEmit[field]

	if cfg.ThrottleSeconds > 0 && emitted && now.Sub(lastEmit) < secs(cfg.ThrottleSeconds) {
		return false
	}

	lastValue, seen := f.lastValue[field]
	if !seen {
		return true
	}

	if cfg.MaxSeconds > 0 && emitted && now.Sub(lastEmit) >= secs(cfg.MaxSeconds) {
		return true
	}

	if cfg.Granularity == 0 {
		return !reflect.DeepEqual(value, lastValue)
	}

	var delta float64
	if field == "Location" {
		delta = locationDelta(lastValue, value)
	} else {
		delta = numericDelta(lastValue, value)
	}
	return delta >= cfg.Granularity
}

// RecordEmit stores the emitted value and time. Call it only after
// ShouldEmit accepted and the event actually went out.
func (f *DualGateFilter) RecordEmit(field string, value any, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastValue[field] = value
	f.lastEmit[field] = now
}

// Reset clears all tracked emission state.
func (f *DualGateFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastValue = make(map[string]any)
	f.lastEmit = make(map[string]time.Time)
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// numericDelta is the absolute difference between two values; a value
// that does not coerce to a number counts as an infinite delta.
func numericDelta(old, new any) float64 {
	a, okA := toFloat(old)
	b, okB := toFloat(new)
	if !okA || !okB {
		return math.Inf(1)
	}
	return math.Abs(b - a)
}

// locationDelta is the great-circle distance in meters between two
// location values; malformed locations count as an infinite delta.
func locationDelta(old, new any) float64 {
	a, okA := toLocation(old)
	b, okB := toLocation(new)
	if !okA || !okB {
		return math.Inf(1)
	}
	return trigger.Haversine(a, b)
}

func toLocation(v any) (telemetry.Location, bool) {
	switch x := v.(type) {
	case telemetry.Location:
		return x, true
	case *telemetry.Location:
		if x == nil {
			return telemetry.Location{}, false
		}
		return *x, true
	case map[string]any:
		lat, okLat := toFloat(x["latitude"])
		lon, okLon := toFloat(x["longitude"])
		if !okLat || !okLon {
			return telemetry.Location{}, false
		}
		return telemetry.Location{Latitude: lat, Longitude: lon}, true
	default:
		return telemetry.Location{}, false
	}
}

func toFloat(v any) (float64, bool) {
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

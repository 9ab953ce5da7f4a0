package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgate/voltgate/internal/bridge"
	"github.com/voltgate/voltgate/internal/cache"
	"github.com/voltgate/voltgate/internal/fleet"
	"github.com/voltgate/voltgate/internal/trigger"
)

const testVIN = "5YJ3TEST123456789"

type fakeFleet struct {
	srv       *httptest.Server
	dataCalls atomic.Int32
	wakeCalls atomic.Int32
	cmdCalls  atomic.Int32

	// asleepCommands makes the first N command posts fail with 408.
	asleepCommands atomic.Int32

	lastCommandPath atomic.Value
	lastCommandBody atomic.Value
}

func newFakeFleet(t *testing.T) *fakeFleet {
	t.Helper()
	f := &fakeFleet{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/wake_up"):
			f.wakeCalls.Add(1)
			writeResponse(w, 200, map[string]any{"vin": testVIN, "state": "online"})
		case strings.HasSuffix(r.URL.Path, "/vehicle_data"):
			f.dataCalls.Add(1)
			writeResponse(w, 200, map[string]any{
				"vin":          testVIN,
				"drive_state":  map[string]any{"latitude": 37.4, "longitude": -122.1, "heading": 90, "speed": nil},
				"charge_state": map[string]any{"battery_level": 72, "battery_range": 210.5, "charging_state": "Stopped"},
			})
		case strings.Contains(r.URL.Path, "/command/") || strings.HasSuffix(r.URL.Path, "/signed_command"):
			f.cmdCalls.Add(1)
			if f.asleepCommands.Load() > 0 {
				f.asleepCommands.Add(-1)
				w.WriteHeader(408)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "vehicle unavailable"})
				return
			}
			f.lastCommandPath.Store(r.URL.Path)
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body == nil {
				body = map[string]any{}
			}
			f.lastCommandBody.Store(body)
			writeResponse(w, 200, map[string]any{"result": true, "reason": ""})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func writeResponse(w http.ResponseWriter, status int, response any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"response": response})
}

func (f *fakeFleet) client(t *testing.T) *fleet.Client {
	t.Helper()
	c, err := fleet.NewClient("na",
		fleet.WithBaseURL(f.srv.URL),
		fleet.WithAccessToken("test-token"),
		fleet.WithMaxRetries(1),
	)
	require.NoError(t, err)
	return c
}

func fastWaker(c *fleet.Client) *fleet.Waker {
	w := fleet.NewWaker(c)
	w.InitialDelay = 5 * time.Millisecond
	w.MaxDelay = 10 * time.Millisecond
	w.Budget = time.Second
	return w
}

func newDispatcher(t *testing.T, f *fakeFleet, opts ...Option) *Dispatcher {
	t.Helper()
	c := f.client(t)
	opts = append([]Option{WithWaker(fastWaker(c))}, opts...)
	return NewDispatcher(testVIN, c, opts...)
}

func seededStore() *bridge.Store {
	s := bridge.NewStore()
	now := time.Now()
	s.Put(testVIN, "Soc", 81.5, now)
	s.Put(testVIN, "EstBatteryRange", 212.0, now)
	s.Put(testVIN, "Location", map[string]any{"latitude": 37.5, "longitude": -122.2, "heading": 10.0, "speed": 0.0}, now)
	s.Put(testVIN, "InsideTemp", 21.0, now)
	s.Put(testVIN, "VehicleSpeed", 0.0, now)
	s.Put(testVIN, "ChargeState", "Charging", now)
	s.Put(testVIN, "Locked", true, now)
	return s
}

// Reads answered from live telemetry must never touch the fleet API.
func TestReadsFromStoreMakeNoAPICalls(t *testing.T) {
	t.Parallel()

	f := newFakeFleet(t)
	d := newDispatcher(t, f, WithStore(seededStore()))

	ctx := context.Background()
	for _, method := range []string{
		"battery.get", "location.get", "temperature.get",
		"speed.get", "charge_state.get", "security.get",
	} {
		out, err := d.Dispatch(ctx, method, nil)
		require.NoError(t, err, method)
		assert.NotContains(t, out, "pending", method)
	}
	assert.Zero(t, f.dataCalls.Load())
	assert.Zero(t, f.wakeCalls.Load())
}

func TestBatteryGetFromStore(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, newFakeFleet(t), WithStore(seededStore()))
	out, err := d.Dispatch(context.Background(), "battery.get", nil)
	require.NoError(t, err)
	assert.Equal(t, 81.5, out["battery_level"])
	assert.Equal(t, 212.0, out["range_miles"])
}

// No telemetry yet: the first read returns pending and kicks off one
// background fetch; later reads serve the cached snapshot.
func TestReadPendingThenSnapshot(t *testing.T) {
	t.Parallel()

	f := newFakeFleet(t)
	d := newDispatcher(t, f)

	ctx := context.Background()
	out, err := d.Dispatch(ctx, "battery.get", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["pending"])

	require.Eventually(t, func() bool {
		out, err := d.Dispatch(ctx, "battery.get", nil)
		if err != nil {
			return false
		}
		level, ok := out["battery_level"].(float64)
		return ok && level == 72
	}, 2*time.Second, 10*time.Millisecond)

	// Concurrent pending reads share the in-flight fetch.
	assert.EqualValues(t, 1, f.dataCalls.Load())
}

func TestTelemetryGetRequiresField(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, newFakeFleet(t), WithStore(seededStore()))
	_, err := d.Dispatch(context.Background(), "telemetry.get", nil)
	assert.Error(t, err)

	out, err := d.Dispatch(context.Background(), "telemetry.get", map[string]any{"field": "Soc"})
	require.NoError(t, err)
	assert.Equal(t, 81.5, out["value"])
}

// Asleep vehicle: the command 408s, one wake brings it online, the
// retried command succeeds.
func TestWriteWakesAndRetriesOnce(t *testing.T) {
	t.Parallel()

	f := newFakeFleet(t)
	f.asleepCommands.Store(1)
	d := newDispatcher(t, f)

	out, err := d.Dispatch(context.Background(), "honk_horn", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["result"])
	assert.Equal(t, "ok", out["reason"])
	assert.EqualValues(t, 2, f.cmdCalls.Load())
	assert.EqualValues(t, 1, f.wakeCalls.Load())
}

func TestWriteInvalidatesCache(t *testing.T) {
	t.Parallel()

	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(testVIN, map[string]any{"charge_state": map[string]any{"battery_level": 50}}, time.Hour))

	f := newFakeFleet(t)
	d := newDispatcher(t, f, WithCache(store))

	_, err = d.Dispatch(context.Background(), "charge.start", nil)
	require.NoError(t, err)

	_, ok := store.Peek(testVIN)
	assert.False(t, ok, "snapshot should be invalidated after a write")
}

func TestWriteBodies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method string
		params map[string]any
		path   string
		body   map[string]any
	}{
		{"trunk.open", nil, "/command/actuate_trunk", map[string]any{"which_trunk": "rear"}},
		{"frunk.open", nil, "/command/actuate_trunk", map[string]any{"which_trunk": "front"}},
		{"sentry.on", nil, "/command/set_sentry_mode", map[string]any{"on": true}},
		{"climate.set_temp", map[string]any{"temp": 21.5}, "/command/set_temps",
			map[string]any{"driver_temp": 21.5, "passenger_temp": 21.5}},
		{"charge.set_limit", map[string]any{"percent": 80.0}, "/command/set_charge_limit",
			map[string]any{"percent": float64(80)}},
		{"nav.send", map[string]any{"address": "1 Main St"}, "/command/share",
			map[string]any{"address": "1 Main St"}},
		{"nav.gps", map[string]any{"lat": 37.4, "lon": -122.1}, "/command/navigation_gps_request",
			map[string]any{"lat": 37.4, "lon": -122.1}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			t.Parallel()
			f := newFakeFleet(t)
			d := newDispatcher(t, f)

			_, err := d.Dispatch(context.Background(), tt.method, tt.params)
			require.NoError(t, err)
			path, _ := f.lastCommandPath.Load().(string)
			assert.True(t, strings.HasSuffix(path, tt.path), "path %s", path)
			assert.Equal(t, tt.body, f.lastCommandBody.Load())
		})
	}
}

func TestRequiredParamValidation(t *testing.T) {
	t.Parallel()

	f := newFakeFleet(t)
	d := newDispatcher(t, f)

	methods := []string{
		"climate.set_temp", "charge.set_limit", "nav.send",
		"nav.gps", "nav.waypoints", "homelink.trigger", "telemetry.get",
	}
	for _, method := range methods {
		_, err := d.Dispatch(context.Background(), method, map[string]any{})
		assert.Error(t, err, method)
	}
	assert.Zero(t, f.cmdCalls.Load(), "validation failures must not reach the API")
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, newFakeFleet(t))
	_, err := d.Dispatch(context.Background(), "warp.engage", nil)
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestSystemRunResolvesAliases(t *testing.T) {
	t.Parallel()

	f := newFakeFleet(t)
	d := newDispatcher(t, f)

	out, err := d.Dispatch(context.Background(), "system.run", map[string]any{"method": "door_lock"})
	require.NoError(t, err)
	assert.Equal(t, true, out["result"])
	path, _ := f.lastCommandPath.Load().(string)
	assert.True(t, strings.HasSuffix(path, "/command/door_lock"))
}

func TestSystemRunNormalizesListMethod(t *testing.T) {
	t.Parallel()

	f := newFakeFleet(t)
	d := newDispatcher(t, f)

	_, err := d.Dispatch(context.Background(), "system.run", map[string]any{"command": []any{"honk_horn"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.cmdCalls.Load())
}

func TestSystemRunRejectsSelfInvocation(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, newFakeFleet(t))
	_, err := d.Dispatch(context.Background(), "system.run", map[string]any{"method": "system.run"})
	assert.Error(t, err)
}

func TestTriggerCreateListDelete(t *testing.T) {
	t.Parallel()

	mgr := trigger.NewManager()
	d := newDispatcher(t, newFakeFleet(t), WithTriggers(mgr))

	ctx := context.Background()
	out, err := d.Dispatch(ctx, "trigger.create", map[string]any{
		"field": "Soc", "operator": "lt", "value": 20.0,
	})
	require.NoError(t, err)
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)
	assert.NotContains(t, out, "immediate")

	listed, err := d.Dispatch(ctx, "trigger.list", nil)
	require.NoError(t, err)
	entries := listed["triggers"].([]map[string]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "Soc", entries[0]["field"])
	assert.Equal(t, 60.0, entries[0]["cooldown_seconds"])

	deleted, err := d.Dispatch(ctx, "trigger.delete", map[string]any{"id": id})
	require.NoError(t, err)
	assert.Equal(t, true, deleted["deleted"])

	// Deleting again is a no-op, not an error.
	deleted, err = d.Dispatch(ctx, "trigger.delete", map[string]any{"id": id})
	require.NoError(t, err)
	assert.Equal(t, false, deleted["deleted"])
}

func TestTriggerCreateValidation(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, newFakeFleet(t), WithTriggers(trigger.NewManager()))
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "trigger.create", map[string]any{"operator": "lt", "value": 20.0})
	assert.Error(t, err, "missing field")

	_, err = d.Dispatch(ctx, "trigger.create", map[string]any{"field": "Soc", "value": 20.0})
	assert.Error(t, err, "missing operator")

	_, err = d.Dispatch(ctx, "trigger.create", map[string]any{"field": "Soc", "operator": "between", "value": 20.0})
	assert.Error(t, err, "bad operator")
}

// A trigger whose condition is already satisfied by the latest stored
// value fires on creation.
func TestTriggerCreateImmediateFire(t *testing.T) {
	t.Parallel()

	mgr := trigger.NewManager()
	d := newDispatcher(t, newFakeFleet(t), WithStore(seededStore()), WithTriggers(mgr))

	out, err := d.Dispatch(context.Background(), "trigger.create", map[string]any{
		"field": "Soc", "operator": "gt", "value": 50.0,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["immediate"])
	assert.Equal(t, 1, mgr.PendingCount())
}

func TestGeofenceTriggerCreate(t *testing.T) {
	t.Parallel()

	mgr := trigger.NewManager()
	d := newDispatcher(t, newFakeFleet(t), WithTriggers(mgr))

	out, err := d.Dispatch(context.Background(), "trigger.create", map[string]any{
		"field":    "Location",
		"operator": "enter",
		"value":    map[string]any{"latitude": 37.4, "longitude": -122.1, "radius_m": 200.0},
	})
	require.NoError(t, err)

	tr, ok := mgr.Get(out["id"].(string))
	require.True(t, ok)
	require.NotNil(t, tr.Condition.Fence)
	assert.Equal(t, 200.0, tr.Condition.Fence.RadiusM)
}

// Temperature shortcuts take thresholds in Fahrenheit and store them
// in Celsius.
func TestCabinTempTriggerConvertsFahrenheit(t *testing.T) {
	t.Parallel()

	mgr := trigger.NewManager()
	d := newDispatcher(t, newFakeFleet(t), WithTriggers(mgr))

	ctx := context.Background()
	out, err := d.Dispatch(ctx, "cabin_temp.trigger", map[string]any{"operator": "gt", "value": 104.0})
	require.NoError(t, err)

	tr, ok := mgr.Get(out["id"].(string))
	require.True(t, ok)
	assert.Equal(t, "InsideTemp", tr.Condition.Field)
	assert.InDelta(t, 40.0, tr.Condition.Value, 1e-9)

	listed, err := d.Dispatch(ctx, "cabin_temp.trigger.list", nil)
	require.NoError(t, err)
	entries := listed["triggers"].([]map[string]any)
	require.Len(t, entries, 1)
	assert.InDelta(t, 104.0, entries[0]["value_f"].(float64), 1e-9)
}

func TestBoundTriggerListFiltersByField(t *testing.T) {
	t.Parallel()

	mgr := trigger.NewManager()
	d := newDispatcher(t, newFakeFleet(t), WithTriggers(mgr))

	ctx := context.Background()
	_, err := d.Dispatch(ctx, "battery.trigger", map[string]any{"operator": "lt", "value": 20.0})
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "trigger.create", map[string]any{"field": "Soc", "operator": "lt", "value": 15.0})
	require.NoError(t, err)

	listed, err := d.Dispatch(ctx, "battery.trigger.list", nil)
	require.NoError(t, err)
	entries := listed["triggers"].([]map[string]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "BatteryLevel", entries[0]["field"])
}

// With a session key, security commands ride the signed channel as a
// routable message carrying metadata, tag, and payload.
func TestSignedCommandChannel(t *testing.T) {
	t.Parallel()

	var signedPath string
	var routable string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/signed_command") {
			http.NotFound(w, r)
			return
		}
		signedPath = r.URL.Path
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		routable, _ = body["routable_message"].(string)
		writeResponse(w, 200, map[string]any{"result": true, "reason": ""})
	}))
	t.Cleanup(srv.Close)

	c, err := fleet.NewClient("na",
		fleet.WithBaseURL(srv.URL),
		fleet.WithAccessToken("test-token"),
	)
	require.NoError(t, err)

	key := make([]byte, 16)
	d := NewDispatcher(testVIN, c, WithWaker(fastWaker(c)), WithSessionKey(key))

	out, err := d.Dispatch(context.Background(), "door.lock", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["result"])
	assert.Equal(t, "/api/1/vehicles/"+testVIN+"/signed_command", signedPath)

	raw, err := base64.StdEncoding.DecodeString(routable)
	require.NoError(t, err)
	var msg map[string]string
	require.NoError(t, json.Unmarshal(raw, &msg))
	for _, k := range []string{"metadata", "tag", "payload"} {
		assert.NotEmpty(t, msg[k])
	}
	payload, err := base64.StdEncoding.DecodeString(msg["payload"])
	require.NoError(t, err)
	var cmd map[string]any
	require.NoError(t, json.Unmarshal(payload, &cmd))
	assert.Equal(t, "door_lock", cmd["command"])
	assert.Equal(t, "vcsec", cmd["domain"])
}

func TestMethodsIncludesAllFamilies(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, newFakeFleet(t))
	methods := d.Methods()
	for _, want := range []string{
		"battery.get", "door.lock", "system.run",
		"trigger.create", "cabin_temp.trigger", "location.trigger.delete",
	} {
		assert.Contains(t, methods, want)
	}
}

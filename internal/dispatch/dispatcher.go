// Package dispatch maps inbound tool and gateway method names (for
// example door.lock or battery.get) onto the fleet API. Reads are
// answered from live telemetry when possible; writes auto-wake the
// vehicle once, optionally sign the command, and invalidate the
// response cache on success.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voltgate/voltgate/internal/bridge"
	"github.com/voltgate/voltgate/internal/cache"
	"github.com/voltgate/voltgate/internal/fleet"
	"github.com/voltgate/voltgate/internal/metrics"
	"github.com/voltgate/voltgate/internal/protocol"
	"github.com/voltgate/voltgate/internal/trigger"
)

// ErrUnknownMethod is returned for methods with no registered
// handler.
var ErrUnknownMethod = errors.New("dispatch: unknown method")

// handlerFunc handles one inbound method.
type handlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStore attaches the telemetry store consulted by read handlers.
func WithStore(s *bridge.Store) Option {
	return func(d *Dispatcher) { d.store = s }
}

// WithTriggers attaches the trigger manager behind the trigger CRUD
// methods.
func WithTriggers(m *trigger.Manager) Option {
	return func(d *Dispatcher) { d.triggers = m }
}

// WithCache attaches the response cache invalidated after writes.
func WithCache(c *cache.Store) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithWaker replaces the default wake helper.
func WithWaker(w *fleet.Waker) Option {
	return func(d *Dispatcher) { d.waker = w }
}

// WithSessionKey enables command signing with the shared session key.
func WithSessionKey(key []byte) Option {
	return func(d *Dispatcher) { d.sessionKey = key }
}

// WithDispatchMetrics attaches runtime instruments.
func WithDispatchMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher routes method calls for one vehicle.
type Dispatcher struct {
	vin        string
	client     *fleet.Client
	waker      *fleet.Waker
	store      *bridge.Store
	triggers   *trigger.Manager
	cache      *cache.Store
	sessionKey []byte
	metrics    *metrics.Metrics
	log        *slog.Logger

	handlers map[string]handlerFunc

	mu       sync.Mutex
	snapshot map[string]any
	session  *protocol.Session
	fetching bool
}

// NewDispatcher builds a Dispatcher for the given vehicle.
func NewDispatcher(vin string, client *fleet.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		vin:    vin,
		client: client,
		log:    slog.Default().With("component", "dispatcher", "vin", vin),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.waker == nil {
		d.waker = fleet.NewWaker(client)
	}
	d.registerHandlers()
	return d
}

func (d *Dispatcher) registerHandlers() {
	d.handlers = map[string]handlerFunc{
		// Reads
		"location.get":     d.handleLocationGet,
		"battery.get":      d.handleBatteryGet,
		"temperature.get":  d.handleTemperatureGet,
		"speed.get":        d.handleSpeedGet,
		"charge_state.get": d.handleChargeStateGet,
		"security.get":     d.handleSecurityGet,
		"telemetry.get":    d.handleTelemetryGet,

		// Writes
		"door.lock":        d.write("door_lock", nil),
		"door.unlock":      d.write("door_unlock", nil),
		"climate.on":       d.write("auto_conditioning_start", nil),
		"climate.off":      d.write("auto_conditioning_stop", nil),
		"climate.set_temp": d.handleClimateSetTemp,
		"climate.defrost":  d.handleClimateDefrost,
		"charge.start":     d.write("charge_start", nil),
		"charge.stop":      d.write("charge_stop", nil),
		"charge.set_limit": d.handleChargeSetLimit,
		"trunk.open":       d.write("actuate_trunk", map[string]any{"which_trunk": "rear"}),
		"frunk.open":       d.write("actuate_trunk", map[string]any{"which_trunk": "front"}),
		"flash_lights":     d.write("flash_lights", nil),
		"honk_horn":        d.write("honk_horn", nil),
		"sentry.on":        d.write("set_sentry_mode", map[string]any{"on": true}),
		"sentry.off":       d.write("set_sentry_mode", map[string]any{"on": false}),
		"nav.send":         d.handleNavSend,
		"nav.gps":          d.handleNavGPS,
		"nav.supercharger": d.write("navigation_sc_request", nil),
		"nav.waypoints":    d.handleNavWaypoints,
		"homelink.trigger": d.handleHomelink,
		"system.run":       d.handleSystemRun,

		// Trigger CRUD
		"trigger.create": d.handleTriggerCreate,
		"trigger.list":   d.handleTriggerList,
		"trigger.delete": d.handleTriggerDelete,
	}

	// Domain-specific trigger shortcuts share the generic handlers
	// with a bound field (temperatures arrive in Fahrenheit).
	domains := []struct {
		prefix     string
		field      string
		fahrenheit bool
	}{
		{"cabin_temp", "InsideTemp", true},
		{"outside_temp", "OutsideTemp", true},
		{"battery", "BatteryLevel", false},
		{"location", "Location", false},
	}
	for _, dom := range domains {
		d.handlers[dom.prefix+".trigger"] = d.boundTriggerCreate(dom.field, dom.fahrenheit)
		d.handlers[dom.prefix+".trigger.list"] = d.boundTriggerList(dom.field, dom.fahrenheit)
		d.handlers[dom.prefix+".trigger.delete"] = d.handleTriggerDelete
	}
}

// Dispatch routes one method call. Unknown methods return
// ErrUnknownMethod so the caller can produce a clean error response.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	handler, ok := d.handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	d.metrics.AddCommand(ctx)
	result, err := handler(ctx, params)
	if err != nil {
		d.log.Warn("dispatch failed", "method", method, "error", err)
		return nil, err
	}
	return result, nil
}

// Methods returns the sorted set of dispatchable method names.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// -- Read path -----------------------------------------------------------

// storeValue returns the latest telemetry value for a field, if the
// store has seen one.
func (d *Dispatcher) storeValue(field string) (any, bool) {
	if d.store == nil {
		return nil, false
	}
	snap, ok := d.store.Get(d.vin, field)
	if !ok {
		return nil, false
	}
	return snap.Value, true
}

// section returns one section of the snapshot cache, or nil with a
// background fetch scheduled when no snapshot exists yet.
func (d *Dispatcher) section(ctx context.Context, name string) map[string]any {
	d.mu.Lock()
	snapshot := d.snapshot
	d.mu.Unlock()

	if snapshot == nil {
		d.scheduleFetch(ctx)
		return nil
	}
	sec, _ := snapshot[name].(map[string]any)
	if sec == nil {
		return map[string]any{}
	}
	return sec
}

// scheduleFetch starts a background vehicle-data fetch unless one is
// already in flight.
func (d *Dispatcher) scheduleFetch(ctx context.Context) {
	d.mu.Lock()
	if d.fetching {
		d.mu.Unlock()
		return
	}
	d.fetching = true
	d.mu.Unlock()

	// The fetch outlives the request that triggered it.
	bg := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			d.mu.Lock()
			d.fetching = false
			d.mu.Unlock()
		}()
		data, err := d.waker.AutoWake(bg, d.vin, func(ctx context.Context) (map[string]any, error) {
			return d.client.VehicleData(ctx, d.vin, nil)
		})
		if err != nil {
			d.log.Warn("background vehicle data fetch failed", "error", err)
			return
		}
		d.mu.Lock()
		d.snapshot = data
		d.mu.Unlock()
		d.log.Info("background vehicle data fetch complete")
	}()
}

var pendingResult = map[string]any{"pending": true}

func (d *Dispatcher) handleLocationGet(ctx context.Context, _ map[string]any) (map[string]any, error) {
	if v, ok := d.storeValue("Location"); ok {
		if loc, ok := locationMap(v); ok {
			return loc, nil
		}
	}
	drive := d.section(ctx, "drive_state")
	if drive == nil {
		return pendingResult, nil
	}
	return map[string]any{
		"latitude":  drive["latitude"],
		"longitude": drive["longitude"],
		"heading":   drive["heading"],
		"speed":     drive["speed"],
	}, nil
}

func (d *Dispatcher) handleBatteryGet(ctx context.Context, _ map[string]any) (map[string]any, error) {
	soc, ok := d.storeValue("Soc")
	if !ok {
		soc, ok = d.storeValue("BatteryLevel")
	}
	if ok {
		result := map[string]any{"battery_level": soc}
		if rng, ok := d.storeValue("EstBatteryRange"); ok {
			result["range_miles"] = rng
		}
		return result, nil
	}
	cs := d.section(ctx, "charge_state")
	if cs == nil {
		return pendingResult, nil
	}
	return map[string]any{
		"battery_level": cs["battery_level"],
		"range_miles":   cs["battery_range"],
	}, nil
}

func (d *Dispatcher) handleTemperatureGet(ctx context.Context, _ map[string]any) (map[string]any, error) {
	inside, okIn := d.storeValue("InsideTemp")
	outside, okOut := d.storeValue("OutsideTemp")
	if okIn || okOut {
		result := map[string]any{}
		if okIn {
			result["inside_temp_c"] = inside
		}
		if okOut {
			result["outside_temp_c"] = outside
		}
		return result, nil
	}
	climate := d.section(ctx, "climate_state")
	if climate == nil {
		return pendingResult, nil
	}
	return map[string]any{
		"inside_temp_c":  climate["inside_temp"],
		"outside_temp_c": climate["outside_temp"],
	}, nil
}

func (d *Dispatcher) handleSpeedGet(ctx context.Context, _ map[string]any) (map[string]any, error) {
	if speed, ok := d.storeValue("VehicleSpeed"); ok {
		return map[string]any{"speed_mph": speed}, nil
	}
	drive := d.section(ctx, "drive_state")
	if drive == nil {
		return pendingResult, nil
	}
	return map[string]any{"speed_mph": drive["speed"]}, nil
}

func (d *Dispatcher) handleChargeStateGet(ctx context.Context, _ map[string]any) (map[string]any, error) {
	state, ok := d.storeValue("ChargeState")
	if !ok {
		state, ok = d.storeValue("DetailedChargeState")
	}
	if ok {
		return map[string]any{"charge_state": state}, nil
	}
	cs := d.section(ctx, "charge_state")
	if cs == nil {
		return pendingResult, nil
	}
	return map[string]any{"charge_state": cs["charging_state"]}, nil
}

func (d *Dispatcher) handleSecurityGet(ctx context.Context, _ map[string]any) (map[string]any, error) {
	locked, okLocked := d.storeValue("Locked")
	sentry, okSentry := d.storeValue("SentryMode")
	if okLocked || okSentry {
		result := map[string]any{}
		if okLocked {
			result["locked"] = locked
		}
		if okSentry {
			result["sentry_mode"] = sentry
		}
		return result, nil
	}
	vs := d.section(ctx, "vehicle_state")
	if vs == nil {
		return pendingResult, nil
	}
	return map[string]any{
		"locked":      vs["locked"],
		"sentry_mode": vs["sentry_mode"],
	}, nil
}

func (d *Dispatcher) handleTelemetryGet(_ context.Context, params map[string]any) (map[string]any, error) {
	field, _ := params["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("dispatch: telemetry.get requires 'field' parameter")
	}
	value, ok := d.storeValue(field)
	if !ok {
		return map[string]any{"field": field, "pending": true}, nil
	}
	return map[string]any{"field": field, "value": value}, nil
}

func locationMap(v any) (map[string]any, bool) {
	switch loc := v.(type) {
	case map[string]any:
		return map[string]any{
			"latitude":  loc["latitude"],
			"longitude": loc["longitude"],
			"heading":   loc["heading"],
			"speed":     loc["speed"],
		}, true
	default:
		lat, lon, ok := latLon(v)
		if !ok {
			return nil, false
		}
		return map[string]any{
			"latitude":  lat,
			"longitude": lon,
			"heading":   nil,
			"speed":     nil,
		}, true
	}
}

// -- Write path ----------------------------------------------------------

// write builds a handler for a command with a fixed body and no
// required parameters.
func (d *Dispatcher) write(command string, body map[string]any) handlerFunc {
	return func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		return d.executeCommand(ctx, command, body)
	}
}

// executeCommand runs one vehicle command with single wake-and-retry,
// then invalidates the cached snapshot for the vehicle.
func (d *Dispatcher) executeCommand(ctx context.Context, command string, body map[string]any) (map[string]any, error) {
	spec, ok := commandSpecs[command]
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown command %q", command)
	}

	resp, err := d.sendCommand(ctx, spec, body)
	if err != nil {
		var asleep *fleet.VehicleAsleepError
		if !errors.As(err, &asleep) {
			return nil, err
		}
		d.log.Info("vehicle asleep, waking before retry", "command", command)
		if err := d.waker.WakeAndWait(ctx, d.vin); err != nil {
			return nil, err
		}
		resp, err = d.sendCommand(ctx, spec, body)
		if err != nil {
			return nil, err
		}
	}

	if d.cache != nil {
		if err := d.cache.Clear(d.vin); err != nil {
			d.log.Warn("cache invalidation failed", "error", err)
		}
	}

	reason := resp.Reason
	if reason == "" {
		reason = "ok"
	}
	return map[string]any{"result": true, "reason": reason}, nil
}

// sendCommand posts one command, signed when the command requires it
// and a session key is configured.
func (d *Dispatcher) sendCommand(ctx context.Context, spec commandSpec, body map[string]any) (*fleet.CommandResponse, error) {
	if !spec.RequiresSigning || len(d.sessionKey) == 0 {
		return d.client.ExecuteCommand(ctx, d.vin, spec.Name, body)
	}

	signed, err := d.signCommand(spec, body)
	if err != nil {
		return nil, err
	}
	return d.client.SignedCommand(ctx, d.vin, signed)
}

func (d *Dispatcher) signCommand(spec commandSpec, body map[string]any) ([]byte, error) {
	d.mu.Lock()
	if d.session == nil {
		s, err := protocol.NewSession(d.sessionKey)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.session = s
	}
	session := d.session
	d.mu.Unlock()

	return protocol.EncodeSignedCommand(session, spec.Domain, spec.Name, body, 0)
}

func (d *Dispatcher) handleClimateSetTemp(ctx context.Context, params map[string]any) (map[string]any, error) {
	temp, ok := numericParam(params, "temp")
	if !ok {
		return nil, fmt.Errorf("dispatch: climate.set_temp requires 'temp' parameter")
	}
	return d.executeCommand(ctx, "set_temps", map[string]any{
		"driver_temp":    temp,
		"passenger_temp": temp,
	})
}

func (d *Dispatcher) handleClimateDefrost(ctx context.Context, params map[string]any) (map[string]any, error) {
	on := true
	if v, ok := params["on"].(bool); ok {
		on = v
	}
	return d.executeCommand(ctx, "set_preconditioning_max", map[string]any{
		"on":              on,
		"manual_override": true,
	})
}

func (d *Dispatcher) handleChargeSetLimit(ctx context.Context, params map[string]any) (map[string]any, error) {
	percent, ok := numericParam(params, "percent")
	if !ok {
		return nil, fmt.Errorf("dispatch: charge.set_limit requires 'percent' parameter")
	}
	return d.executeCommand(ctx, "set_charge_limit", map[string]any{"percent": int(percent)})
}

func (d *Dispatcher) handleNavSend(ctx context.Context, params map[string]any) (map[string]any, error) {
	address, _ := params["address"].(string)
	if address == "" {
		return nil, fmt.Errorf("dispatch: nav.send requires 'address' parameter")
	}
	return d.executeCommand(ctx, "share", map[string]any{"address": address})
}

func (d *Dispatcher) handleNavGPS(ctx context.Context, params map[string]any) (map[string]any, error) {
	lat, okLat := numericParam(params, "lat")
	lon, okLon := numericParam(params, "lon")
	if !okLat || !okLon {
		return nil, fmt.Errorf("dispatch: nav.gps requires 'lat' and 'lon' parameters")
	}
	body := map[string]any{"lat": lat, "lon": lon}
	if order, ok := numericParam(params, "order"); ok {
		body["order"] = int(order)
	}
	return d.executeCommand(ctx, "navigation_gps_request", body)
}

func (d *Dispatcher) handleNavWaypoints(ctx context.Context, params map[string]any) (map[string]any, error) {
	waypoints := params["waypoints"]
	if waypoints == nil {
		return nil, fmt.Errorf("dispatch: nav.waypoints requires 'waypoints' parameter")
	}
	return d.executeCommand(ctx, "navigation_waypoints_request", map[string]any{"waypoints": waypoints})
}

func (d *Dispatcher) handleHomelink(ctx context.Context, params map[string]any) (map[string]any, error) {
	lat, okLat := numericParam(params, "lat")
	lon, okLon := numericParam(params, "lon")
	if !okLat || !okLon {
		return nil, fmt.Errorf("dispatch: homelink.trigger requires 'lat' and 'lon' parameters")
	}
	return d.executeCommand(ctx, "trigger_homelink", map[string]any{"lat": lat, "lon": lon})
}

// handleSystemRun invokes any registered handler by name, resolving
// provider-style aliases (door_lock → door.lock).
func (d *Dispatcher) handleSystemRun(ctx context.Context, params map[string]any) (map[string]any, error) {
	raw := params["method"]
	if raw == nil {
		raw = params["command"]
	}
	if list, ok := raw.([]any); ok {
		if len(list) == 0 {
			raw = nil
		} else {
			raw = list[0]
		}
	}
	method, _ := raw.(string)
	if method == "" {
		return nil, fmt.Errorf("dispatch: system.run requires 'method' (or 'command') parameter")
	}
	if alias, ok := methodAliases[method]; ok {
		method = alias
	}
	if method == "system.run" {
		return nil, fmt.Errorf("dispatch: system.run cannot invoke itself")
	}
	inner, _ := params["params"].(map[string]any)
	d.log.Info("system.run", "method", method)
	return d.Dispatch(ctx, method, inner)
}

// -- Trigger handlers ----------------------------------------------------

func (d *Dispatcher) requireTriggers() (*trigger.Manager, error) {
	if d.triggers == nil {
		return nil, fmt.Errorf("dispatch: triggers not available")
	}
	return d.triggers, nil
}

func (d *Dispatcher) handleTriggerCreate(_ context.Context, params map[string]any) (map[string]any, error) {
	mgr, err := d.requireTriggers()
	if err != nil {
		return nil, err
	}
	field, _ := params["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("dispatch: trigger.create requires 'field' parameter")
	}
	opStr, _ := params["operator"].(string)
	if opStr == "" {
		return nil, fmt.Errorf("dispatch: trigger.create requires 'operator' parameter")
	}
	op, err := trigger.ParseOperator(opStr)
	if err != nil {
		return nil, err
	}

	cond := trigger.Condition{Field: field, Operator: op, Value: params["value"]}
	if fence, ok := geofenceParam(params["value"]); ok && (op == trigger.OpEnter || op == trigger.OpLeave) {
		cond.Value = nil
		cond.Fence = fence
	}

	once, _ := params["once"].(bool)
	cooldown := 60.0
	if v, ok := numericParam(params, "cooldown_seconds"); ok {
		cooldown = v
	}

	created, err := mgr.Create(cond, once, cooldown)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"id":       created.ID,
		"field":    field,
		"operator": string(op),
	}

	// If the store already holds a satisfying value, fire immediately.
	if value, ok := d.storeValue(field); ok {
		if mgr.EvaluateOne(created.ID, d.vin, value, nil, time.Now()) {
			result["immediate"] = true
		}
	}
	return result, nil
}

func (d *Dispatcher) handleTriggerDelete(_ context.Context, params map[string]any) (map[string]any, error) {
	mgr, err := d.requireTriggers()
	if err != nil {
		return nil, err
	}
	id, _ := params["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("dispatch: trigger.delete requires 'id' parameter")
	}
	return map[string]any{"deleted": mgr.Delete(id), "id": id}, nil
}

func (d *Dispatcher) handleTriggerList(_ context.Context, _ map[string]any) (map[string]any, error) {
	mgr, err := d.requireTriggers()
	if err != nil {
		return nil, err
	}
	return map[string]any{"triggers": triggerEntries(mgr.List(), "", false)}, nil
}

func (d *Dispatcher) boundTriggerCreate(field string, fahrenheit bool) handlerFunc {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		bound := make(map[string]any, len(params)+1)
		for k, v := range params {
			bound[k] = v
		}
		bound["field"] = field
		if fahrenheit {
			if f, ok := numericParam(params, "value"); ok {
				bound["value"] = fahrenheitToCelsius(f)
			}
		}
		return d.handleTriggerCreate(ctx, bound)
	}
}

func (d *Dispatcher) boundTriggerList(field string, fahrenheit bool) handlerFunc {
	return func(_ context.Context, _ map[string]any) (map[string]any, error) {
		mgr, err := d.requireTriggers()
		if err != nil {
			return nil, err
		}
		return map[string]any{"triggers": triggerEntries(mgr.List(), field, fahrenheit)}, nil
	}
}

// triggerEntries serializes triggers, optionally filtered to one
// field. Fahrenheit display values are added for temperature
// thresholds stored in Celsius.
func triggerEntries(triggers []*trigger.Trigger, field string, fahrenheit bool) []map[string]any {
	out := make([]map[string]any, 0, len(triggers))
	for _, tr := range triggers {
		if field != "" && tr.Condition.Field != field {
			continue
		}
		entry := map[string]any{
			"id":               tr.ID,
			"field":            tr.Condition.Field,
			"operator":         string(tr.Condition.Operator),
			"value":            tr.Condition.Value,
			"once":             tr.Once,
			"cooldown_seconds": tr.Cooldown,
		}
		if fahrenheit {
			if c, ok := toNumber(tr.Condition.Value); ok {
				entry["value_f"] = celsiusToFahrenheit(c)
			}
		}
		out = append(out, entry)
	}
	return out
}

package cli

import (
	"context"
	"errors"
	"net/url"
)

func (r *Runner) register() {
	r.commands = map[string]commandFunc{
		// Vehicle
		"vehicle list":            r.cmdVehicleList,
		"vehicle info":            r.cmdVehicleInfo,
		"vehicle data":            r.cmdVehicleData,
		"vehicle location":        r.cmdVehicleLocation,
		"vehicle wake":            r.cmdVehicleWake,
		"vehicle rename":          r.cmdVehicleRename,
		"vehicle alerts":          r.vinGet("/api/1/vehicles/{vin}/recent_alerts"),
		"vehicle nearby-chargers": r.vinGet("/api/1/vehicles/{vin}/nearby_charging_sites"),
		"vehicle release-notes":   r.vinGet("/api/1/vehicles/{vin}/release_notes"),
		"vehicle service":         r.vinGet("/api/1/vehicles/{vin}/service_data"),
		"vehicle drivers":         r.vinGet("/api/1/vehicles/{vin}/drivers"),
		"vehicle fleet-status":    r.cmdFleetStatus,
		"vehicle specs":           r.cmdVehicleSpecs,
		"vehicle warranty":        r.cmdWarranty,
		"vehicle subscriptions":   r.get("/api/1/subscriptions", false),

		// Charge
		"charge status":     r.sectionRead("charge_state"),
		"charge start":      r.writeCmd("charge_start", nil),
		"charge stop":       r.writeCmd("charge_stop", nil),
		"charge limit":      r.cmdChargeLimit,
		"charge limit-max":  r.writeCmd("set_charge_limit", map[string]any{"percent": 100}),
		"charge limit-std":  r.writeCmd("set_charge_limit", map[string]any{"percent": 90}),
		"charge amps":       r.cmdChargeAmps,
		"charge port-open":  r.writeCmd("charge_port_door_open", nil),
		"charge port-close": r.writeCmd("charge_port_door_close", nil),

		// Climate
		"climate status":       r.sectionRead("climate_state"),
		"climate on":           r.writeCmd("auto_conditioning_start", nil),
		"climate off":          r.writeCmd("auto_conditioning_stop", nil),
		"climate set":          r.cmdClimateSet,
		"climate precondition": r.writeCmd("set_preconditioning_max", map[string]any{"on": true, "manual_override": true}),
		"climate seat":         r.cmdClimateSeat,
		"climate wheel-heater": r.cmdWheelHeater,
		"climate bioweapon":    r.cmdBioweapon,

		// Security
		"security status":       r.cmdSecurityStatus,
		"security lock":         r.writeCmd("door_lock", nil),
		"security unlock":       r.writeCmd("door_unlock", nil),
		"security sentry":       r.cmdSentry,
		"security flash":        r.writeCmd("flash_lights", nil),
		"security honk":         r.writeCmd("honk_horn", nil),
		"security remote-start": r.writeCmd("remote_start_drive", nil),

		// Trunk and windows
		"trunk open":   r.writeCmd("actuate_trunk", map[string]any{"which_trunk": "rear"}),
		"trunk close":  r.writeCmd("actuate_trunk", map[string]any{"which_trunk": "rear"}),
		"trunk frunk":  r.writeCmd("actuate_trunk", map[string]any{"which_trunk": "front"}),
		"trunk window": r.cmdWindow,

		// Media
		"media play-pause": r.writeCmd("media_toggle_playback", nil),
		"media next-track": r.writeCmd("media_next_track", nil),
		"media prev-track": r.writeCmd("media_prev_track", nil),
		"media volume":     r.cmdMediaVolume,

		// Navigation
		"nav send":         r.cmdNavSend,
		"nav supercharger": r.writeCmd("navigation_sc_request", nil),

		// Software
		"software status":   r.cmdSoftwareStatus,
		"software schedule": r.cmdSoftwareSchedule,
		"software cancel":   r.writeCmd("cancel_software_update", nil),

		// Energy
		"energy list":    r.get("/api/1/products", false),
		"energy status":  r.siteGet("site_status"),
		"energy live":    r.siteGet("live_status"),
		"energy history": r.cmdEnergyHistory,

		// Billing
		"billing history":  r.cmdBillingHistory,
		"billing sessions": r.cmdBillingSessions,

		// User
		"user me":       r.get("/api/1/users/me", false),
		"user region":   r.get("/api/1/users/region", false),
		"user orders":   r.get("/api/1/users/orders", false),
		"user features": r.get("/api/1/users/feature_config", false),

		// Cache
		"cache status": r.cmdCacheStatus,
		"cache clear":  r.cmdCacheClear,

		// Auth
		"auth status": r.cmdAuthStatus,
	}
}

// vinGet is shorthand for a vehicle-scoped GET proxy.
func (r *Runner) vinGet(path string) commandFunc { return r.get(path, true) }

// writeCmd is shorthand for a fixed-body vehicle command.
func (r *Runner) writeCmd(name string, body map[string]any) commandFunc {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		return r.command(ctx, inv, name, body)
	}
}

// sectionRead returns one section of the cached snapshot.
func (r *Runner) sectionRead(name string) commandFunc {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		data, err := r.snapshot(ctx, inv)
		if err != nil {
			return nil, err
		}
		return section(data, name), nil
	}
}

func (r *Runner) cmdVehicleList(ctx context.Context, _ *Invocation) (any, error) {
	vehicles, err := r.client.ListVehicles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, map[string]any{
			"vin":          v.VIN,
			"state":        v.State,
			"display_name": v.DisplayName,
		})
	}
	return out, nil
}

func (r *Runner) cmdVehicleInfo(ctx context.Context, inv *Invocation) (any, error) {
	data, err := r.snapshot(ctx, inv)
	if err != nil {
		return nil, err
	}
	charge := section(data, "charge_state")
	climate := section(data, "climate_state")
	vehicle := section(data, "vehicle_state")
	return map[string]any{
		"vin":            inv.VIN,
		"state":          data["state"],
		"display_name":   data["display_name"],
		"battery_level":  charge["battery_level"],
		"battery_range":  charge["battery_range"],
		"charging_state": charge["charging_state"],
		"inside_temp":    climate["inside_temp"],
		"outside_temp":   climate["outside_temp"],
		"locked":         vehicle["locked"],
		"sentry_mode":    vehicle["sentry_mode"],
		"odometer":       vehicle["odometer"],
	}, nil
}

func (r *Runner) cmdVehicleData(ctx context.Context, inv *Invocation) (any, error) {
	return r.snapshot(ctx, inv)
}

func (r *Runner) cmdVehicleLocation(ctx context.Context, inv *Invocation) (any, error) {
	data, err := r.snapshot(ctx, inv)
	if err != nil {
		return nil, err
	}
	drive := section(data, "drive_state")
	return map[string]any{
		"latitude":  drive["latitude"],
		"longitude": drive["longitude"],
		"heading":   drive["heading"],
		"speed":     drive["speed"],
	}, nil
}

func (r *Runner) cmdVehicleSpecs(ctx context.Context, inv *Invocation) (any, error) {
	data, err := r.snapshot(ctx, inv)
	if err != nil {
		return nil, err
	}
	return section(data, "vehicle_config"), nil
}

func (r *Runner) cmdVehicleWake(ctx context.Context, inv *Invocation) (any, error) {
	if err := requireVIN(inv); err != nil {
		return nil, err
	}
	if err := r.waker.WakeAndWait(ctx, inv.VIN); err != nil {
		return nil, err
	}
	return map[string]any{"vin": inv.VIN, "state": "online"}, nil
}

func (r *Runner) cmdVehicleRename(ctx context.Context, inv *Invocation) (any, error) {
	name, err := argString(inv, 0, "name")
	if err != nil {
		return nil, err
	}
	return r.command(ctx, inv, "set_vehicle_name", map[string]any{"vehicle_name": name})
}

func (r *Runner) cmdFleetStatus(ctx context.Context, inv *Invocation) (any, error) {
	if err := requireVIN(inv); err != nil {
		return nil, err
	}
	return r.client.Post(ctx, "/api/1/vehicles/fleet_status", map[string]any{"vins": []string{inv.VIN}})
}

func (r *Runner) cmdWarranty(ctx context.Context, inv *Invocation) (any, error) {
	if err := requireVIN(inv); err != nil {
		return nil, err
	}
	return r.client.Get(ctx, "/api/1/dx/warranty/details", url.Values{"vin": {inv.VIN}})
}

func (r *Runner) cmdChargeLimit(ctx context.Context, inv *Invocation) (any, error) {
	percent, err := argFloat(inv, 0, "percent")
	if err != nil {
		return nil, err
	}
	return r.command(ctx, inv, "set_charge_limit", map[string]any{"percent": int(percent)})
}

func (r *Runner) cmdChargeAmps(ctx context.Context, inv *Invocation) (any, error) {
	amps, err := argFloat(inv, 0, "amps")
	if err != nil {
		return nil, err
	}
	return r.command(ctx, inv, "set_charging_amps", map[string]any{"charging_amps": int(amps)})
}

func (r *Runner) cmdClimateSet(ctx context.Context, inv *Invocation) (any, error) {
	temp, err := argFloat(inv, 0, "temperature")
	if err != nil {
		return nil, err
	}
	return r.command(ctx, inv, "set_temps", map[string]any{
		"driver_temp":    temp,
		"passenger_temp": temp,
	})
}

func (r *Runner) cmdClimateSeat(ctx context.Context, inv *Invocation) (any, error) {
	seat, err := argFloat(inv, 0, "seat")
	if err != nil {
		return nil, err
	}
	level, err := argFloat(inv, 1, "level")
	if err != nil {
		return nil, err
	}
	return r.command(ctx, inv, "remote_seat_heater_request", map[string]any{
		"heater": int(seat),
		"level":  int(level),
	})
}

func (r *Runner) cmdWheelHeater(ctx context.Context, inv *Invocation) (any, error) {
	return r.command(ctx, inv, "remote_steering_wheel_heater_request", map[string]any{"on": argBool(inv, 0)})
}

func (r *Runner) cmdBioweapon(ctx context.Context, inv *Invocation) (any, error) {
	return r.command(ctx, inv, "set_bioweapon_mode", map[string]any{
		"on":              argBool(inv, 0),
		"manual_override": true,
	})
}

func (r *Runner) cmdSecurityStatus(ctx context.Context, inv *Invocation) (any, error) {
	data, err := r.snapshot(ctx, inv)
	if err != nil {
		return nil, err
	}
	vs := section(data, "vehicle_state")
	return map[string]any{
		"locked":      vs["locked"],
		"sentry_mode": vs["sentry_mode"],
	}, nil
}

func (r *Runner) cmdSentry(ctx context.Context, inv *Invocation) (any, error) {
	return r.command(ctx, inv, "set_sentry_mode", map[string]any{"on": argBool(inv, 0)})
}

func (r *Runner) cmdWindow(ctx context.Context, inv *Invocation) (any, error) {
	command := "vent"
	if !argBool(inv, 0) {
		command = "close"
	}
	return r.command(ctx, inv, "window_control", map[string]any{
		"command": command,
		"lat":     0,
		"lon":     0,
	})
}

func (r *Runner) cmdMediaVolume(ctx context.Context, inv *Invocation) (any, error) {
	volume, err := argFloat(inv, 0, "volume")
	if err != nil {
		return nil, err
	}
	return r.command(ctx, inv, "adjust_volume", map[string]any{"volume": volume})
}

func (r *Runner) cmdNavSend(ctx context.Context, inv *Invocation) (any, error) {
	address, err := argString(inv, 0, "address")
	if err != nil {
		return nil, err
	}
	return r.command(ctx, inv, "share", map[string]any{"address": address})
}

func (r *Runner) cmdSoftwareStatus(ctx context.Context, inv *Invocation) (any, error) {
	data, err := r.snapshot(ctx, inv)
	if err != nil {
		return nil, err
	}
	vs := section(data, "vehicle_state")
	update, _ := vs["software_update"].(map[string]any)
	return map[string]any{
		"car_version":     vs["car_version"],
		"software_update": update,
	}, nil
}

func (r *Runner) cmdSoftwareSchedule(ctx context.Context, inv *Invocation) (any, error) {
	offset := 0.0
	if len(inv.Args) > 0 {
		var err error
		if offset, err = argFloat(inv, 0, "offset_sec"); err != nil {
			return nil, err
		}
	}
	return r.command(ctx, inv, "schedule_software_update", map[string]any{"offset_sec": int(offset)})
}

// siteGet proxies an energy-site endpoint; the site id is the first
// positional argument.
func (r *Runner) siteGet(endpoint string) commandFunc {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		site, err := argString(inv, 0, "site_id")
		if err != nil {
			return nil, err
		}
		return r.client.Get(ctx, "/api/1/energy_sites/"+site+"/"+endpoint, nil)
	}
}

func (r *Runner) cmdEnergyHistory(ctx context.Context, inv *Invocation) (any, error) {
	site, err := argString(inv, 0, "site_id")
	if err != nil {
		return nil, err
	}
	return r.client.Get(ctx, "/api/1/energy_sites/"+site+"/calendar_history", url.Values{
		"kind":   {"energy"},
		"period": {"day"},
	})
}

func (r *Runner) cmdBillingHistory(ctx context.Context, inv *Invocation) (any, error) {
	params := url.Values{}
	if inv.VIN != "" {
		params.Set("vin", inv.VIN)
	}
	return r.client.Get(ctx, "/api/1/dx/charging/history", params)
}

func (r *Runner) cmdBillingSessions(ctx context.Context, inv *Invocation) (any, error) {
	params := url.Values{}
	if inv.VIN != "" {
		params.Set("vin", inv.VIN)
	}
	return r.client.Get(ctx, "/api/1/dx/charging/sessions", params)
}

func (r *Runner) cmdCacheStatus(_ context.Context, _ *Invocation) (any, error) {
	if r.cache == nil {
		return nil, errors.New("cache status: no cache configured")
	}
	return r.cache.Status(), nil
}

func (r *Runner) cmdCacheClear(_ context.Context, inv *Invocation) (any, error) {
	if r.cache == nil {
		return nil, errors.New("cache clear: no cache configured")
	}
	if err := r.cache.Clear(inv.VIN); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}

func (r *Runner) cmdAuthStatus(_ context.Context, inv *Invocation) (any, error) {
	return map[string]any{
		"authenticated": true,
		"vin":           inv.VIN,
	}, nil
}

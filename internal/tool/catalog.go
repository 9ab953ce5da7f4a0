package tool

// Tool is one entry in the catalog: a name exposed to agents, the
// argv it expands to, and whether it only reads vehicle state.
type Tool struct {
	Name        string
	Description string
	Argv        []string
	ReadOnly    bool
}

func read(name, description string, argv ...string) Tool {
	return Tool{Name: name, Description: description, Argv: argv, ReadOnly: true}
}

func write(name, description string, argv ...string) Tool {
	return Tool{Name: name, Description: description, Argv: argv}
}

// Catalog returns the full tool set in a stable order: reads first,
// then writes.
func Catalog() []Tool {
	return []Tool{
		read("vehicle_list", "List all vehicles on the account", "vehicle", "list"),
		read("vehicle_info", "Get vehicle info summary", "vehicle", "info"),
		read("vehicle_data", "Get full vehicle data", "vehicle", "data"),
		read("vehicle_location", "Get vehicle location", "vehicle", "location"),
		read("vehicle_alerts", "Get vehicle alerts", "vehicle", "alerts"),
		read("vehicle_nearby_chargers", "Find nearby Superchargers and destination chargers", "vehicle", "nearby-chargers"),
		read("vehicle_release_notes", "Get software release notes", "vehicle", "release-notes"),
		read("vehicle_service", "Get service status", "vehicle", "service"),
		read("vehicle_drivers", "List authorized drivers", "vehicle", "drivers"),
		read("vehicle_specs", "Get vehicle specifications", "vehicle", "specs"),
		read("vehicle_warranty", "Get warranty information", "vehicle", "warranty"),
		read("vehicle_fleet_status", "Get fleet telemetry status", "vehicle", "fleet-status"),
		read("vehicle_subscriptions", "List subscriptions", "vehicle", "subscriptions"),
		read("charge_status", "Get charge status", "charge", "status"),
		read("climate_status", "Get climate status", "climate", "status"),
		read("security_status", "Get security/lock status", "security", "status"),
		read("software_status", "Get software update status", "software", "status"),
		read("energy_list", "List energy products", "energy", "list"),
		read("energy_status", "Get energy site status", "energy", "status"),
		read("energy_live", "Get live power flow data", "energy", "live"),
		read("energy_history", "Get energy history", "energy", "history"),
		read("billing_history", "Get Supercharger billing history", "billing", "history"),
		read("billing_sessions", "Get Supercharger charging sessions", "billing", "sessions"),
		read("user_me", "Get account info", "user", "me"),
		read("user_region", "Get account region", "user", "region"),
		read("user_orders", "Get vehicle orders", "user", "orders"),
		read("user_features", "Get feature flags", "user", "features"),
		read("cache_status", "Get cache status", "cache", "status"),
		read("auth_status", "Get auth/token status", "auth", "status"),

		write("charge_start", "Start charging", "charge", "start"),
		write("charge_stop", "Stop charging", "charge", "stop"),
		write("charge_limit", "Set charge limit (percentage)", "charge", "limit"),
		write("charge_limit_max", "Set charge limit to maximum", "charge", "limit-max"),
		write("charge_limit_std", "Set charge limit to standard", "charge", "limit-std"),
		write("charge_amps", "Set charge amperage", "charge", "amps"),
		write("charge_port_open", "Open charge port", "charge", "port-open"),
		write("charge_port_close", "Close charge port", "charge", "port-close"),
		write("climate_on", "Turn on climate control", "climate", "on"),
		write("climate_off", "Turn off climate control", "climate", "off"),
		write("climate_set", "Set climate temperature", "climate", "set"),
		write("climate_precondition", "Precondition cabin", "climate", "precondition"),
		write("climate_seat", "Set seat heater level", "climate", "seat"),
		write("climate_wheel_heater", "Toggle steering wheel heater", "climate", "wheel-heater"),
		write("climate_bioweapon", "Toggle bioweapon defense mode", "climate", "bioweapon"),
		write("security_lock", "Lock the vehicle", "security", "lock"),
		write("security_unlock", "Unlock the vehicle", "security", "unlock"),
		write("security_sentry", "Toggle sentry mode", "security", "sentry"),
		write("security_flash", "Flash the lights", "security", "flash"),
		write("security_honk", "Honk the horn", "security", "honk"),
		write("security_remote_start", "Enable remote start", "security", "remote-start"),
		write("trunk_open", "Open the trunk", "trunk", "open"),
		write("trunk_close", "Close the trunk", "trunk", "close"),
		write("trunk_frunk", "Open the frunk", "trunk", "frunk"),
		write("trunk_window", "Vent or close windows", "trunk", "window"),
		write("media_play_pause", "Toggle media play/pause", "media", "play-pause"),
		write("media_next_track", "Skip to next track", "media", "next-track"),
		write("media_prev_track", "Go to previous track", "media", "prev-track"),
		write("media_volume", "Set media volume", "media", "volume"),
		write("nav_send", "Send a destination to the vehicle", "nav", "send"),
		write("nav_supercharger", "Navigate to nearest Supercharger", "nav", "supercharger"),
		write("software_schedule", "Schedule software update", "software", "schedule"),
		write("software_cancel", "Cancel pending software update", "software", "cancel"),
		write("vehicle_wake", "Wake the vehicle", "vehicle", "wake"),
		write("vehicle_rename", "Rename the vehicle", "vehicle", "rename"),
		write("cache_clear", "Clear response cache", "cache", "clear"),
	}
}

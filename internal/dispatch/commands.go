package dispatch

import "github.com/voltgate/voltgate/internal/protocol"

// commandSpec describes one vehicle command: its wire name, the
// subsystem it is routed to, and whether the command channel demands a
// signature.
type commandSpec struct {
	Name            string
	Domain          protocol.Domain
	RequiresSigning bool
}

// commandSpecs is the full set of commands the write handlers can
// issue. Security-sensitive commands go through the vehicle security
// controller and must be signed when a session key is available;
// infotainment commands are accepted unsigned.
var commandSpecs = map[string]commandSpec{
	"door_lock":   {Name: "door_lock", Domain: protocol.DomainVCSEC, RequiresSigning: true},
	"door_unlock": {Name: "door_unlock", Domain: protocol.DomainVCSEC, RequiresSigning: true},

	"auto_conditioning_start": {Name: "auto_conditioning_start", Domain: protocol.DomainInfotainment, RequiresSigning: true},
	"auto_conditioning_stop":  {Name: "auto_conditioning_stop", Domain: protocol.DomainInfotainment, RequiresSigning: true},
	"set_temps":               {Name: "set_temps", Domain: protocol.DomainInfotainment, RequiresSigning: true},
	"set_preconditioning_max": {Name: "set_preconditioning_max", Domain: protocol.DomainInfotainment, RequiresSigning: true},

	"charge_start":     {Name: "charge_start", Domain: protocol.DomainInfotainment, RequiresSigning: true},
	"charge_stop":      {Name: "charge_stop", Domain: protocol.DomainInfotainment, RequiresSigning: true},
	"set_charge_limit": {Name: "set_charge_limit", Domain: protocol.DomainInfotainment, RequiresSigning: true},

	"actuate_trunk":   {Name: "actuate_trunk", Domain: protocol.DomainVCSEC, RequiresSigning: true},
	"flash_lights":    {Name: "flash_lights", Domain: protocol.DomainVCSEC, RequiresSigning: true},
	"honk_horn":       {Name: "honk_horn", Domain: protocol.DomainVCSEC, RequiresSigning: true},
	"set_sentry_mode": {Name: "set_sentry_mode", Domain: protocol.DomainVCSEC, RequiresSigning: true},

	// Navigation and sharing ride over plain HTTPS only.
	"share":                        {Name: "share", Domain: protocol.DomainInfotainment},
	"navigation_gps_request":       {Name: "navigation_gps_request", Domain: protocol.DomainInfotainment},
	"navigation_sc_request":        {Name: "navigation_sc_request", Domain: protocol.DomainInfotainment},
	"navigation_waypoints_request": {Name: "navigation_waypoints_request", Domain: protocol.DomainInfotainment},

	"trigger_homelink": {Name: "trigger_homelink", Domain: protocol.DomainInfotainment, RequiresSigning: true},
}

// methodAliases maps provider-style command names onto dispatch
// method names, so system.run accepts both spellings.
var methodAliases = map[string]string{
	"door_lock":                    "door.lock",
	"door_unlock":                  "door.unlock",
	"auto_conditioning_start":      "climate.on",
	"auto_conditioning_stop":       "climate.off",
	"set_temps":                    "climate.set_temp",
	"set_preconditioning_max":      "climate.defrost",
	"charge_start":                 "charge.start",
	"charge_stop":                  "charge.stop",
	"set_charge_limit":             "charge.set_limit",
	"actuate_trunk":                "trunk.open",
	"share":                        "nav.send",
	"navigation_gps_request":       "nav.gps",
	"navigation_sc_request":        "nav.supercharger",
	"navigation_waypoints_request": "nav.waypoints",
	"trigger_homelink":             "homelink.trigger",
	"list_triggers":                "trigger.list",
}

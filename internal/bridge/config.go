// Package bridge forwards filtered telemetry to an outbound gateway
// over WebSocket. A Bridge is a telemetry sink: each decoded frame is
// run through a per-field dual-gate filter, mapped to gateway events,
// and sent best-effort.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	defaultGatewayURL    = "ws://127.0.0.1:18789"
	defaultClientID      = "voltgate-bridge"
	defaultClientVersion = "0.1.0"
)

// FieldFilter configures the dual-gate filter for one telemetry field.
type FieldFilter struct {
	Enabled         bool    `json:"enabled"`
	Granularity     float64 `json:"granularity"`
	ThrottleSeconds float64 `json:"throttle_seconds"`
	MaxSeconds      float64 `json:"max_seconds,omitempty"`
}

// Config holds the gateway connection settings and the per-field
// telemetry filters.
type Config struct {
	GatewayURL    string                 `json:"gateway_url"`
	GatewayToken  string                 `json:"gateway_token,omitempty"`
	ClientID      string                 `json:"client_id"`
	ClientVersion string                 `json:"client_version"`
	Telemetry     map[string]FieldFilter `json:"telemetry"`
}

// DefaultConfig returns the built-in filter table: coarse deltas and
// throttles for continuous fields, any-change for state fields.
func DefaultConfig() Config {
	return Config{
		GatewayURL:    defaultGatewayURL,
		ClientID:      defaultClientID,
		ClientVersion: defaultClientVersion,
		Telemetry: map[string]FieldFilter{
			"Location":            {Enabled: true, Granularity: 50, ThrottleSeconds: 1},
			"Soc":                 {Enabled: true, Granularity: 5, ThrottleSeconds: 10},
			"BatteryLevel":        {Enabled: true, Granularity: 1, ThrottleSeconds: 10},
			"EstBatteryRange":     {Enabled: true, Granularity: 5, ThrottleSeconds: 30},
			"InsideTemp":          {Enabled: true, Granularity: 5, ThrottleSeconds: 30},
			"OutsideTemp":         {Enabled: true, Granularity: 5, ThrottleSeconds: 30},
			"VehicleSpeed":        {Enabled: true, Granularity: 5, ThrottleSeconds: 2},
			"Odometer":            {Enabled: true, Granularity: 1, ThrottleSeconds: 60},
			"ChargeState":         {Enabled: true},
			"DetailedChargeState": {Enabled: true},
			"Locked":              {Enabled: true},
			"SentryMode":          {Enabled: true},
			"Gear":                {Enabled: true},
		},
	}
}

// LoadConfig reads a JSON bridge config from path. A missing file
// yields the defaults; a present file replaces the defaults for every
// key it sets, with the built-in filter table backing fields it omits.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("bridge: read config %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return Config{}, fmt.Errorf("bridge: parse config %s: %w", path, err)
	}

	if loaded.GatewayURL != "" {
		cfg.GatewayURL = loaded.GatewayURL
	}
	if loaded.GatewayToken != "" {
		cfg.GatewayToken = loaded.GatewayToken
	}
	if loaded.ClientID != "" {
		cfg.ClientID = loaded.ClientID
	}
	if loaded.ClientVersion != "" {
		cfg.ClientVersion = loaded.ClientVersion
	}
	for field, filter := range loaded.Telemetry {
		cfg.Telemetry[field] = filter
	}
	return cfg, nil
}

// ApplyOverrides replaces the gateway endpoint and token when the
// caller supplied them on the command line.
func (c *Config) ApplyOverrides(gatewayURL, token string) {
	if gatewayURL != "" {
		c.GatewayURL = gatewayURL
	}
	if token != "" {
		c.GatewayToken = token
	}
}

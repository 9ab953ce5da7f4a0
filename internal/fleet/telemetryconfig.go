package fleet

import (
	"context"

	"github.com/voltgate/voltgate/internal/telemetry"
)

// TelemetryConfig is the fleet telemetry configuration pushed to the
// provider so the vehicle streams frames to our endpoint.
type TelemetryConfig struct {
	Hostname   string                           `json:"hostname"`
	Port       int                              `json:"port"`
	CA         string                           `json:"ca"`
	Fields     map[string]telemetry.FieldConfig `json:"fields"`
	AlertTypes []string                         `json:"alert_types"`
}

// CreateTelemetryConfig pushes a telemetry configuration for the
// given vehicles.
func (c *Client) CreateTelemetryConfig(ctx context.Context, vins []string, cfg TelemetryConfig) (map[string]any, error) {
	body := map[string]any{
		"vins":   vins,
		"config": cfg,
	}
	return c.Post(ctx, "/api/1/vehicles/fleet_telemetry_config", body)
}

// TelemetryConfigStatus fetches the vehicle's current telemetry
// configuration, if any.
func (c *Client) TelemetryConfigStatus(ctx context.Context, vin string) (map[string]any, error) {
	return c.Get(ctx, "/api/1/vehicles/"+vin+"/fleet_telemetry_config", nil)
}

// DeleteTelemetryConfig removes the vehicle's telemetry
// configuration.
func (c *Client) DeleteTelemetryConfig(ctx context.Context, vin string) (map[string]any, error) {
	return c.Delete(ctx, "/api/1/vehicles/"+vin+"/fleet_telemetry_config")
}

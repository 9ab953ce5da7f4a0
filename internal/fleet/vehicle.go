package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Vehicle is the provider's account-level vehicle record.
type Vehicle struct {
	VIN         string `json:"vin"`
	State       string `json:"state"`
	DisplayName string `json:"display_name"`
}

// Online reports whether the vehicle can service requests.
func (v Vehicle) Online() bool { return v.State == "online" }

// ListVehicles returns every vehicle on the account.
func (c *Client) ListVehicles(ctx context.Context) ([]Vehicle, error) {
	data, err := c.Get(ctx, "/api/1/vehicles", nil)
	if err != nil {
		return nil, err
	}
	var vehicles []Vehicle
	if err := decodeInto(data["response"], &vehicles); err != nil {
		return nil, err
	}
	return vehicles, nil
}

// VehicleData fetches the full state snapshot, optionally narrowed to
// the given endpoint groups.
func (c *Client) VehicleData(ctx context.Context, vin string, endpoints []string) (map[string]any, error) {
	params := url.Values{}
	if len(endpoints) > 0 {
		params.Set("endpoints", strings.Join(endpoints, ";"))
	}
	data, err := c.Get(ctx, "/api/1/vehicles/"+vin+"/vehicle_data", params)
	if err != nil {
		var asleep *VehicleAsleepError
		if errors.As(err, &asleep) {
			asleep.VIN = vin
		}
		return nil, err
	}
	snapshot, ok := data["response"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("fleet: malformed vehicle_data response for %s", vin)
	}
	return snapshot, nil
}

// Wake sends a wake-up command and returns the resulting state.
func (c *Client) Wake(ctx context.Context, vin string) (*Vehicle, error) {
	data, err := c.Post(ctx, "/api/1/vehicles/"+vin+"/wake_up", nil)
	if err != nil {
		return nil, err
	}
	var vehicle Vehicle
	if err := decodeInto(data["response"], &vehicle); err != nil {
		return nil, err
	}
	if vehicle.VIN == "" {
		vehicle.VIN = vin
	}
	return &vehicle, nil
}

package fleet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
)

// CommandResponse is the provider's acknowledgement of a vehicle
// command.
type CommandResponse struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}

// ExecuteCommand POSTs an unsigned command to the vehicle.
func (c *Client) ExecuteCommand(ctx context.Context, vin, name string, body map[string]any) (*CommandResponse, error) {
	data, err := c.Post(ctx, "/api/1/vehicles/"+vin+"/command/"+name, body)
	if err != nil {
		var asleep *VehicleAsleepError
		if errors.As(err, &asleep) {
			asleep.VIN = vin
		}
		return nil, err
	}
	return commandResponse(data)
}

// SignedCommand POSTs a signed routable message to the vehicle's
// command channel.
func (c *Client) SignedCommand(ctx context.Context, vin string, routableMessage []byte) (*CommandResponse, error) {
	body := map[string]any{
		"routable_message": base64.StdEncoding.EncodeToString(routableMessage),
	}
	data, err := c.Post(ctx, "/api/1/vehicles/"+vin+"/signed_command", body)
	if err != nil {
		var asleep *VehicleAsleepError
		if errors.As(err, &asleep) {
			asleep.VIN = vin
		}
		return nil, err
	}
	return commandResponse(data)
}

func commandResponse(data map[string]any) (*CommandResponse, error) {
	var resp CommandResponse
	if err := decodeInto(data["response"], &resp); err != nil {
		return nil, err
	}
	if !resp.Result && resp.Reason == "" {
		return nil, fmt.Errorf("fleet: malformed command response")
	}
	return &resp, nil
}

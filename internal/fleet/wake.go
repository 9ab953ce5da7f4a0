package fleet

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Wake pacing respects the provider's three-wakes-per-minute limit:
// never poll faster than every twenty seconds.
const (
	wakeInitialDelay  = 20 * time.Second
	wakeMaxDelay      = 30 * time.Second
	wakeBackoffFactor = 1.5
	wakeBudget        = 90 * time.Second
)

// Waker wakes a sleeping vehicle and polls until it comes online.
// The zero delays fall back to the provider-respecting defaults.
type Waker struct {
	Client       *Client
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Budget       time.Duration

	log *slog.Logger
}

// NewWaker returns a Waker with the default pacing.
func NewWaker(c *Client) *Waker {
	return &Waker{
		Client:       c,
		InitialDelay: wakeInitialDelay,
		MaxDelay:     wakeMaxDelay,
		Factor:       wakeBackoffFactor,
		Budget:       wakeBudget,
		log:          slog.Default().With("component", "fleet-waker"),
	}
}

// WakeAndWait sends a wake command and polls with exponential backoff
// until the vehicle reports online or the budget is exhausted.
func (w *Waker) WakeAndWait(ctx context.Context, vin string) error {
	vehicle, err := w.Client.Wake(ctx, vin)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(w.Budget)
	delay := w.InitialDelay
	for !vehicle.Online() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(time.Duration(float64(delay)*w.Factor), w.MaxDelay)

		v, err := w.Client.Wake(ctx, vin)
		if err != nil {
			var asleep *VehicleAsleepError
			if errors.As(err, &asleep) {
				continue
			}
			return err
		}
		vehicle = v
	}

	if !vehicle.Online() {
		return &VehicleAsleepError{VIN: vin, Message: "vehicle did not wake within budget"}
	}
	w.logger().Info("vehicle awake", "vin", vin)
	return nil
}

// AutoWake runs op; when the vehicle is asleep it wakes it once and
// retries op exactly once.
func (w *Waker) AutoWake(ctx context.Context, vin string, op func(context.Context) (map[string]any, error)) (map[string]any, error) {
	out, err := op(ctx)
	if err == nil {
		return out, nil
	}
	var asleep *VehicleAsleepError
	if !errors.As(err, &asleep) {
		return nil, err
	}

	w.logger().Info("vehicle asleep, waking", "vin", vin)
	if err := w.WakeAndWait(ctx, vin); err != nil {
		return nil, err
	}
	return op(ctx)
}

func (w *Waker) logger() *slog.Logger {
	if w.log == nil {
		w.log = slog.Default().With("component", "fleet-waker")
	}
	return w.log
}

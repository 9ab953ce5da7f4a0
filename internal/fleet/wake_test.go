package fleet

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastWaker(c *Client) *Waker {
	w := NewWaker(c)
	w.InitialDelay = 10 * time.Millisecond
	w.MaxDelay = 20 * time.Millisecond
	w.Budget = time.Second
	return w
}

// Asleep vehicle: first data fetch fails with 408, one wake brings it
// online, the retried fetch succeeds and issues no second wake.
func TestAutoWakeRetriesOnceAfterWake(t *testing.T) {
	t.Parallel()

	var dataCalls, wakeCalls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/wake_up"):
			wakeCalls.Add(1)
			writeJSON(w, 200, map[string]any{"response": map[string]any{"vin": "VIN1", "state": "online"}})
		case strings.HasSuffix(r.URL.Path, "/vehicle_data"):
			if dataCalls.Add(1) == 1 {
				writeJSON(w, 408, map[string]any{"error": "vehicle unavailable"})
				return
			}
			writeJSON(w, 200, map[string]any{"response": map[string]any{"vin": "VIN1", "state": "online"}})
		default:
			http.NotFound(w, r)
		}
	}))

	waker := fastWaker(c)
	out, err := waker.AutoWake(context.Background(), "VIN1", func(ctx context.Context) (map[string]any, error) {
		return c.VehicleData(ctx, "VIN1", nil)
	})
	require.NoError(t, err)
	assert.Equal(t, "VIN1", out["vin"])
	assert.EqualValues(t, 2, dataCalls.Load(), "exactly one retry")
	assert.EqualValues(t, 1, wakeCalls.Load(), "exactly one wake")
}

func TestAutoWakePassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 500, map[string]any{"error": "boom"})
	}))

	_, err := fastWaker(c).AutoWake(context.Background(), "VIN1", func(ctx context.Context) (map[string]any, error) {
		return c.VehicleData(ctx, "VIN1", nil)
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestWakeAndWaitPollsUntilOnline(t *testing.T) {
	t.Parallel()

	var wakeCalls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := "asleep"
		if wakeCalls.Add(1) >= 3 {
			state = "online"
		}
		writeJSON(w, 200, map[string]any{"response": map[string]any{"vin": "VIN1", "state": state}})
	}))

	require.NoError(t, fastWaker(c).WakeAndWait(context.Background(), "VIN1"))
	assert.GreaterOrEqual(t, wakeCalls.Load(), int32(3))
}

func TestWakeAndWaitBudgetExhausted(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"response": map[string]any{"vin": "VIN1", "state": "asleep"}})
	}))

	waker := fastWaker(c)
	waker.Budget = 50 * time.Millisecond
	err := waker.WakeAndWait(context.Background(), "VIN1")
	var asleep *VehicleAsleepError
	require.ErrorAs(t, err, &asleep)
	assert.Equal(t, "VIN1", asleep.VIN)
}

package trigger

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgate/voltgate/internal/telemetry"
)

func TestCreateEnforcesLimit(t *testing.T) {
	t.Parallel()

	m := NewManager()
	for i := 0; i < MaxTriggers; i++ {
		_, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: float64(i)}, false, 0)
		require.NoError(t, err, "create %d", i)
	}
	_, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: 1.0}, false, 0)
	assert.ErrorIs(t, err, ErrLimitReached)
}

func TestDeleteKeepsIndexConsistent(t *testing.T) {
	t.Parallel()

	m := NewManager()
	var ids []string
	for i := 0; i < 10; i++ {
		tr, err := m.Create(Condition{Field: fmt.Sprintf("F%d", i%3), Operator: OpChanged}, false, 0)
		require.NoError(t, err)
		ids = append(ids, tr.ID)
	}

	for _, id := range ids[:5] {
		assert.True(t, m.Delete(id))
	}
	assert.False(t, m.Delete(ids[0])) // idempotent

	m.mu.Lock()
	for field, set := range m.byField {
		for id := range set {
			_, ok := m.triggers[id]
			assert.True(t, ok, "index orphan %s/%s", field, id)
		}
	}
	for id, tr := range m.triggers {
		_, ok := m.byField[tr.Condition.Field][id]
		assert.True(t, ok, "missing index entry %s", id)
	}
	m.mu.Unlock()
}

func TestOneShotFiresOnceAndAutoDeletes(t *testing.T) {
	t.Parallel()

	m := NewManager()
	tr, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: 20.0}, true, 0)
	require.NoError(t, err)

	fired := m.Evaluate("V1", "Soc", float64(15), float64(25), time.Now())
	require.Len(t, fired, 1)
	assert.Equal(t, tr.ID, fired[0].TriggerID)
	assert.Equal(t, 1, m.PendingCount())

	_, ok := m.Get(tr.ID)
	assert.False(t, ok)
	assert.Empty(t, m.List())

	fired = m.Evaluate("V1", "Soc", float64(10), float64(15), time.Now())
	assert.Empty(t, fired)
	assert.Equal(t, 1, m.PendingCount())
}

func TestCooldownAppliesToPersistentTriggers(t *testing.T) {
	t.Parallel()

	m := NewManager()
	_, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: 20.0}, false, 60)
	require.NoError(t, err)

	now := time.Now()
	require.Len(t, m.Evaluate("V1", "Soc", float64(15), float64(25), now), 1)
	assert.Empty(t, m.Evaluate("V1", "Soc", float64(14), float64(15), now.Add(30*time.Second)))
	assert.Len(t, m.Evaluate("V1", "Soc", float64(13), float64(14), now.Add(61*time.Second)), 1)
}

func TestNumericCoercionFailureDoesNotFire(t *testing.T) {
	t.Parallel()

	m := NewManager()
	_, err := m.Create(Condition{Field: "ChargeState", Operator: OpGT, Value: 5.0}, false, 0)
	require.NoError(t, err)

	assert.Empty(t, m.Evaluate("V1", "ChargeState", "Charging", nil, time.Now()))
}

func TestEqualityOperators(t *testing.T) {
	t.Parallel()

	m := NewManager()
	_, err := m.Create(Condition{Field: "ChargeState", Operator: OpEQ, Value: "Charging"}, false, 0)
	require.NoError(t, err)
	_, err = m.Create(Condition{Field: "Gear", Operator: OpNEQ, Value: "P"}, false, 0)
	require.NoError(t, err)

	assert.Len(t, m.Evaluate("V1", "ChargeState", "Charging", nil, time.Now()), 1)
	assert.Empty(t, m.Evaluate("V1", "ChargeState", "Stopped", nil, time.Now()))
	assert.Len(t, m.Evaluate("V1", "Gear", "D", "P", time.Now()), 1)
	assert.Empty(t, m.Evaluate("V1", "Gear", "P", "D", time.Now()))
}

func TestChangedOperator(t *testing.T) {
	t.Parallel()

	m := NewManager()
	_, err := m.Create(Condition{Field: "Locked", Operator: OpChanged}, false, 0)
	require.NoError(t, err)

	assert.Len(t, m.Evaluate("V1", "Locked", true, false, time.Now()), 1)
	assert.Empty(t, m.Evaluate("V1", "Locked", true, true, time.Now()))
}

func TestGeofenceCrossing(t *testing.T) {
	t.Parallel()

	home := Geofence{Latitude: 37.7749, Longitude: -122.4194, RadiusM: 100}
	inside := telemetry.Location{Latitude: 37.7749, Longitude: -122.4194}
	outside := telemetry.Location{Latitude: 37.7849, Longitude: -122.4194} // ~1.1 km north

	tests := []struct {
		name     string
		op       Operator
		value    any
		previous any
		fires    bool
	}{
		{"enter from outside", OpEnter, inside, outside, true},
		{"enter while inside", OpEnter, inside, inside, false},
		{"enter without previous", OpEnter, inside, nil, false},
		{"leave from inside", OpLeave, outside, inside, true},
		{"leave while outside", OpLeave, outside, outside, false},
		{"leave without previous", OpLeave, outside, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager()
			_, err := m.Create(Condition{Field: "Location", Operator: tt.op, Fence: &home}, false, 0)
			require.NoError(t, err)

			fired := m.Evaluate("V1", "Location", tt.value, tt.previous, time.Now())
			assert.Equal(t, tt.fires, len(fired) == 1)
		})
	}
}

func TestCallbackPanicsContained(t *testing.T) {
	t.Parallel()

	m := NewManager()
	var second int
	m.OnFire(func(Notification) { panic("bad callback") })
	m.OnFire(func(Notification) { second++ })

	_, err := m.Create(Condition{Field: "Soc", Operator: OpLT, Value: 20.0}, false, 0)
	require.NoError(t, err)

	fired := m.Evaluate("V1", "Soc", float64(10), nil, time.Now())
	require.Len(t, fired, 1)
	assert.Equal(t, 1, second)
	// The notification is still queued for polling.
	assert.Equal(t, 1, m.PendingCount())
}

func TestDrainPendingAtomic(t *testing.T) {
	t.Parallel()

	m := NewManager()
	_, err := m.Create(Condition{Field: "Soc", Operator: OpChanged}, false, 0)
	require.NoError(t, err)

	m.Evaluate("V1", "Soc", float64(10), float64(11), time.Now())
	m.Evaluate("V1", "Soc", float64(9), float64(10), time.Now())

	got := m.DrainPending()
	assert.Len(t, got, 2)
	assert.Empty(t, m.DrainPending())
}

func TestPendingQueueDropsOldest(t *testing.T) {
	t.Parallel()

	m := NewManager()
	_, err := m.Create(Condition{Field: "Soc", Operator: OpChanged}, false, 0)
	require.NoError(t, err)

	for i := 0; i < maxPending+10; i++ {
		m.Evaluate("V1", "Soc", float64(i), float64(i-1), time.Now())
	}
	got := m.DrainPending()
	require.Len(t, got, maxPending)
	assert.EqualValues(t, 10, got[0].Value)
}

func TestHaversine(t *testing.T) {
	t.Parallel()

	p := telemetry.Location{Latitude: 37.7749, Longitude: -122.4194}
	q := telemetry.Location{Latitude: 37.7759, Longitude: -122.4194} // 0.001° lat ≈ 111 m

	assert.Zero(t, Haversine(p, p))
	assert.Equal(t, Haversine(p, q), Haversine(q, p))
	d := Haversine(p, q)
	assert.GreaterOrEqual(t, d, 100.0)
	assert.LessOrEqual(t, d, 120.0)
}

func TestTriggerIDFormat(t *testing.T) {
	t.Parallel()

	m := NewManager()
	tr, err := m.Create(Condition{Field: "Soc", Operator: OpChanged}, false, 0)
	require.NoError(t, err)
	assert.Len(t, tr.ID, 12)
	assert.Regexp(t, "^[0-9a-f]{12}$", tr.ID)
}

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestStorePutGet(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	data := map[string]any{"charge_state": map[string]any{"battery_level": float64(80)}}
	require.NoError(t, s.Put("V1", data, 2*time.Minute))

	entry, ok := s.Get("V1")
	require.True(t, ok)
	assert.LessOrEqual(t, entry.Age().Seconds(), entry.TTLSeconds)

	level, ok := Lookup(entry.Data, "charge_state.battery_level")
	require.True(t, ok)
	assert.EqualValues(t, 80, level)
}

func TestStoreStaleEntryIsMiss(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	require.NoError(t, s.Put("V1", map[string]any{"x": 1}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok := s.Get("V1")
	assert.False(t, ok)

	// Peek still sees the entry, flagged stale.
	entry, fresh := s.Peek("V1")
	require.NotNil(t, entry)
	assert.False(t, fresh)

	st := s.Status()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Stale)
	assert.Equal(t, 0, st.Fresh)
}

func TestStoreClear(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	require.NoError(t, s.Put("V1", map[string]any{"a": 1}, time.Minute))
	require.NoError(t, s.Put("V2", map[string]any{"b": 2}, time.Minute))

	require.NoError(t, s.Clear("V1"))
	_, ok := s.Get("V1")
	assert.False(t, ok)
	_, ok = s.Get("V2")
	assert.True(t, ok)

	require.NoError(t, s.Clear(""))
	_, ok = s.Get("V2")
	assert.False(t, ok)

	// Clearing an absent vin is not an error.
	require.NoError(t, s.Clear("V9"))
}

func TestStoreWakeState(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	assert.False(t, s.GetWakeState("V1"))

	require.NoError(t, s.PutWakeState("V1", true, time.Minute))
	assert.True(t, s.GetWakeState("V1"))

	require.NoError(t, s.PutWakeState("V1", true, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, s.GetWakeState("V1"))
}

func TestStoreDisabled(t *testing.T) {
	t.Parallel()

	s := newStore(t, WithDisabled(true))
	require.NoError(t, s.Put("V1", map[string]any{"a": 1}, time.Minute))

	_, ok := s.Get("V1")
	assert.False(t, ok)
	assert.False(t, s.GetWakeState("V1"))

	st := s.Status()
	assert.False(t, st.Enabled)
	assert.Zero(t, st.Total)
}

func TestStoreStatusCounts(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	require.NoError(t, s.Put("V1", map[string]any{"a": 1}, time.Minute))
	require.NoError(t, s.Put("V2", map[string]any{"b": 2}, time.Minute))
	require.NoError(t, s.PutWakeState("V1", true, time.Minute))

	st := s.Status()
	assert.True(t, st.Enabled)
	assert.Equal(t, 2, st.Total) // wake entries are not snapshots
	assert.Equal(t, 2, st.Fresh)
	assert.Positive(t, st.DiskBytes)
}

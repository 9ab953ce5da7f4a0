package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutGet(t *testing.T) {
	t.Parallel()

	s := NewStore()
	_, ok := s.Get("VIN1", "Soc")
	assert.False(t, ok)

	at := time.Now()
	s.Put("VIN1", "Soc", 72.0, at)
	snap, ok := s.Get("VIN1", "Soc")
	require.True(t, ok)
	assert.Equal(t, 72.0, snap.Value)
	assert.Equal(t, at, snap.UpdatedAt)

	s.Put("VIN1", "Soc", 73.0, at.Add(time.Second))
	snap, _ = s.Get("VIN1", "Soc")
	assert.Equal(t, 73.0, snap.Value)
}

func TestStoreKeysByVehicle(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Put("VIN1", "Soc", 72.0, time.Now())
	s.Put("VIN2", "Soc", 30.0, time.Now())
	s.Put("VIN1", "Gear", "D", time.Now())

	fields := s.Fields("VIN1")
	assert.Len(t, fields, 2)
	assert.Equal(t, 72.0, fields["Soc"].Value)
	assert.Equal(t, "D", fields["Gear"].Value)
	assert.Equal(t, 3, s.Len())
}

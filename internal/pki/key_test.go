package pki

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndReload(t *testing.T) {
	t.Parallel()

	k, err := Generate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(k.PublicPEM()), "-----BEGIN PUBLIC KEY-----"))

	keyPEM, err := k.PrivatePEM()
	require.NoError(t, err)

	loaded, err := Load(keyPEM)
	require.NoError(t, err)
	assert.Equal(t, k.PublicPEM(), loaded.PublicPEM())
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte("not a key"))
	require.Error(t, err)
}

func TestLoadOrCreatePersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := LoadOrCreate(dir)
	require.NoError(t, err)

	// Second run loads the same identity.
	second, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.PublicPEM(), second.PublicPEM())

	// The served public key matches the on-disk copy.
	onDisk, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	require.NoError(t, err)
	assert.Equal(t, first.PublicPEM(), onDisk)
}

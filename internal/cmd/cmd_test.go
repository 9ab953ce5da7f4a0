package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandTree(t *testing.T) {
	root, err := NewRootCommand("test")
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	for _, g := range commandGroups {
		assert.True(t, names[g.use], "missing group %q", g.use)
	}
}

func TestPassthroughDisablesFlagParsing(t *testing.T) {
	root, err := NewRootCommand("test")
	require.NoError(t, err)

	for _, c := range root.Commands() {
		if c.Name() == "serve" {
			continue
		}
		assert.True(t, c.DisableFlagParsing, "%s must forward flags to the runner", c.Name())
	}
}

func TestGlobalFlagsBound(t *testing.T) {
	root, err := NewRootCommand("test")
	require.NoError(t, err)

	for _, flag := range []string{"vin", "region", "access-token", "cache-dir", "no-cache", "cache-ttl"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing persistent flag --%s", flag)
	}
}

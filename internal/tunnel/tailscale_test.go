package tunnel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRunner(statusJSON string, fail map[string]error) (runFunc, *[]string) {
	var calls []string
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		call := name + " " + strings.Join(args, " ")
		calls = append(calls, call)
		for prefix, err := range fail {
			if strings.HasPrefix(call, prefix) {
				return nil, err
			}
		}
		if strings.Contains(call, "status") {
			return []byte(statusJSON), nil
		}
		return nil, nil
	}, &calls
}

const runningStatus = `{
	"BackendState": "Running",
	"Self": {
		"DNSName": "voltgate.tail1234.ts.net.",
		"CapMap": {"https://tailscale.com/cap/funnel": []}
	}
}`

func TestTailscaleStart(t *testing.T) {
	t.Parallel()

	run, calls := fakeRunner(runningStatus, nil)
	ts := NewTailscale(WithRunner(run))

	info, err := ts.Start(context.Background(), 8443)
	require.NoError(t, err)
	assert.Equal(t, "voltgate.tail1234.ts.net", info.Hostname)
	assert.Equal(t, "https://voltgate.tail1234.ts.net", info.URL)
	assert.Empty(t, info.CAPEM, "funnel certs chain to a public CA")
	assert.Contains(t, (*calls)[0], "funnel --bg 8443")
}

func TestTailscaleStartFunnelFails(t *testing.T) {
	t.Parallel()

	run, _ := fakeRunner(runningStatus, map[string]error{
		"tailscale funnel": errors.New("funnel not enabled"),
	})
	ts := NewTailscale(WithRunner(run))

	_, err := ts.Start(context.Background(), 8443)
	require.Error(t, err)
}

func TestTailscaleStartNoDNSName(t *testing.T) {
	t.Parallel()

	run, _ := fakeRunner(`{"BackendState":"Running","Self":{"DNSName":""}}`, nil)
	ts := NewTailscale(WithRunner(run))

	_, err := ts.Start(context.Background(), 8443)
	require.Error(t, err)
}

// Stop tolerates failures: teardown must keep going.
func TestTailscaleStopNeverFails(t *testing.T) {
	t.Parallel()

	run, _ := fakeRunner("", map[string]error{
		"tailscale funnel": errors.New("already off"),
	})
	ts := NewTailscale(WithRunner(run))
	assert.NoError(t, ts.Stop(context.Background()))
}

func TestTailscaleChecks(t *testing.T) {
	t.Parallel()

	run, _ := fakeRunner(runningStatus, nil)
	ts := NewTailscale(WithRunner(run))
	assert.True(t, ts.CheckRunning())
	assert.True(t, ts.CheckFunnelAvailable())

	stopped, _ := fakeRunner(`{"BackendState":"Stopped","Self":{"DNSName":"x.ts.net."}}`, nil)
	ts = NewTailscale(WithRunner(stopped))
	assert.False(t, ts.CheckRunning())
	assert.False(t, ts.CheckFunnelAvailable())
}

func TestChiselValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChisel("", "gw.example.com")
	require.Error(t, err)
	_, err = NewChisel("https://chisel.example.com", "")
	require.Error(t, err)

	c, err := NewChisel("https://chisel.example.com", "gw.example.com",
		WithRemotePort(443),
		WithAuth("user:pass"),
		WithCAPEM("-----BEGIN CERTIFICATE-----"),
	)
	require.NoError(t, err)
	assert.True(t, c.CheckAvailable())
	assert.False(t, c.CheckRunning())
	assert.NoError(t, c.Stop(context.Background()), "stopping a never-started tunnel is a no-op")
}

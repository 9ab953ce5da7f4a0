// Package tunnel exposes a local port on a public TLS hostname so the
// vehicle provider can reach the telemetry receiver and fetch the
// partner public key.
package tunnel

import "context"

// Info describes an active tunnel.
type Info struct {
	URL      string
	Hostname string
	// CAPEM is the PEM bundle the provider must trust to reach the
	// hostname; empty when the tunnel terminates with a publicly
	// trusted certificate.
	CAPEM string
}

// Manager starts and stops one public tunnel. Stop is best-effort:
// teardown paths call it unconditionally and must never fail because
// the tunnel was already gone.
type Manager interface {
	Start(ctx context.Context, localPort int) (Info, error)
	Stop(ctx context.Context) error
	CheckAvailable() bool
	CheckRunning() bool
	CheckFunnelAvailable() bool
}

package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chclient "github.com/jpillora/chisel/client"
)

// ChiselOption configures a Chisel manager.
type ChiselOption func(*Chisel)

// WithFingerprint pins the chisel server's key fingerprint.
func WithFingerprint(fp string) ChiselOption {
	return func(c *Chisel) { c.fingerprint = fp }
}

// WithAuth sets the user:pass credential for the chisel server.
func WithAuth(auth string) ChiselOption {
	return func(c *Chisel) { c.auth = auth }
}

// WithRemotePort sets the public port the server binds for us.
func WithRemotePort(port int) ChiselOption {
	return func(c *Chisel) { c.remotePort = port }
}

// WithCAPEM attaches the PEM bundle that validates the public
// hostname's certificate.
func WithCAPEM(pem string) ChiselOption {
	return func(c *Chisel) { c.caPEM = pem }
}

// WithKeepAlive overrides the tunnel keepalive interval.
func WithKeepAlive(d time.Duration) ChiselOption {
	return func(c *Chisel) { c.keepAlive = d }
}

// Chisel runs a reverse tunnel to a user-operated chisel server that
// terminates TLS on a public hostname.
type Chisel struct {
	serverURL   string
	hostname    string
	fingerprint string
	auth        string
	remotePort  int
	caPEM       string
	keepAlive   time.Duration
	log         *slog.Logger

	mu     sync.Mutex
	client *chclient.Client
}

// NewChisel builds a Manager connecting to serverURL; hostname is the
// public name the provider will dial.
func NewChisel(serverURL, hostname string, opts ...ChiselOption) (*Chisel, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("tunnel: chisel server URL is required")
	}
	if hostname == "" {
		return nil, fmt.Errorf("tunnel: public hostname is required")
	}
	c := &Chisel{
		serverURL:  serverURL,
		hostname:   hostname,
		remotePort: 443,
		keepAlive:  30 * time.Second,
		log:        slog.Default().With("component", "tunnel", "provider", "chisel"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start connects the reverse remote and returns once the tunnel is
// established.
func (c *Chisel) Start(ctx context.Context, localPort int) (Info, error) {
	cfg := &chclient.Config{
		Server:           c.serverURL,
		Fingerprint:      c.fingerprint,
		Auth:             c.auth,
		Remotes:          []string{fmt.Sprintf("R:%d:127.0.0.1:%d", c.remotePort, localPort)},
		KeepAlive:        c.keepAlive,
		MaxRetryCount:    3,
		MaxRetryInterval: 10 * time.Second,
	}
	client, err := chclient.NewClient(cfg)
	if err != nil {
		return Info{}, fmt.Errorf("tunnel: build chisel client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return Info{}, fmt.Errorf("tunnel: connect chisel server: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	info := Info{URL: "https://" + c.hostname, Hostname: c.hostname, CAPEM: c.caPEM}
	c.log.Info("reverse tunnel active", "url", info.URL, "server", c.serverURL)
	return info, nil
}

// Stop closes the tunnel. Errors are logged, never returned.
func (c *Chisel) Stop(_ context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		c.log.Warn("chisel close failed", "error", err)
	}
	return nil
}

// CheckAvailable is always true: the client is linked in.
func (c *Chisel) CheckAvailable() bool { return true }

// CheckRunning reports whether a tunnel is currently connected.
func (c *Chisel) CheckRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// CheckFunnelAvailable mirrors CheckAvailable; public exposure is the
// server operator's concern, not a tailnet capability.
func (c *Chisel) CheckFunnelAvailable() bool { return true }

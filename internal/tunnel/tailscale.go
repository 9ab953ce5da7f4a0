package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// runFunc executes one external command; swapped out in tests.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// TailscaleOption configures a Tailscale manager.
type TailscaleOption func(*Tailscale)

// WithBinary overrides the tailscale binary name.
func WithBinary(path string) TailscaleOption {
	return func(t *Tailscale) { t.binary = path }
}

// WithRunner overrides command execution; used in tests.
func WithRunner(run runFunc) TailscaleOption {
	return func(t *Tailscale) { t.run = run }
}

// Tailscale exposes a local port through the tailscale funnel. The
// funnel certificate chains to a public CA, so Info.CAPEM is empty.
type Tailscale struct {
	binary string
	run    runFunc
	log    *slog.Logger
}

// NewTailscale returns a funnel-backed Manager.
func NewTailscale(opts ...TailscaleOption) *Tailscale {
	t := &Tailscale{
		binary: "tailscale",
		run:    execRun,
		log:    slog.Default().With("component", "tunnel", "provider", "tailscale"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// tailscaleStatus is the subset of `tailscale status --json` we read.
type tailscaleStatus struct {
	BackendState string `json:"BackendState"`
	Self         struct {
		DNSName string         `json:"DNSName"`
		CapMap  map[string]any `json:"CapMap"`
	} `json:"Self"`
}

func (t *Tailscale) status(ctx context.Context) (*tailscaleStatus, error) {
	out, err := t.run(ctx, t.binary, "status", "--json")
	if err != nil {
		return nil, fmt.Errorf("tunnel: tailscale status: %w", err)
	}
	var st tailscaleStatus
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, fmt.Errorf("tunnel: parse tailscale status: %w", err)
	}
	return &st, nil
}

// Start enables the funnel for localPort and resolves the public
// hostname from the node's DNS name.
func (t *Tailscale) Start(ctx context.Context, localPort int) (Info, error) {
	if _, err := t.run(ctx, t.binary, "funnel", "--bg", strconv.Itoa(localPort)); err != nil {
		return Info{}, fmt.Errorf("tunnel: start funnel: %w", err)
	}

	st, err := t.status(ctx)
	if err != nil {
		return Info{}, err
	}
	hostname := strings.TrimSuffix(st.Self.DNSName, ".")
	if hostname == "" {
		return Info{}, fmt.Errorf("tunnel: tailscale reported no DNS name")
	}

	info := Info{URL: "https://" + hostname, Hostname: hostname}
	t.log.Info("funnel active", "url", info.URL)
	return info, nil
}

// Stop turns the funnel off. Failures are logged, never returned: the
// teardown path must not abort because the funnel was already down.
func (t *Tailscale) Stop(ctx context.Context) error {
	if _, err := t.run(ctx, t.binary, "funnel", "--https=443", "off"); err != nil {
		t.log.Warn("funnel stop failed", "error", err)
	}
	return nil
}

// CheckAvailable reports whether the tailscale binary is installed.
func (t *Tailscale) CheckAvailable() bool {
	_, err := exec.LookPath(t.binary)
	return err == nil
}

// CheckRunning reports whether the tailscale daemon is up.
func (t *Tailscale) CheckRunning() bool {
	st, err := t.status(context.Background())
	return err == nil && st.BackendState == "Running"
}

// CheckFunnelAvailable reports whether the tailnet permits funnel use.
func (t *Tailscale) CheckFunnelAvailable() bool {
	st, err := t.status(context.Background())
	if err != nil {
		return false
	}
	for name := range st.Self.CapMap {
		if strings.Contains(name, "funnel") {
			return true
		}
	}
	return false
}

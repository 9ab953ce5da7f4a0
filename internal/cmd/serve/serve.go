// Package serve implements the combined runtime: the authenticated
// tool server, the telemetry receiver, the sink fanout, the trigger
// engine, the outbound gateway bridge, and the tunnel session, all
// coordinated on one lifecycle.
package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/voltgate/voltgate/internal/bridge"
	"github.com/voltgate/voltgate/internal/cache"
	"github.com/voltgate/voltgate/internal/cli"
	"github.com/voltgate/voltgate/internal/config"
	"github.com/voltgate/voltgate/internal/dispatch"
	"github.com/voltgate/voltgate/internal/fleet"
	"github.com/voltgate/voltgate/internal/metrics"
	"github.com/voltgate/voltgate/internal/oauth"
	"github.com/voltgate/voltgate/internal/pki"
	"github.com/voltgate/voltgate/internal/session"
	"github.com/voltgate/voltgate/internal/telemetry"
	"github.com/voltgate/voltgate/internal/tool"
	"github.com/voltgate/voltgate/internal/transport"
	"github.com/voltgate/voltgate/internal/transport/web"
	"github.com/voltgate/voltgate/internal/trigger"
	"github.com/voltgate/voltgate/internal/tunnel"
)

// Ephemeral range the receiver port is drawn from when not requested.
const (
	ephemeralLow  = 49152
	ephemeralHigh = 65534
)

const (
	TransportHTTP  = "streamable-http"
	TransportStdio = "stdio"
)

// partnerScopes are requested for the client-credentials token used
// by partner registration and telemetry configuration.
var partnerScopes = []string{"openid", "vehicle_device_data", "vehicle_cmds", "vehicle_charging_cmds"}

// Options are the resolved runtime parameters of one serve run.
type Options struct {
	Transport             string
	Host                  string
	Port                  int
	PortExplicit          bool
	TelemetryPort         int
	TelemetryPortExplicit bool
	Fields                string
	Interval              int
	NoTelemetry           bool
	NoMCP                 bool
	NoLog                 bool
	LogPath               string
	Openclaw              string
	OpenclawToken         string
	BridgeConfig          string
	DryRun                bool
	Tunnel                bool
	TunnelMode            string
	TunnelServer          string
	TunnelHost            string
	ClientID              string
	ClientSecret          string
	VIN                   string
	Region                string
	AccessToken           string
	DataDir               string
	CacheDir              string
	CacheDisabled         bool
	CacheTTL              time.Duration
	Version               string

	// Output receives the JSONL display and dry-run event lines.
	Output io.Writer
	// Stdin/Stdout carry the stdio tool transport.
	Stdin  io.Reader
	Stdout io.Writer
}

// validate rejects contradictory mode combinations up front, before
// any port is bound or remote state touched.
func (o *Options) validate() error {
	if o.Transport != TransportHTTP && o.Transport != TransportStdio {
		return fmt.Errorf("unknown transport %q (want stdio or streamable-http)", o.Transport)
	}
	if o.NoMCP && o.NoTelemetry {
		return errors.New("--no-mcp with --no-telemetry leaves nothing to serve")
	}
	if o.NoMCP && o.Transport == TransportStdio {
		return errors.New("--no-mcp contradicts the stdio transport; there is no tool server to speak it")
	}
	if o.DryRun && o.Openclaw == "" {
		return errors.New("--dry-run requires --openclaw")
	}
	if o.Openclaw == "" && (o.OpenclawToken != "" || o.BridgeConfig != "") {
		return errors.New("bridge options require --openclaw")
	}
	if o.Tunnel && o.Transport == TransportStdio {
		return errors.New("--tunnel cannot expose a stdio transport")
	}
	if !o.NoMCP && (o.ClientID == "" || o.ClientSecret == "") {
		return errors.New("--client-id and --client-secret are required unless --no-mcp is set")
	}
	switch o.TunnelMode {
	case "", "tailscale":
	case "chisel":
		if o.Tunnel && (o.TunnelServer == "" || o.TunnelHost == "") {
			return errors.New("--tunnel-mode chisel requires --tunnel-server and --tunnel-host")
		}
	default:
		return fmt.Errorf("unknown tunnel mode %q (want tailscale or chisel)", o.TunnelMode)
	}
	return nil
}

// NewCommand builds the serve subcommand over the shared config.
func NewCommand(conf *config.Config, version string) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the combined tool and telemetry gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := optionsFromConfig(conf, cmd, version)
			return NewRuntime(opts).Run(cmd.Context())
		},
	}
	if err := conf.BindFlags(c.Flags(), config.ServeOptions); err != nil {
		return nil, err
	}
	return c, nil
}

func optionsFromConfig(conf *config.Config, cmd *cobra.Command, version string) Options {
	return Options{
		Transport:             conf.ServeTransport(),
		Host:                  conf.ServeHost(),
		Port:                  conf.ServePort(),
		PortExplicit:          conf.Changed(cmd.Flags(), config.KeyServePort),
		TelemetryPort:         conf.ServeTelemetryPort(),
		TelemetryPortExplicit: conf.Changed(cmd.Flags(), config.KeyServeTelemetryPort),
		Fields:                conf.ServeFields(),
		Interval:              conf.ServeInterval(),
		NoTelemetry:           conf.ServeNoTelemetry(),
		NoMCP:                 conf.ServeNoMCP(),
		NoLog:                 conf.ServeNoLog(),
		LogPath:               conf.ServeLogPath(),
		Openclaw:              conf.ServeOpenclaw(),
		OpenclawToken:         conf.ServeOpenclawToken(),
		BridgeConfig:          conf.ServeBridgeConfig(),
		DryRun:                conf.ServeDryRun(),
		Tunnel:                conf.ServeTunnel(),
		TunnelMode:            conf.ServeTunnelMode(),
		TunnelServer:          conf.ServeTunnelServer(),
		TunnelHost:            conf.ServeTunnelHost(),
		ClientID:              conf.ServeClientID(),
		ClientSecret:          conf.ServeClientSecret(),
		VIN:                   conf.VIN(),
		Region:                conf.Region(),
		AccessToken:           conf.AccessToken(),
		DataDir:               conf.ServeDataDir(),
		CacheDir:              conf.CacheDir(),
		CacheDisabled:         conf.CacheDisabled(),
		CacheTTL:              conf.CacheDefaultTTL(),
		Version:               version,
	}
}

// Runtime owns one serve run.
type Runtime struct {
	opts Options
	log  *slog.Logger
}

// NewRuntime builds a Runtime; zero-value writers fall back to the
// process streams.
func NewRuntime(opts Options) *Runtime {
	if opts.Output == nil {
		if opts.Transport == TransportStdio {
			// Stdout is the RPC channel in stdio mode; frame
			// display would corrupt it.
			opts.Output = os.Stderr
		} else {
			opts.Output = os.Stdout
		}
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return &Runtime{
		opts: opts,
		log:  slog.Default().With("component", "serve"),
	}
}

// Run assembles the components for the requested mode and blocks
// until ctx is cancelled or a component fails.
func (r *Runtime) Run(ctx context.Context) error {
	opts := &r.opts
	if err := opts.validate(); err != nil {
		return &ExitError{Code: ExitFailure, Msg: err.Error()}
	}

	dataDir, cacheDir, err := resolveDirs(opts.DataDir, opts.CacheDir)
	if err != nil {
		return err
	}
	key, err := pki.LoadOrCreate(dataDir)
	if err != nil {
		return err
	}
	m, err := metrics.New()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(shutdownCtx)
	}()

	store, err := cache.NewStore(cacheDir,
		cache.WithDefaultTTL(opts.CacheTTL),
		cache.WithDisabled(opts.CacheDisabled))
	if err != nil {
		return err
	}
	client, err := fleet.NewClient(opts.Region, fleet.WithAccessToken(opts.AccessToken))
	if err != nil {
		return err
	}

	fields, err := telemetry.ResolveFields(opts.Fields, opts.Interval)
	if err != nil {
		return &ExitError{Code: ExitFailure, Msg: err.Error()}
	}

	triggers := trigger.NewManager(trigger.WithManagerMetrics(m))
	latest := bridge.NewStore()

	var listeners []transport.Listener
	var csv *telemetry.CSVLogSink
	fanout := telemetry.NewFanout()
	receiver := telemetry.NewReceiver(fanout, telemetry.WithReceiverMetrics(m))

	if !opts.NoTelemetry {
		cacheSink := telemetry.NewCacheSink(store, telemetry.NewMapper(),
			telemetry.WithCacheVINFilter(opts.VIN))
		fanout.Register(cacheSink)
		listeners = append(listeners, cacheSink)

		if !opts.NoLog {
			csv, err = telemetry.NewCSVLogSink(opts.LogPath, opts.VIN)
			if err != nil {
				return err
			}
			fanout.Register(csv)
			defer func() { _ = csv.Close() }()
		}

		fanout.Register(newJSONLSink(opts.Output))
	}

	br, err := r.buildBridge(client, store, latest, triggers, m)
	if err != nil {
		return err
	}
	if br != nil {
		if !opts.NoTelemetry {
			fanout.Register(br)
		}
		if cb := br.PushCallback(); cb != nil {
			triggers.OnFire(cb)
		}
		listeners = append(listeners, br)
	} else if !opts.NoTelemetry {
		// No bridge: something still has to evaluate triggers.
		fanout.Register(newEvalSink(latest, triggers))
	}

	var tools *tool.Server
	if !opts.NoMCP {
		auth := oauth.NewServer(oauth.WithClientCredentials(opts.ClientID, opts.ClientSecret))
		runner := cli.NewRunner(client,
			cli.WithCache(store),
			cli.WithDefaultVIN(opts.VIN),
		)
		tools = tool.NewServer(runner, auth, tool.WithVersion(opts.Version))
	}

	unified := opts.Tunnel && !opts.NoMCP && !opts.NoTelemetry && opts.Transport == TransportHTTP

	// The port the vehicle reaches through the tunnel: the unified
	// surface shares the tool port, otherwise the receiver has its
	// own. toolPort backs a tool-only tunnel.
	localPort := 0
	toolPort := 0

	switch {
	case opts.NoMCP:
	case opts.Transport == TransportStdio:
		listeners = append(listeners, &stdioListener{tools: tools, in: opts.Stdin, out: opts.Stdout})
	default:
		ln, port, err := reservePort(opts.Host, opts.Port, opts.PortExplicit)
		if err != nil {
			return err
		}
		toolPort = port
		issuer := fmt.Sprintf("http://%s", net.JoinHostPort(opts.Host, strconv.Itoa(port)))
		handlerOpts := []web.HandlerOption{web.WithMetricsHandler(m.Handler())}
		if unified {
			handlerOpts = append(handlerOpts, web.WithReceiver(receiver))
			localPort = port
		}
		handler := web.NewHandler(tools.Handler(issuer), key.PublicPEM(), handlerOpts...)
		srv, err := transport.NewServer(
			transport.WithListener(ln),
			transport.WithMount(func(mux *http.ServeMux) error {
				mux.Handle("/", handler)
				return nil
			}),
		)
		if err != nil {
			return err
		}
		listeners = append(listeners, srv)
	}

	if !opts.NoTelemetry && !unified {
		port, err := pickTelemetryPort(opts.Host, opts.TelemetryPort)
		if err != nil {
			return err
		}
		localPort = port
		addr := net.JoinHostPort(opts.Host, strconv.Itoa(port))
		if opts.Tunnel && opts.NoMCP {
			// Telemetry-only public surface: the provider still
			// probes HEAD and fetches the well-known key here.
			handler := web.NewHandler(notFoundHandler(), key.PublicPEM(),
				web.WithReceiver(receiver),
				web.WithMetricsHandler(m.Handler()))
			srv, err := transport.NewServer(
				transport.WithAddress(addr),
				transport.WithMount(func(mux *http.ServeMux) error {
					mux.Handle("/", handler)
					return nil
				}),
			)
			if err != nil {
				return err
			}
			listeners = append(listeners, srv)
		} else {
			srv, err := telemetry.NewServer(receiver, addr)
			if err != nil {
				return err
			}
			listeners = append(listeners, srv)
		}
	}

	if opts.Tunnel {
		manager, err := r.buildTunnel()
		if err != nil {
			return err
		}
		if !opts.NoTelemetry {
			// Partner registration and telemetry config need a
			// partner-scoped token, not the user bearer token.
			partner, err := fleet.NewClient(opts.Region,
				fleet.WithTokenSource(fleet.PartnerTokenSource(ctx,
					opts.ClientID, opts.ClientSecret, opts.Region, partnerScopes)))
			if err != nil {
				return err
			}
			// An attended terminal gets remediation guidance in
			// session errors instead of bare failures.
			sess := session.New(partner, manager, opts.VIN, localPort, fields,
				session.WithInteractive(term.IsTerminal(int(os.Stdout.Fd()))))
			listeners = append(listeners, &sessionListener{sess: sess, tools: tools})
		} else {
			listeners = append(listeners, &tunnelListener{manager: manager, port: toolPort, tools: tools})
		}
	}

	r.log.Info("runtime starting",
		"transport", opts.Transport,
		"telemetry", !opts.NoTelemetry,
		"tools", !opts.NoMCP,
		"bridge", br != nil,
		"tunnel", opts.Tunnel,
	)

	err = transport.Serve(ctx, listeners...)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if ctx.Err() != nil {
		return &ExitError{Code: ExitInterrupt}
	}
	return nil
}

// buildBridge assembles the outbound gateway bridge, or nil when no
// gateway is configured.
func (r *Runtime) buildBridge(client *fleet.Client, store *cache.Store, latest *bridge.Store, triggers *trigger.Manager, m *metrics.Metrics) (*bridge.Bridge, error) {
	opts := &r.opts
	if opts.Openclaw == "" {
		return nil, nil
	}

	cfg := bridge.DefaultConfig()
	if opts.BridgeConfig != "" {
		loaded, err := bridge.LoadConfig(opts.BridgeConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(opts.Openclaw, opts.OpenclawToken)

	gateway := bridge.NewClient(cfg.GatewayURL,
		bridge.WithGatewayToken(cfg.GatewayToken),
		bridge.WithGatewayClientID(cfg.ClientID),
		bridge.WithGatewayClientVersion(cfg.ClientVersion),
		bridge.WithGatewayMetrics(m),
	)

	bridgeOpts := []bridge.Option{
		bridge.WithStore(latest),
		bridge.WithTriggers(triggers),
		bridge.WithDryRun(opts.DryRun),
		bridge.WithOutput(opts.Output),
		bridge.WithClientID(cfg.ClientID),
		bridge.WithVIN(opts.VIN),
		bridge.WithBridgeMetrics(m),
	}
	if opts.VIN != "" {
		dispatcher := dispatch.NewDispatcher(opts.VIN, client,
			dispatch.WithStore(latest),
			dispatch.WithTriggers(triggers),
			dispatch.WithCache(store),
			dispatch.WithDispatchMetrics(m),
		)
		bridgeOpts = append(bridgeOpts, bridge.WithCommandHandler(dispatcher))
	}

	return bridge.New(gateway, bridge.NewDualGateFilter(cfg.Telemetry), bridge.NewEmitter(cfg.ClientID), bridgeOpts...), nil
}

func (r *Runtime) buildTunnel() (tunnel.Manager, error) {
	opts := &r.opts
	if opts.TunnelMode == "chisel" {
		return tunnel.NewChisel(opts.TunnelServer, opts.TunnelHost)
	}
	ts := tunnel.NewTailscale()
	if !ts.CheckAvailable() {
		return nil, &ExitError{Code: ExitFailure, Msg: "tailscale binary not found; install tailscale or use --tunnel-mode chisel"}
	}
	if !ts.CheckRunning() {
		return nil, &ExitError{Code: ExitFailure, Msg: "tailscale is not running; run `tailscale up` first"}
	}
	if !ts.CheckFunnelAvailable() {
		return nil, &ExitError{Code: ExitFailure, Msg: "this tailnet does not permit funnel; enable it in the tailscale admin console"}
	}
	return ts, nil
}

// reservePort binds the preferred port. A conflict falls back to an
// OS-assigned port unless the user asked for this one explicitly, in
// which case it is a usage error suggesting the next port.
func reservePort(host string, port int, explicit bool) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err == nil {
		return ln, boundPort(ln, port), nil
	}
	if explicit {
		return nil, 0, &ExitError{
			Code: ExitPortConflict,
			Msg:  fmt.Sprintf("port %d is already in use; try --port %d", port, port+1),
		}
	}
	ln, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, 0, fmt.Errorf("bind %s: %w", host, err)
	}
	return ln, boundPort(ln, 0), nil
}

func boundPort(ln net.Listener, fallback int) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return fallback
}

// pickTelemetryPort returns the requested port, or draws one from the
// ephemeral range when none was requested.
func pickTelemetryPort(host string, port int) (int, error) {
	if port != 0 {
		return port, nil
	}
	for attempt := 0; attempt < 16; attempt++ {
		candidate := ephemeralLow + rand.IntN(ephemeralHigh-ephemeralLow+1)
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(candidate)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return candidate, nil
	}
	return 0, errors.New("no free port found in the ephemeral range")
}

func resolveDirs(dataDir, cacheDir string) (string, string, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".voltgate")
	}
	if cacheDir == "" {
		cacheDir = filepath.Join(dataDir, "cache")
	}
	return dataDir, cacheDir, nil
}

// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix VOLTGATE_)
//  3. Config file (config.yaml in . or /etc/voltgate/)
//  4. Compiled defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigOption describes a single configuration entry: its viper key,
// the corresponding CLI flag name, the compiled default, and the
// description shown in --help output.
type ConfigOption struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// Viper keys for the serve runtime.
const (
	KeyServeTransport     = "serve.transport"
	KeyServeHost          = "serve.host"
	KeyServePort          = "serve.port"
	KeyServeTelemetryPort = "serve.telemetry_port"
	KeyServeFields        = "serve.fields"
	KeyServeInterval      = "serve.interval"
	KeyServeNoTelemetry   = "serve.no_telemetry"
	KeyServeNoMCP         = "serve.no_mcp"
	KeyServeNoLog         = "serve.no_log"
	KeyServeLogPath       = "serve.log_path"
	KeyServeOpenclaw      = "serve.openclaw"
	KeyServeOpenclawToken = "serve.openclaw_token"
	KeyServeBridgeConfig  = "serve.bridge_config"
	KeyServeDryRun        = "serve.dry_run"
	KeyServeTunnel        = "serve.tunnel"
	KeyServeTunnelMode    = "serve.tunnel_mode"
	KeyServeTunnelServer  = "serve.tunnel_server"
	KeyServeTunnelHost    = "serve.tunnel_host"
	KeyServeClientID      = "serve.client_id"
	KeyServeClientSecret  = "serve.client_secret"
	KeyServeDataDir       = "serve.data_dir"
)

// Viper keys shared by every vehicle-facing command.
const (
	KeyVIN             = "global.vin"
	KeyRegion          = "global.region"
	KeyAccessToken     = "global.access_token"
	KeyCacheDir        = "global.cache_dir"
	KeyCacheDisabled   = "global.no_cache"
	KeyCacheDefaultTTL = "global.cache_ttl"
)

// ServeOptions defines the configuration entries of the serve command.
var ServeOptions = []ConfigOption{
	{Key: KeyServeTransport, Flag: flag(KeyServeTransport), Default: "streamable-http", Description: "Tool transport (stdio|streamable-http)"},
	{Key: KeyServeHost, Flag: flag(KeyServeHost), Default: "127.0.0.1", Description: "Bind address"},
	{Key: KeyServePort, Flag: flag(KeyServePort), Default: 8787, Description: "HTTP port"},
	{Key: KeyServeTelemetryPort, Flag: flag(KeyServeTelemetryPort), Default: 0, Description: "Receiver port (random ephemeral when 0)"},
	{Key: KeyServeFields, Flag: flag(KeyServeFields), Default: "default", Description: "Telemetry field preset or comma-separated list"},
	{Key: KeyServeInterval, Flag: flag(KeyServeInterval), Default: 0, Description: "Override per-field interval seconds"},
	{Key: KeyServeNoTelemetry, Flag: flag(KeyServeNoTelemetry), Default: false, Description: "Tool-only mode, no telemetry receiver"},
	{Key: KeyServeNoMCP, Flag: flag(KeyServeNoMCP), Default: false, Description: "Telemetry-only mode, no tool server"},
	{Key: KeyServeNoLog, Flag: flag(KeyServeNoLog), Default: false, Description: "Disable the CSV telemetry log"},
	{Key: KeyServeLogPath, Flag: flag(KeyServeLogPath), Default: "telemetry.csv", Description: "CSV telemetry log path"},
	{Key: KeyServeOpenclaw, Flag: flag(KeyServeOpenclaw), Default: "", Description: "Gateway WebSocket URL, enables the outbound bridge"},
	{Key: KeyServeOpenclawToken, Flag: flag(KeyServeOpenclawToken), Default: "", Description: "Gateway bearer token"},
	{Key: KeyServeBridgeConfig, Flag: flag(KeyServeBridgeConfig), Default: "", Description: "Bridge filter config file"},
	{Key: KeyServeDryRun, Flag: flag(KeyServeDryRun), Default: false, Description: "Bridge logs JSONL instead of sending"},
	{Key: KeyServeTunnel, Flag: flag(KeyServeTunnel), Default: false, Description: "Expose the server via a public tunnel"},
	{Key: KeyServeTunnelMode, Flag: flag(KeyServeTunnelMode), Default: "tailscale", Description: "Tunnel provider (tailscale|chisel)"},
	{Key: KeyServeTunnelServer, Flag: flag(KeyServeTunnelServer), Default: "", Description: "Chisel server URL (tunnel-mode chisel)"},
	{Key: KeyServeTunnelHost, Flag: flag(KeyServeTunnelHost), Default: "", Description: "Public hostname served by the chisel server"},
	{Key: KeyServeClientID, Flag: flag(KeyServeClientID), Default: "", Description: "Tool-server OAuth client id"},
	{Key: KeyServeClientSecret, Flag: flag(KeyServeClientSecret), Default: "", Description: "Tool-server OAuth client secret"},
	{Key: KeyServeDataDir, Flag: flag(KeyServeDataDir), Default: "", Description: "Serve data directory for keys (defaults to ~/.voltgate)"},
}

// GlobalOptions defines the entries shared by every vehicle command.
var GlobalOptions = []ConfigOption{
	{Key: KeyVIN, Flag: flag(KeyVIN), Default: "", Description: "Vehicle identification number"},
	{Key: KeyRegion, Flag: flag(KeyRegion), Default: "na", Description: "Fleet API region (na|eu|cn)"},
	{Key: KeyAccessToken, Flag: flag(KeyAccessToken), Default: "", Description: "Fleet API access token"},
	{Key: KeyCacheDir, Flag: flag(KeyCacheDir), Default: "", Description: "Response cache directory (defaults to ~/.voltgate/cache)"},
	{Key: KeyCacheDisabled, Flag: flag(KeyCacheDisabled), Default: false, Description: "Disable the response cache"},
	{Key: KeyCacheDefaultTTL, Flag: flag(KeyCacheDefaultTTL), Default: 30 * time.Second, Description: "Default response cache TTL"},
}

type Config struct {
	v *viper.Viper
}

func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, o := range ServeOptions {
		v.SetDefault(o.Key, o.Default)
	}
	for _, o := range GlobalOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/voltgate/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("VOLTGATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []ConfigOption) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// Changed reports whether the flag bound to key was set explicitly on
// the command line. The port-conflict policy depends on this
// distinction.
func (c *Config) Changed(fs *pflag.FlagSet, key string) bool {
	f := fs.Lookup(flag(key))
	return f != nil && f.Changed
}

func (c *Config) ServeTransport() string {
	return c.v.GetString(KeyServeTransport) // VOLTGATE_SERVE_TRANSPORT
}

func (c *Config) ServeHost() string {
	return c.v.GetString(KeyServeHost) // VOLTGATE_SERVE_HOST
}

func (c *Config) ServePort() int {
	return c.v.GetInt(KeyServePort) // VOLTGATE_SERVE_PORT
}

func (c *Config) ServeTelemetryPort() int {
	return c.v.GetInt(KeyServeTelemetryPort) // VOLTGATE_SERVE_TELEMETRY_PORT
}

func (c *Config) ServeFields() string {
	return c.v.GetString(KeyServeFields) // VOLTGATE_SERVE_FIELDS
}

func (c *Config) ServeInterval() int {
	return c.v.GetInt(KeyServeInterval) // VOLTGATE_SERVE_INTERVAL
}

func (c *Config) ServeNoTelemetry() bool {
	return c.v.GetBool(KeyServeNoTelemetry) // VOLTGATE_SERVE_NO_TELEMETRY
}

func (c *Config) ServeNoMCP() bool {
	return c.v.GetBool(KeyServeNoMCP) // VOLTGATE_SERVE_NO_MCP
}

func (c *Config) ServeNoLog() bool {
	return c.v.GetBool(KeyServeNoLog) // VOLTGATE_SERVE_NO_LOG
}

func (c *Config) ServeLogPath() string {
	return c.v.GetString(KeyServeLogPath) // VOLTGATE_SERVE_LOG_PATH
}

func (c *Config) ServeOpenclaw() string {
	return c.v.GetString(KeyServeOpenclaw) // VOLTGATE_SERVE_OPENCLAW
}

func (c *Config) ServeOpenclawToken() string {
	return c.v.GetString(KeyServeOpenclawToken) // VOLTGATE_SERVE_OPENCLAW_TOKEN
}

func (c *Config) ServeBridgeConfig() string {
	return c.v.GetString(KeyServeBridgeConfig) // VOLTGATE_SERVE_BRIDGE_CONFIG
}

func (c *Config) ServeDryRun() bool {
	return c.v.GetBool(KeyServeDryRun) // VOLTGATE_SERVE_DRY_RUN
}

func (c *Config) ServeTunnel() bool {
	return c.v.GetBool(KeyServeTunnel) // VOLTGATE_SERVE_TUNNEL
}

func (c *Config) ServeTunnelMode() string {
	return c.v.GetString(KeyServeTunnelMode) // VOLTGATE_SERVE_TUNNEL_MODE
}

func (c *Config) ServeTunnelServer() string {
	return c.v.GetString(KeyServeTunnelServer) // VOLTGATE_SERVE_TUNNEL_SERVER
}

func (c *Config) ServeTunnelHost() string {
	return c.v.GetString(KeyServeTunnelHost) // VOLTGATE_SERVE_TUNNEL_HOST
}

func (c *Config) ServeClientID() string {
	return c.v.GetString(KeyServeClientID) // VOLTGATE_SERVE_CLIENT_ID
}

func (c *Config) ServeClientSecret() string {
	return c.v.GetString(KeyServeClientSecret) // VOLTGATE_SERVE_CLIENT_SECRET
}

func (c *Config) ServeDataDir() string {
	return c.v.GetString(KeyServeDataDir) // VOLTGATE_SERVE_DATA_DIR
}

func (c *Config) VIN() string {
	return c.v.GetString(KeyVIN) // VOLTGATE_GLOBAL_VIN
}

func (c *Config) Region() string {
	return c.v.GetString(KeyRegion) // VOLTGATE_GLOBAL_REGION
}

func (c *Config) AccessToken() string {
	return c.v.GetString(KeyAccessToken) // VOLTGATE_GLOBAL_ACCESS_TOKEN
}

func (c *Config) CacheDir() string {
	return c.v.GetString(KeyCacheDir) // VOLTGATE_GLOBAL_CACHE_DIR
}

func (c *Config) CacheDisabled() bool {
	return c.v.GetBool(KeyCacheDisabled) // VOLTGATE_GLOBAL_NO_CACHE
}

func (c *Config) CacheDefaultTTL() time.Duration {
	return c.v.GetDuration(KeyCacheDefaultTTL) // VOLTGATE_GLOBAL_CACHE_TTL
}

func flag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "serve-")
	flag = strings.TrimPrefix(flag, "global-")
	return flag
}

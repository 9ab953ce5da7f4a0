// Package tool exposes the command catalog to agents over the Model
// Context Protocol, alongside the embedded OAuth surface that protects
// it. Tool calls re-enter the shared command runner with --format json
// --wake injected, so a tool invocation and a shell invocation are the
// same code path.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/cors"

	"github.com/voltgate/voltgate/internal/cli"
	"github.com/voltgate/voltgate/internal/oauth"
)

// Invoker runs one argv slice; the CLI runner implements it.
type Invoker interface {
	Run(ctx context.Context, argv []string) cli.Result
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the advertised server version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithAllowedHost adds a non-loopback host (the tunnel hostname) to
// the DNS-rebinding allow-list.
func WithAllowedHost(host string) Option {
	return func(s *Server) { s.allowedHosts[host] = struct{}{} }
}

// Server is the MCP tool surface plus its OAuth endpoints.
type Server struct {
	invoker Invoker
	auth    *oauth.Server
	version string
	log     *slog.Logger
	mcp     *mcpserver.MCPServer

	mu           sync.Mutex
	allowedHosts map[string]struct{}
}

// NewServer builds a Server around an invoker and an authorization
// server, registering the full catalog as MCP tools.
func NewServer(invoker Invoker, auth *oauth.Server, opts ...Option) *Server {
	s := &Server{
		invoker:      invoker,
		auth:         auth,
		version:      "dev",
		log:          slog.Default().With("component", "tool-server"),
		allowedHosts: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = mcpserver.NewMCPServer("voltgate", s.version,
		mcpserver.WithToolCapabilities(true),
	)
	for _, t := range Catalog() {
		s.mcp.AddTool(declareTool(t), s.toolHandler(t))
	}
	return s
}

// declareTool renders the catalog entry as an MCP tool. Every tool
// shares the same input schema: an optional vin and optional extra
// args.
func declareTool(t Tool) mcp.Tool {
	return mcp.NewTool(t.Name,
		mcp.WithDescription(t.Description),
		mcp.WithString("vin",
			mcp.Description("Vehicle identification number; defaults to the configured vehicle"),
		),
		mcp.WithArray("args",
			mcp.Description("Extra positional arguments for the command"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithReadOnlyHintAnnotation(t.ReadOnly),
	)
}

// toolHandler expands one tool call into argv and runs it. Command
// failure is a tool-level error result ({error, exit_code}), not a
// protocol error.
func (s *Server) toolHandler(t Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		argv := append([]string{}, t.Argv...)
		argv = append(argv, req.GetStringSlice("args", nil)...)
		argv = append(argv, "--format", "json", "--wake")
		if vin := req.GetString("vin", ""); vin != "" {
			argv = append(argv, "--vin", vin)
		}

		s.log.Info("tool call", "tool", t.Name)
		result := s.invoker.Run(ctx, argv)
		if result.ExitCode != 0 {
			message := strings.TrimSpace(string(result.Stderr))
			if message == "" {
				message = fmt.Sprintf("command failed with exit code %d", result.ExitCode)
			}
			payload, _ := json.Marshal(map[string]any{"error": message, "exit_code": result.ExitCode})
			return mcp.NewToolResultError(string(payload)), nil
		}
		return mcp.NewToolResultText(strings.TrimSpace(string(result.Stdout))), nil
	}
}

// AllowHost adds a host to the allow-list after construction; the
// tunnel hostname is only known once the tunnel is up.
func (s *Server) AllowHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedHosts[host] = struct{}{}
}

// Handler returns the complete HTTP surface: the streamable MCP
// transport at /mcp, the OAuth endpoints, and the discovery documents,
// wrapped in the host check and CORS. The transport runs stateless:
// the gateway serves one user, so there is no per-session state worth
// resuming.
func (s *Server) Handler(issuer string) http.Handler {
	streamable := mcpserver.NewStreamableHTTPServer(s.mcp,
		mcpserver.WithStateLess(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.requireBearer(streamable))
	mux.HandleFunc("GET /authorize", s.auth.HandleAuthorize)
	mux.HandleFunc("POST /token", s.auth.HandleToken)
	mux.HandleFunc("POST /revoke", s.auth.HandleRevoke)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.auth.HandleMetadata(issuer))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.auth.HandleProtectedResource(issuer))

	c := cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			u := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
			return s.hostAllowed(u)
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodHead},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id"},
	})
	return c.Handler(s.checkHost(mux))
}

// checkHost rejects requests whose Host header is neither loopback
// nor explicitly allowed, closing the DNS-rebinding hole.
func (s *Server) checkHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.hostAllowed(r.Host) {
			s.log.Warn("rejected request with unexpected host", "host", r.Host)
			http.Error(w, "invalid host", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hostAllowed(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.allowedHosts[host]
	return ok
}

// requireBearer gates a handler behind a valid access token.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="voltgate"`)
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, ok := s.auth.ValidateBearer(token); !ok {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

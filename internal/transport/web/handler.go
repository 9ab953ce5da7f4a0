// Package web assembles the single public surface of the combined
// runtime: one hostname serves the telemetry WebSocket, the provider's
// domain-verification probes, the signing public key, Prometheus
// metrics, and the authenticated tool application.
package web

import (
	"log/slog"
	"net/http"
	"strings"
)

// WellKnownKeyPath is where the provider fetches the public EC key
// used to verify signed telemetry configurations.
const WellKnownKeyPath = "/.well-known/appspecific/com.tesla.3p.public-key.pem"

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMetricsHandler mounts a metrics endpoint at /metrics.
func WithMetricsHandler(h http.Handler) HandlerOption {
	return func(u *Handler) { u.metrics = h }
}

// WithReceiver mounts a WebSocket telemetry receiver at "/".
func WithReceiver(h http.Handler) HandlerOption {
	return func(u *Handler) { u.receiver = h }
}

// Handler routes one hostname's traffic to the right component.
//
// Order matters: WebSocket upgrades at "/" go to the receiver, the
// well-known key and HEAD probes are answered locally, and everything
// else reaches the tool application with the path untouched. The tool
// app tracks sessions by URL, so the path must never be rewritten.
type Handler struct {
	tool      http.Handler
	receiver  http.Handler
	metrics   http.Handler
	publicKey []byte
	log       *slog.Logger
}

// NewHandler builds the unified handler. tool must not be nil;
// publicKey is the PEM the provider fetches during verification.
func NewHandler(tool http.Handler, publicKey []byte, opts ...HandlerOption) *Handler {
	u := &Handler{
		tool:      tool,
		publicKey: publicKey,
		log:       slog.Default().With("component", "web"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u.receiver != nil && r.URL.Path == "/" && isWebSocketUpgrade(r) {
		u.receiver.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == WellKnownKeyPath && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(u.publicKey)
		}
		return
	}

	if u.metrics != nil && r.URL.Path == "/metrics" {
		u.metrics.ServeHTTP(w, r)
		return
	}

	// The provider probes the domain with HEAD requests before it
	// will fetch the key; any path must answer 200.
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	u.tool.ServeHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, part := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(part), "upgrade") {
			return true
		}
	}
	return false
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// MountFunc registers handlers onto the provided ServeMux. Accepting
// *http.ServeMux allows the caller to register multiple surfaces.
type MountFunc func(mux *http.ServeMux) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is the HTTP front of the runtime. It implements Listener so
// that Serve can coordinate its lifecycle with the other components.
type Server struct {
	inner    *http.Server
	address  string
	listener net.Listener
	mount    MountFunc
	log      *slog.Logger
}

// WithAddress configures the listen address (e.g. "127.0.0.1:8787").
func WithAddress(address string) ServerOption {
	return func(s *Server) { s.address = address }
}

// WithListener provides a pre-bound net.Listener. When set, Start
// serves on it instead of opening a new TCP listener; this is how the
// runtime hands over a port it reserved during startup validation.
func WithListener(ln net.Listener) ServerOption {
	return func(s *Server) { s.listener = ln }
}

// WithMount configures the function that registers route handlers.
func WithMount(mount MountFunc) ServerOption {
	return func(s *Server) { s.mount = mount }
}

// WithServerLogger configures a structured logger. Defaults to
// slog.Default with a "component" attribute.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer creates a new HTTP server with the given options.
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		address: "127.0.0.1:8787",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "http-server")
	}
	if s.listener == nil {
		ln, err := net.Listen("tcp", s.address)
		if err != nil {
			return nil, fmt.Errorf("http listen %q: %w", s.address, err)
		}
		s.listener = ln
	}

	mux := http.NewServeMux()
	if s.mount != nil {
		if err := s.mount(mux); err != nil {
			return nil, fmt.Errorf("mount routes: %w", err)
		}
	}

	s.inner = &http.Server{
		Addr:    s.address,
		Handler: mux,
		// The receiver holds its WebSocket open indefinitely, so
		// only the header read gets a deadline.
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    8 * 1024, // 8 KiB
	}

	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port. Useful when the listener was
// created with ":0".
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Start begins accepting connections and blocks until the server is
// shut down or an unrecoverable error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.inner.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	s.log.Info("starting", "address", s.listener.Addr().String())

	if err := s.inner.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Stop gracefully drains connections. If the graceful shutdown
// exceeds the context deadline it forces an immediate close.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down")
	if err := s.inner.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed, forcing close", "error", err)
		return s.inner.Close()
	}
	return nil
}

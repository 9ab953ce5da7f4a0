package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voltgate/voltgate/internal/metrics"
)

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverMetrics attaches runtime instruments.
func WithReceiverMetrics(m *metrics.Metrics) ReceiverOption {
	return func(r *Receiver) { r.metrics = m }
}

// Receiver accepts the vehicle's WebSocket connection, decodes each
// binary frame, and hands it to the fanout. Malformed frames are
// logged with their byte count and dropped; the receiver never
// terminates because of bad input.
type Receiver struct {
	fanout   *Fanout
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewReceiver returns a Receiver dispatching into fanout.
func NewReceiver(fanout *Fanout, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		fanout: fanout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The vehicle connects through the public tunnel with no
			// Origin header worth checking; access control is the
			// tunnel itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: slog.Default().With("component", "telemetry-receiver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServeHTTP upgrades the request and runs the frame loop until the
// peer disconnects or the request context ends.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	r.log.Info("vehicle connected", "remote", req.RemoteAddr)
	r.readLoop(req.Context(), conn)
	r.log.Info("vehicle disconnected", "remote", req.RemoteAddr)
}

func (r *Receiver) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frame, err := Decode(data)
		if err != nil {
			r.metrics.AddDecodeFailure(ctx)
			r.log.Warn("dropping undecodable frame", "bytes", len(data), "error", err)
			continue
		}
		r.metrics.AddFrame(ctx)
		r.fanout.Dispatch(ctx, frame)
	}
}

// Server runs a Receiver on its own port when telemetry is not
// sharing the unified serve port. It implements transport.Listener.
type Server struct {
	receiver *Receiver
	addr     string
	listener net.Listener
	inner    *http.Server
	log      *slog.Logger
}

// NewServer binds the receiver server immediately so port conflicts
// surface at construction time.
func NewServer(receiver *Receiver, addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry listen %q: %w", addr, err)
	}
	s := &Server{
		receiver: receiver,
		addr:     addr,
		listener: ln,
		log:      slog.Default().With("component", "telemetry-server"),
	}
	mux := http.NewServeMux()
	mux.Handle("/", receiver)
	s.inner = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Port reports the bound port (useful with ":0").
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Start serves until shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.inner.BaseContext = func(net.Listener) context.Context { return ctx }
	s.log.Info("starting", "address", s.listener.Addr().String())
	if err := s.inner.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("telemetry serve: %w", err)
	}
	return nil
}

// Stop drains connections gracefully, forcing a close past the
// deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down")
	if err := s.inner.Shutdown(ctx); err != nil {
		return s.inner.Close()
	}
	return nil
}

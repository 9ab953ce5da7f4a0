package serve

import (
	"context"
	"io"
	"net/http"

	"github.com/voltgate/voltgate/internal/session"
	"github.com/voltgate/voltgate/internal/tool"
	"github.com/voltgate/voltgate/internal/tunnel"
)

// stdioListener runs the tool server's stdio transport on the process
// pipes.
type stdioListener struct {
	tools *tool.Server
	in    io.Reader
	out   io.Writer
}

func (l *stdioListener) Start(ctx context.Context) error {
	return l.tools.ServeStdio(ctx, l.in, l.out)
}

func (l *stdioListener) Stop(context.Context) error { return nil }

// sessionListener drives a full telemetry session: tunnel up, vehicle
// configured, then blocks until shutdown. The tunnel hostname is
// allow-listed on the tool server so authenticated requests arriving
// through the funnel pass the host check.
type sessionListener struct {
	sess  *session.Session
	tools *tool.Server
}

func (l *sessionListener) Start(ctx context.Context) error {
	handle, err := l.sess.Start(ctx)
	if err != nil {
		return err
	}
	if l.tools != nil {
		l.tools.AllowHost(handle.Hostname)
	}
	<-ctx.Done()
	return nil
}

func (l *sessionListener) Stop(ctx context.Context) error {
	return l.sess.Stop(ctx)
}

// tunnelListener exposes the tool surface through a tunnel without a
// telemetry session (the --no-telemetry case).
type tunnelListener struct {
	manager tunnel.Manager
	port    int
	tools   *tool.Server
}

func (l *tunnelListener) Start(ctx context.Context) error {
	info, err := l.manager.Start(ctx, l.port)
	if err != nil {
		return err
	}
	if l.tools != nil {
		l.tools.AllowHost(info.Hostname)
	}
	<-ctx.Done()
	return nil
}

func (l *tunnelListener) Stop(ctx context.Context) error {
	return l.manager.Stop(ctx)
}

// notFoundHandler stands in for the tool surface on a telemetry-only
// public port.
func notFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

package tool

import (
	"context"
	"errors"
	"io"
	"log"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// ServeStdio runs the MCP stdio transport over newline-delimited
// messages. The transport is a local pipe owned by the agent that
// spawned the process, so bearer auth does not apply. Returns when the
// reader is exhausted or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcp)
	// Protocol-level complaints about malformed input are answered on
	// the wire already; keep them off stderr.
	stdio.SetErrorLogger(log.New(io.Discard, "", log.LstdFlags))

	err := stdio.Listen(ctx, r, w)
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

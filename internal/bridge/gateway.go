package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/websocket"

	"github.com/voltgate/voltgate/internal/metrics"
)

// State is the gateway connection lifecycle state.
type State string

const (
	StateClosed      State = "closed"
	StateConnecting  State = "connecting"
	StateHandshaking State = "handshaking"
	StateOpen        State = "open"
)

const (
	// handshakeTimeout bounds each handshake message exchange.
	handshakeTimeout = 10 * time.Second

	backoffBase   = time.Second
	backoffMax    = 60 * time.Second
	backoffFactor = 2
)

// defaultScopes is the scope set requested on an operator connection.
var defaultScopes = []string{"telemetry", "triggers"}

// ConnectionError reports a failed connect or handshake with the
// gateway.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// gatewayFrame is an inbound gateway message.
type gatewayFrame struct {
	Event string         `json:"event,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

type connectRequest struct {
	Method string        `json:"method"`
	Params connectParams `json:"params"`
}

type connectParams struct {
	Role          string   `json:"role"`
	Scopes        []string `json:"scopes"`
	ClientID      string   `json:"client_id"`
	ClientVersion string   `json:"client_version"`
	Nonce         string   `json:"nonce"`
	Token         string   `json:"token,omitempty"`
}

// ClientOption configures a gateway Client.
type ClientOption func(*Client)

// WithGatewayToken sets the bearer token presented during the upgrade
// and the handshake.
func WithGatewayToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithGatewayClientID sets the client id announced in the handshake.
func WithGatewayClientID(id string) ClientOption {
	return func(c *Client) {
		if id != "" {
			c.clientID = id
		}
	}
}

// WithGatewayClientVersion sets the version announced in the
// handshake.
func WithGatewayClientVersion(v string) ClientOption {
	return func(c *Client) {
		if v != "" {
			c.clientVersion = v
		}
	}
}

// WithGatewayScopes overrides the requested scope set.
func WithGatewayScopes(scopes []string) ClientOption {
	return func(c *Client) { c.scopes = scopes }
}

// WithGatewayMetrics attaches runtime instruments.
func WithGatewayMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client manages the single operator-role WebSocket connection to the
// outbound gateway. Sends are best-effort: a failed or disconnected
// send is counted and dropped, never surfaced to the telemetry path.
type Client struct {
	url           string
	token         string
	clientID      string
	clientVersion string
	scopes        []string
	dialer        *websocket.Dialer
	metrics       *metrics.Metrics
	log           *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	sendCount uint64
	dropCount uint64
}

// NewClient returns a Client for the given ws:// or wss:// endpoint.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:           url,
		clientID:      defaultClientID,
		clientVersion: defaultClientVersion,
		scopes:        defaultScopes,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		state: StateClosed,
		log:   slog.Default().With("component", "gateway-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the handshake completed and the
// connection is usable.
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// SendCount returns the number of successfully written events.
func (c *Client) SendCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCount
}

// DropCount returns the number of events dropped while disconnected
// or on write failure.
func (c *Client) DropCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropCount
}

// Connect dials the gateway and completes the challenge handshake.
// Any existing connection is discarded first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(StateClosed)
		return &ConnectionError{URL: c.url, Err: fmt.Errorf("dial: %w", err)}
	}

	c.setState(StateHandshaking)
	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		c.setState(StateClosed)
		return &ConnectionError{URL: c.url, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	c.log.Info("connected to gateway", "url", c.url)
	return nil
}

// handshake runs challenge → connect → hello-ok with a per-message
// deadline.
func (c *Client) handshake(conn *websocket.Conn) error {
	var challenge gatewayFrame
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Event != "connect.challenge" {
		return fmt.Errorf("expected connect.challenge, got %q", challenge.Event)
	}
	nonce, _ := challenge.Data["nonce"].(string)

	req := connectRequest{
		Method: "connect",
		Params: connectParams{
			Role:          "operator",
			Scopes:        c.scopes,
			ClientID:      c.clientID,
			ClientVersion: c.clientVersion,
			Nonce:         nonce,
			Token:         c.token,
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	var reply gatewayFrame
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	if reply.Event != "hello-ok" {
		if reply.Error != "" {
			return fmt.Errorf("handshake rejected: %s", reply.Error)
		}
		return fmt.Errorf("expected hello-ok, got %q", reply.Event)
	}

	c.checkMinVersion(reply.Data)

	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

// checkMinVersion warns when the gateway advertises a newer minimum
// client version than ours.
func (c *Client) checkMinVersion(data map[string]any) {
	raw, _ := data["min_version"].(string)
	if raw == "" {
		return
	}
	minimum, err := semver.NewVersion(raw)
	if err != nil {
		return
	}
	ours, err := semver.NewVersion(c.clientVersion)
	if err != nil {
		return
	}
	if ours.LessThan(minimum) {
		c.log.Warn("gateway requires a newer client",
			"min_version", minimum.String(), "client_version", ours.String())
	}
}

// ConnectWithBackoff retries Connect with exponential backoff and
// jitter. maxAttempts of zero retries until the context is canceled.
func (c *Client) ConnectWithBackoff(ctx context.Context, maxAttempts int) error {
	backoff := backoffBase
	for attempt := 1; ; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := jitter(backoff)
		c.log.Info("gateway connect failed, retrying",
			"attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*backoffFactor, backoffMax)
	}
}

// jitter spreads a delay by ±10%, capped at the backoff ceiling.
func jitter(d time.Duration) time.Duration {
	spread := 0.9 + rand.Float64()*0.2
	return min(time.Duration(float64(d)*spread), backoffMax)
}

// SendEvent writes an event frame best-effort. If disconnected, the
// event is dropped; a write failure marks the connection closed so
// the bridge reconnects. It never returns an error to the caller.
func (c *Client) SendEvent(event any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || c.conn == nil {
		c.dropCount++
		if c.dropCount == 1 || c.dropCount%100 == 0 {
			c.log.Warn("event dropped, not connected", "drops", c.dropCount)
		}
		return
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := c.conn.WriteJSON(event); err != nil {
		c.dropCount++
		c.state = StateClosed
		_ = c.conn.Close()
		c.conn = nil
		c.log.Warn("event send failed, marking disconnected", "error", err, "drops", c.dropCount)
		return
	}
	c.sendCount++
	c.metrics.AddGatewaySend(context.Background())
}

// Close tears down the connection gracefully.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	if c.conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// RequestHandler handles one inbound gateway request frame.
// *dispatch.Dispatcher satisfies it.
type RequestHandler interface {
	Dispatch(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

// inboundRequest is a command frame sent by the gateway operator.
type inboundRequest struct {
	ID     any            `json:"id,omitempty"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// ServeRequests reads inbound request frames and answers them through
// the handler until ctx is cancelled. Read failures are absorbed: the
// loop waits for the send path to re-establish the connection rather
// than owning reconnection itself.
func (c *Client) ServeRequests(ctx context.Context, h RequestHandler) error {
	for {
		c.mu.Lock()
		conn := c.conn
		connected := c.state == StateOpen
		c.mu.Unlock()

		if conn == nil || !connected {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var req inboundRequest
		if err := conn.ReadJSON(&req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if req.Method == "" {
			continue
		}

		result, err := h.Dispatch(ctx, req.Method, req.Params)
		reply := map[string]any{"id": req.ID}
		if err != nil {
			reply["error"] = err.Error()
		} else {
			reply["result"] = result
		}
		c.SendEvent(reply)
	}
}

package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgate/voltgate/internal/cli"
	"github.com/voltgate/voltgate/internal/oauth"
)

type recordingInvoker struct {
	argv   []string
	result cli.Result
}

func (r *recordingInvoker) Run(_ context.Context, argv []string) cli.Result {
	r.argv = argv
	return r.result
}

func okResult(data map[string]any) cli.Result {
	env := map[string]any{
		"ok":        true,
		"command":   "vehicle info",
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	out, _ := json.Marshal(env)
	return cli.Result{Stdout: out}
}

func bearerToken(t *testing.T, auth *oauth.Server) string {
	t.Helper()
	redirect, err := auth.Authorize(oauth.AuthorizeRequest{
		ClientID:            "test-client",
		RedirectURI:         "http://127.0.0.1/cb",
		RedirectURIProvided: true,
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	// The verifier is the RFC 7636 appendix pair for the challenge
	// above.
	resp, err := auth.ExchangeCode("test-client", code, "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	require.NoError(t, err)
	return resp.AccessToken
}

// newToolClient connects an in-process MCP client to the server and
// completes the initialize handshake.
func newToolClient(t *testing.T, s *Server) (*mcpclient.Client, *mcp.InitializeResult) {
	t.Helper()
	c, err := mcpclient.NewInProcessClient(s.mcp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(context.Background()))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "tool-test", Version: "0.0.1"}
	initRes, err := c.Initialize(context.Background(), initReq)
	require.NoError(t, err)
	return c, initRes
}

func callTool(t *testing.T, c *mcpclient.Client, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return c.CallTool(context.Background(), req)
}

// textContent extracts the single text payload of a tool result.
func textContent(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestInitializeReportsServerInfo(t *testing.T) {
	t.Parallel()

	s := NewServer(&recordingInvoker{}, oauth.NewServer(), WithVersion("test"))
	_, initRes := newToolClient(t, s)
	assert.Equal(t, "voltgate", initRes.ServerInfo.Name)
	assert.Equal(t, "test", initRes.ServerInfo.Version)
}

func TestListToolsCatalog(t *testing.T) {
	t.Parallel()

	s := NewServer(&recordingInvoker{}, oauth.NewServer())
	c, _ := newToolClient(t, s)

	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(res.Tools), 60)

	var sawReadOnly, sawWrite bool
	for _, entry := range res.Tools {
		assert.Contains(t, entry.InputSchema.Properties, "vin", entry.Name)
		assert.Contains(t, entry.InputSchema.Properties, "args", entry.Name)
		if entry.Annotations.ReadOnlyHint != nil && *entry.Annotations.ReadOnlyHint {
			sawReadOnly = true
		} else {
			sawWrite = true
		}
	}
	assert.True(t, sawReadOnly)
	assert.True(t, sawWrite)
}

func TestToolCallExpandsArgv(t *testing.T) {
	t.Parallel()

	invoker := &recordingInvoker{result: okResult(map[string]any{"battery_level": 80})}
	s := NewServer(invoker, oauth.NewServer())
	c, _ := newToolClient(t, s)

	res, err := callTool(t, c, "vehicle_info", map[string]any{"vin": "VIN1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"vehicle", "info", "--format", "json", "--wake", "--vin", "VIN1"}, invoker.argv)

	assert.False(t, res.IsError)
	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(textContent(t, res)), &env))
	assert.Equal(t, true, env["ok"])
	data := env["data"].(map[string]any)
	assert.EqualValues(t, 80, data["battery_level"])
}

func TestToolCallForwardsExtraArgs(t *testing.T) {
	t.Parallel()

	invoker := &recordingInvoker{result: okResult(nil)}
	s := NewServer(invoker, oauth.NewServer())
	c, _ := newToolClient(t, s)

	_, err := callTool(t, c, "charge_limit", map[string]any{"vin": "VIN1", "args": []any{"85"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"charge", "limit", "85", "--format", "json", "--wake", "--vin", "VIN1"}, invoker.argv)
}

func TestToolCallFailureEnvelope(t *testing.T) {
	t.Parallel()

	invoker := &recordingInvoker{result: cli.Result{
		Stderr:   []byte("vehicle asleep\n"),
		ExitCode: 1,
	}}
	s := NewServer(invoker, oauth.NewServer())
	c, _ := newToolClient(t, s)

	res, err := callTool(t, c, "security_lock", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var failure map[string]any
	require.NoError(t, json.Unmarshal([]byte(textContent(t, res)), &failure))
	assert.Equal(t, "vehicle asleep", failure["error"])
	assert.EqualValues(t, 1, failure["exit_code"])
}

func TestToolCallUnknownTool(t *testing.T) {
	t.Parallel()

	s := NewServer(&recordingInvoker{}, oauth.NewServer())
	c, _ := newToolClient(t, s)

	_, err := callTool(t, c, "self_destruct", nil)
	require.Error(t, err)
}

// -- HTTP surface --------------------------------------------------------

func newTestServer(t *testing.T, invoker Invoker) (*httptest.Server, *oauth.Server) {
	t.Helper()
	auth := oauth.NewServer()
	s := NewServer(invoker, auth, WithVersion("test"))
	srv := httptest.NewServer(s.Handler("http://127.0.0.1"))
	t.Cleanup(srv.Close)
	return srv, auth
}

func postMCP(t *testing.T, srv *httptest.Server, token string, body map[string]any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func initializeBody(id int) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0", "id": id, "method": "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "tool-test", "version": "0.0.1"},
		},
	}
}

func TestMCPEndpointRequiresBearer(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &recordingInvoker{})
	resp := postMCP(t, srv, "", initializeBody(1))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
}

func TestMCPEndpointAcceptsBearer(t *testing.T) {
	t.Parallel()

	srv, auth := newTestServer(t, &recordingInvoker{})
	resp := postMCP(t, srv, bearerToken(t, auth), initializeBody(1))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHostAllowList(t *testing.T) {
	t.Parallel()

	s := NewServer(&recordingInvoker{}, oauth.NewServer())
	handler := s.Handler("http://127.0.0.1")

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	req.Host = "evil.example.com"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Host = "127.0.0.1:8080"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The tunnel hostname joins the allow-list at runtime.
	s.AllowHost("gw.ts.example.net")
	req.Host = "gw.ts.example.net"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWellKnownDocuments(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &recordingInvoker{})

	resp, err := srv.Client().Get(srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/.well-known/oauth-protected-resource")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "http://127.0.0.1", doc.Resource)
	assert.Equal(t, []string{"http://127.0.0.1"}, doc.AuthorizationServers)
}

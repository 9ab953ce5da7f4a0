package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/voltgate/voltgate/internal/cli"
	"github.com/voltgate/voltgate/internal/oauth"
	"github.com/voltgate/voltgate/internal/pki"
	"github.com/voltgate/voltgate/internal/telemetry"
	"github.com/voltgate/voltgate/internal/tool"
	"github.com/voltgate/voltgate/internal/transport/web"
)

const testVIN = "5YJ3WEB0000000001"

type captureSink struct {
	frames atomic.Int32
	vin    atomic.Value
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) HandleFrame(_ context.Context, frame *telemetry.Frame) error {
	s.vin.Store(frame.VIN)
	s.frames.Add(1)
	return nil
}

type echoInvoker struct{}

func (echoInvoker) Run(_ context.Context, argv []string) cli.Result {
	out, _ := json.Marshal(map[string]any{
		"ok":      true,
		"command": strings.Join(argv, " "),
		"data":    map[string]any{},
	})
	return cli.Result{Stdout: append(out, '\n')}
}

// encodeFrame builds one telemetry payload carrying a single Soc
// datum, using the upstream wire layout.
func encodeFrame(vin string, soc float64) []byte {
	var value []byte
	value = protowire.AppendTag(value, 5, protowire.Fixed64Type) // double
	value = protowire.AppendFixed64(value, math.Float64bits(soc))

	var datum []byte
	datum = protowire.AppendTag(datum, 1, protowire.VarintType) // key = Soc
	datum = protowire.AppendVarint(datum, 8)
	datum = protowire.AppendTag(datum, 2, protowire.BytesType)
	datum = protowire.AppendBytes(datum, value)

	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.BytesType)
	payload = protowire.AppendBytes(payload, datum)
	payload = protowire.AppendTag(payload, 3, protowire.BytesType)
	payload = protowire.AppendString(payload, vin)
	return payload
}

func bearerToken(t *testing.T, auth *oauth.Server) string {
	t.Helper()
	redirect, err := auth.Authorize(oauth.AuthorizeRequest{
		ClientID:            "web-client",
		RedirectURI:         "http://127.0.0.1/cb",
		RedirectURIProvided: true,
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	resp, err := auth.ExchangeCode("web-client", u.Query().Get("code"),
		"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	require.NoError(t, err)
	return resp.AccessToken
}

// One hostname, four surfaces: telemetry WebSocket, provider probes,
// well-known key, and the authenticated tool application.
func TestCombinedSurface(t *testing.T) {
	t.Parallel()

	key, err := pki.Generate()
	require.NoError(t, err)

	sink := &captureSink{}
	fanout := telemetry.NewFanout()
	fanout.Register(sink)
	receiver := telemetry.NewReceiver(fanout)

	auth := oauth.NewServer()
	tools := tool.NewServer(echoInvoker{}, auth)

	handler := web.NewHandler(tools.Handler("http://127.0.0.1"), key.PublicPEM(),
		web.WithReceiver(receiver),
	)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Run("websocket frames reach the sinks", func(t *testing.T) {
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encodeFrame(testVIN, 72)))
		require.Eventually(t, func() bool {
			return sink.frames.Load() == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, testVIN, sink.vin.Load())
	})

	t.Run("head probes answer 200 on any path", func(t *testing.T) {
		for _, path := range []string{"/", "/anything", "/mcp"} {
			req, err := http.NewRequest(http.MethodHead, srv.URL+path, nil)
			require.NoError(t, err)
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		}
	})

	t.Run("well-known path serves the public key", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + web.WellKnownKeyPath)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "BEGIN PUBLIC KEY")
	})

	t.Run("tool call passes through with the original path", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0", "id": 1, "method": "initialize",
			"params": map[string]any{
				"protocolVersion": "2025-03-26",
				"capabilities":    map[string]any{},
				"clientInfo":      map[string]any{"name": "web-test", "version": "0.0.1"},
			},
		})
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		req.Header.Set("Authorization", "Bearer "+bearerToken(t, auth))

		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		text := string(raw)
		// The streamable transport may answer as a one-event SSE
		// stream.
		if i := strings.Index(text, "data: "); i >= 0 {
			text = text[i+len("data: "):]
			if j := strings.IndexByte(text, '\n'); j >= 0 {
				text = text[:j]
			}
		}
		var rpc struct {
			Result struct {
				ServerInfo struct {
					Name string `json:"name"`
				} `json:"serverInfo"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal([]byte(text), &rpc), text)
		assert.Equal(t, "voltgate", rpc.Result.ServerInfo.Name)
	})
}

func TestHandlerWithoutReceiver(t *testing.T) {
	t.Parallel()

	key, err := pki.Generate()
	require.NoError(t, err)
	handler := web.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), key.PublicPEM())

	// A WebSocket-looking GET falls through to the tool app when no
	// receiver is mounted.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMetricsMounted(t *testing.T) {
	t.Parallel()

	key, err := pki.Generate()
	require.NoError(t, err)
	handler := web.NewHandler(http.NotFoundHandler(), key.PublicPEM(),
		web.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		})),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

// Package fleet is the REST client for the upstream vehicle provider:
// vehicle data and commands, partner account management, and fleet
// telemetry configuration. Provider failure modes surface as typed
// errors so callers can branch on sleep, rate limits, and origin or
// scope misconfiguration.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// regionBases maps a region code to the provider API base URL.
var regionBases = map[string]string{
	"na": "https://fleet-api.prd.na.vn.cloud.tesla.com",
	"eu": "https://fleet-api.prd.eu.vn.cloud.tesla.com",
	"cn": "https://fleet-api.prd.cn.vn.cloud.tesla.cn",
}

const (
	authTokenURL = "https://fleet-auth.prd.vn.cloud.tesla.com/oauth2/v3/token"

	defaultHTTPTimeout = 30 * time.Second
	defaultMaxRetries  = 3
	defaultRetryAfter  = 5 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBaseURL overrides the regional base URL.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.base = strings.TrimRight(base, "/") }
}

// WithTokenSource authenticates requests from an OAuth2 token source.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithAccessToken authenticates requests with a fixed bearer token.
func WithAccessToken(token string) Option {
	return func(c *Client) {
		c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	}
}

// WithMaxRetries bounds transparent retries on rate-limit responses.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// Client is the authenticated provider REST client. Rate-limit
// responses are retried transparently up to the retry budget; all
// other provider failures map to typed errors.
type Client struct {
	base       string
	http       *http.Client
	tokens     oauth2.TokenSource
	maxRetries int
	log        *slog.Logger
}

// NewClient builds a client for the given region code.
func NewClient(region string, opts ...Option) (*Client, error) {
	base, ok := regionBases[region]
	if !ok {
		return nil, fmt.Errorf("fleet: unknown region %q", region)
	}
	c := &Client{
		base:       base,
		http:       &http.Client{Timeout: defaultHTTPTimeout},
		maxRetries: defaultMaxRetries,
		log:        slog.Default().With("component", "fleet-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PartnerTokenSource returns a client-credentials token source for
// partner-scoped operations (registration, telemetry configuration).
func PartnerTokenSource(ctx context.Context, clientID, clientSecret, region string, scopes []string) oauth2.TokenSource {
	audience := regionBases[region]
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     authTokenURL,
		Scopes:       scopes,
		EndpointParams: url.Values{
			"audience": {audience},
		},
	}
	return cfg.TokenSource(ctx)
}

// Get issues an authenticated GET and returns the decoded JSON body.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

// Post issues an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

// Delete issues an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, path string) (map[string]any, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) (map[string]any, error) {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("fleet: encode request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("fleet: build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.tokens != nil {
			tok, err := c.tokens.Token()
			if err != nil {
				return nil, fmt.Errorf("fleet: fetch token: %w", err)
			}
			tok.SetAuthHeader(req)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fleet: %s %s: %w", method, path, err)
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("fleet: read response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return decodeBody(raw)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp)
			if attempt < c.maxRetries {
				c.log.Warn("rate limited, retrying", "wait", wait, "attempt", attempt+1)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			return nil, &RateLimitError{RetryAfter: wait}
		}

		return nil, statusError(resp.StatusCode, errorMessage(raw))
	}
}

// statusError maps a provider status code plus message to the typed
// error taxonomy.
func statusError(status int, msg string) error {
	switch status {
	case http.StatusRequestTimeout:
		return &VehicleAsleepError{Message: msg}
	case http.StatusPreconditionFailed:
		return &OriginMismatchError{Message: msg}
	case http.StatusFailedDependency:
		return &KeyNotFetchableError{Message: msg}
	}
	if strings.Contains(strings.ToLower(msg), "missing scopes") {
		return &MissingScopesError{Message: msg}
	}
	return &APIError{StatusCode: status, Message: msg}
}

func decodeBody(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("fleet: decode response: %w", err)
	}
	return out, nil
}

// errorMessage extracts the provider error string from a failed
// response body.
func errorMessage(raw []byte) string {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.ErrorDescription != "" {
			return body.Error + ": " + body.ErrorDescription
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}

// decodeInto re-marshals a decoded JSON fragment into a typed value.
func decodeInto(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fleet: re-encode response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("fleet: decode response: %w", err)
	}
	return nil
}

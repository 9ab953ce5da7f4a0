// Package oauth is an embedded in-memory authorization server for the
// local tool surface. It implements the authorization-code grant with
// mandatory PKCE (S256) plus rotating refresh tokens. Unknown client
// ids get a permissive auto-registered record: access control happens
// at the network layer (loopback binding or tunnel ACLs), not here.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	codeTTL        = 300 * time.Second
	accessTokenTTL = 3600 * time.Second
)

// Client is a registered (or auto-registered) OAuth client.
type Client struct {
	ID         string
	Secret     string
	Permissive bool
}

// AuthorizationCode is the stored record behind one issued code.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	Scopes              []string
	RedirectURI         string
	RedirectURIProvided bool
	CodeChallenge       string
	Resource            string
	ExpiresAt           time.Time
}

// Token is one issued access or refresh token.
type Token struct {
	Value     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time // zero for refresh tokens
}

// TokenResponse is the standard token-endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

// Error is an RFC 6749 error code with a human message.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string { return e.Code + ": " + e.Description }

func oauthErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Option configures a Server.
type Option func(*Server)

// WithClientCredentials registers the configured public client. Token
// requests from this id must present the secret.
func WithClientCredentials(id, secret string) Option {
	return func(s *Server) {
		s.clientID = id
		s.clientSecret = secret
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server holds all OAuth state in memory. A restart invalidates every
// outstanding code and token.
type Server struct {
	clientID     string
	clientSecret string
	now          func() time.Time
	log          *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	codes   map[string]*AuthorizationCode
	access  map[string]*Token
	refresh map[string]*Token
}

// NewServer returns an empty authorization server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		now:     time.Now,
		log:     slog.Default().With("component", "oauth"),
		clients: make(map[string]*Client),
		codes:   make(map[string]*AuthorizationCode),
		access:  make(map[string]*Token),
		refresh: make(map[string]*Token),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetClient returns the record for a client id, auto-registering a
// permissive record for unknown ids. The configured id carries its
// secret so token-endpoint authentication succeeds.
func (s *Server) GetClient(id string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[id]; ok {
		return c
	}
	c := &Client{ID: id, Permissive: true}
	if id == s.clientID {
		c.Secret = s.clientSecret
		c.Permissive = false
	}
	s.clients[id] = c
	s.log.Debug("auto-registered oauth client", "client_id", id)
	return c
}

// AuthorizeRequest carries the parameters of one authorize call.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	RedirectURIProvided bool
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// Authorize issues a single-use code and returns the redirect URL with
// code and state appended. PKCE S256 is mandatory.
func (s *Server) Authorize(req AuthorizeRequest) (string, error) {
	if req.ClientID == "" {
		return "", oauthErr("invalid_request", "client_id is required")
	}
	if req.RedirectURI == "" {
		return "", oauthErr("invalid_request", "redirect_uri is required")
	}
	if req.CodeChallenge == "" {
		return "", oauthErr("invalid_request", "code_challenge is required")
	}
	if req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "S256" {
		return "", oauthErr("invalid_request", "code_challenge_method must be S256")
	}
	s.GetClient(req.ClientID)

	code, err := randomToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.codes[code] = &AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		Scopes:              req.Scopes,
		RedirectURI:         req.RedirectURI,
		RedirectURIProvided: req.RedirectURIProvided,
		CodeChallenge:       req.CodeChallenge,
		Resource:            req.Resource,
		ExpiresAt:           s.now().Add(codeTTL),
	}
	s.mu.Unlock()

	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", oauthErr("invalid_request", "malformed redirect_uri")
	}
	q := u.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// LoadAuthorizationCode returns the stored record for a code, if any.
func (s *Server) LoadAuthorizationCode(code string) (*AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	return c, ok
}

// ExchangeCode performs the single-use authorization-code exchange.
// The code is removed before validation, so a replay always fails.
func (s *Server) ExchangeCode(clientID, code, codeVerifier string) (*TokenResponse, error) {
	s.mu.Lock()
	record, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if !ok {
		return nil, oauthErr("invalid_grant", "unknown or already used authorization code")
	}
	if record.ClientID != clientID {
		return nil, oauthErr("invalid_grant", "code was issued to a different client")
	}
	if s.now().After(record.ExpiresAt) {
		return nil, oauthErr("invalid_grant", "authorization code expired")
	}
	if !verifyPKCE(record.CodeChallenge, codeVerifier) {
		return nil, oauthErr("invalid_grant", "PKCE verification failed")
	}
	return s.mint(clientID, record.Scopes)
}

// RefreshGrant rotates a refresh token, preserving the original scopes
// unless a narrower subset was requested.
func (s *Server) RefreshGrant(clientID, refreshToken string, requestedScopes []string) (*TokenResponse, error) {
	s.mu.Lock()
	record, ok := s.refresh[refreshToken]
	delete(s.refresh, refreshToken)
	s.mu.Unlock()

	if !ok || record.ClientID != clientID {
		return nil, oauthErr("invalid_grant", "unknown refresh token")
	}

	scopes := record.Scopes
	if len(requestedScopes) > 0 {
		narrowed := intersectScopes(record.Scopes, requestedScopes)
		if len(narrowed) != len(requestedScopes) {
			return nil, oauthErr("invalid_scope", "requested scopes exceed the original grant")
		}
		scopes = narrowed
	}
	return s.mint(clientID, scopes)
}

// Revoke removes an access or refresh token. Unknown tokens are a
// no-op per RFC 7009.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, token)
	delete(s.refresh, token)
}

// ValidateBearer checks an access token and returns its scopes.
func (s *Server) ValidateBearer(token string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.access[token]
	if !ok || s.now().After(record.ExpiresAt) {
		return nil, false
	}
	return record.Scopes, true
}

// AuthenticateClient checks token-endpoint credentials: permissive
// clients need no secret, the configured client must match exactly.
func (s *Server) AuthenticateClient(id, secret string) error {
	c := s.GetClient(id)
	if c.Secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) != 1 {
		return oauthErr("invalid_client", "client authentication failed")
	}
	return nil
}

func (s *Server) mint(clientID string, scopes []string) (*TokenResponse, error) {
	access, err := randomToken()
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	s.access[access] = &Token{Value: access, ClientID: clientID, Scopes: scopes, ExpiresAt: now.Add(accessTokenTTL)}
	s.refresh[refresh] = &Token{Value: refresh, ClientID: clientID, Scopes: scopes}
	s.mu.Unlock()

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL / time.Second),
		RefreshToken: refresh,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

// randomToken returns 32 bytes of entropy, URL-safe encoded.
func randomToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("oauth: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// verifyPKCE checks challenge == BASE64URL(SHA256(verifier)).
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func intersectScopes(granted, requested []string) []string {
	have := make(map[string]struct{}, len(granted))
	for _, sc := range granted {
		have[sc] = struct{}{}
	}
	var out []string
	for _, sc := range requested {
		if _, ok := have[sc]; ok {
			out = append(out, sc)
		}
	}
	return out
}

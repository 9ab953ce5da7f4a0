package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// HandleAuthorize implements the authorize endpoint. Success is a 302
// to the client's redirect_uri with code and state appended.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		writeError(w, http.StatusBadRequest, oauthErr("unsupported_response_type", "only response_type=code is supported"))
		return
	}

	req := AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		RedirectURIProvided: q.Has("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}
	if scope := q.Get("scope"); scope != "" {
		req.Scopes = strings.Fields(scope)
	}

	redirect, err := s.Authorize(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// HandleToken implements the token endpoint for the
// authorization_code and refresh_token grants.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, oauthErr("invalid_request", "malformed form body"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if clientID == "" {
		writeError(w, http.StatusUnauthorized, oauthErr("invalid_client", "client_id is required"))
		return
	}
	if err := s.AuthenticateClient(clientID, clientSecret); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var resp *TokenResponse
	var err error
	switch grant := r.PostFormValue("grant_type"); grant {
	case "authorization_code":
		resp, err = s.ExchangeCode(clientID, r.PostFormValue("code"), r.PostFormValue("code_verifier"))
	case "refresh_token":
		var scopes []string
		if scope := r.PostFormValue("scope"); scope != "" {
			scopes = strings.Fields(scope)
		}
		resp, err = s.RefreshGrant(clientID, r.PostFormValue("refresh_token"), scopes)
	default:
		err = oauthErr("unsupported_grant_type", "grant_type %q is not supported", grant)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleRevoke implements RFC 7009: always 200, even for unknown
// tokens.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, oauthErr("invalid_request", "malformed form body"))
		return
	}
	s.Revoke(r.PostFormValue("token"))
	w.WriteHeader(http.StatusOK)
}

// HandleMetadata serves the authorization-server discovery document.
func (s *Server) HandleMetadata(issuer string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                issuer,
			"authorization_endpoint":                issuer + "/authorize",
			"token_endpoint":                        issuer + "/token",
			"revocation_endpoint":                   issuer + "/revoke",
			"response_types_supported":              []string{"code"},
			"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
			"code_challenge_methods_supported":      []string{"S256"},
			"token_endpoint_auth_methods_supported": []string{"client_secret_post", "none"},
		})
	}
}

// HandleProtectedResource serves the RFC 9728 protected-resource
// document. The tool surface and its authorization server share one
// origin, so the resource points back at the issuer.
func (s *Server) HandleProtectedResource(issuer string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resource":                 issuer,
			"authorization_servers":    []string{issuer},
			"bearer_methods_supported": []string{"header"},
		})
	}
}

// clientCredentials reads client auth from Basic auth or the form
// body.
func clientCredentials(r *http.Request) (id, secret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var oe *Error
	if !errors.As(err, &oe) {
		oe = &Error{Code: "server_error", Description: err.Error()}
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
	})
}

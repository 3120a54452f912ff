package bridge

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// AuthGate validates a connection's origin, extracts and validates its
// bearer token, and falls back to an anonymous identity when no token is
// required.
type AuthGate struct {
	allowedOrigins map[string]struct{}
	requireAuth    bool
	store          CredentialStore
}

// NewAuthGate builds an AuthGate. An empty allowedOrigins accepts any
// origin, matching the local-development default.
func NewAuthGate(allowedOrigins []string, requireAuth bool, store CredentialStore) *AuthGate {
	set := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		set[o] = struct{}{}
	}
	return &AuthGate{allowedOrigins: set, requireAuth: requireAuth, store: store}
}

// ErrOriginRejected means the connection's Origin header is not in the
// allowed-origins list. Server.ServeHTTP refuses the handshake with HTTP
// 403 before upgrading, so no frames are sent; no WebSocket close code is
// sent either.
var ErrOriginRejected = newPolicyError("origin not allowed")

// ErrAuthRequired means require_auth is true and no valid token was
// supplied, or a supplied token failed validation (whether or not auth is
// required). Server.ServeHTTP refuses the handshake with HTTP 401 before
// upgrading, so no frames are sent; no WebSocket close code is sent either.
var ErrAuthRequired = newPolicyError("authentication required")

type policyError struct{ msg string }

func newPolicyError(msg string) *policyError { return &policyError{msg: msg} }
func (e *policyError) Error() string         { return e.msg }

// CheckOrigin validates the request's Origin header against the allowed
// list. Pass "" if no Origin header was sent.
func (g *AuthGate) CheckOrigin(origin string) error {
	if len(g.allowedOrigins) == 0 {
		return nil
	}
	if _, ok := g.allowedOrigins[origin]; ok {
		return nil
	}
	return ErrOriginRejected
}

// ExtractToken implements the precedence order: the `token` query
// parameter first, then the Authorization: Bearer header.
func ExtractToken(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// anonymousAuth is the identity assigned when require_auth is false and no
// token was supplied.
var anonymousAuth = AuthInfo{Identity: "anonymous", Role: "guest", Anonymous: true}

// Authenticate resolves the AuthInfo for an incoming connection: a
// supplied token is validated against the credential store; its absence
// is only tolerated when require_auth is false. With no credential store
// configured, a supplied token is ignored (anonymous identity) when
// require_auth is false and rejected when it is true.
func (g *AuthGate) Authenticate(ctx context.Context, token string) (AuthInfo, error) {
	if token == "" {
		if g.requireAuth {
			return AuthInfo{}, ErrAuthRequired
		}
		return anonymousAuth, nil
	}

	if g.store == nil {
		if g.requireAuth {
			return AuthInfo{}, ErrAuthRequired
		}
		return anonymousAuth, nil
	}
	info, ok := g.store.ValidateToken(ctx, token)
	if !ok {
		return AuthInfo{}, ErrAuthRequired
	}
	return info, nil
}

// OriginFromRequest extracts and normalizes the Origin header for
// CheckOrigin, tolerating a trailing slash some clients add.
func OriginFromRequest(r *http.Request) string {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return ""
	}
	if u, err := url.Parse(origin); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host
	}
	return strings.TrimSuffix(origin, "/")
}

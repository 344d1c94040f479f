// Package auth authenticates voice WebSocket upgrades. Three credential
// carriers are tried in order: a static API-key header, a JWT in the
// query string, and a JWT smuggled through the WebSocket sub-protocol
// list (the only header a browser WebSocket client can set). The first
// success wins.
//
// Token verification itself is pluggable; the deployment decides what a
// valid token is.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	// APIKeyHeader carries the static deployment key.
	APIKeyHeader = "X-API-Key"
	// TokenQueryParam carries a JWT in the upgrade URL.
	TokenQueryParam = "token"
)

// ErrUnauthorized means no credential matched. The upgrade is rejected
// with 401 and no session is created.
var ErrUnauthorized = errors.New("auth: no valid credential")

// TokenVerifier validates a bearer token. ok reports whether the token is
// valid; a non-nil error means verification itself failed (misconfigured
// verifier, unreachable key store) and maps to a server error, not a 401.
type TokenVerifier interface {
	Verify(token string) (ok bool, err error)
}

// Method names how a request authenticated, for logs and metrics.
type Method string

const (
	MethodAPIKey         Method = "api_key"
	MethodJWTQuery       Method = "jwt_query"
	MethodJWTSubprotocol Method = "jwt_subprotocol"
)

// Result describes a successful authentication. Subprotocol is set when
// the credential arrived in the sub-protocol list, so the upgrade
// response can echo it back as required by the handshake.
type Result struct {
	Method      Method
	Subprotocol string
}

// Authenticator checks upgrades against a static key and a token
// verifier. Either may be absent; an Authenticator with neither rejects
// everything.
type Authenticator struct {
	APIKey   string
	Verifier TokenVerifier
}

// looksLikeJWT is the cheap shape check applied to sub-protocol values
// before attempting verification: three dot-separated non-empty segments.
func looksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Authenticate inspects the upgrade request. It returns ErrUnauthorized
// when every carrier fails, and any other error when verification itself
// broke.
func (a *Authenticator) Authenticate(r *http.Request) (Result, error) {
	if a.APIKey != "" {
		provided := r.Header.Get(APIKeyHeader)
		if provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(a.APIKey)) == 1 {
			return Result{Method: MethodAPIKey}, nil
		}
	}

	if a.Verifier != nil {
		if token := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); token != "" {
			ok, err := a.Verifier.Verify(token)
			if err != nil {
				return Result{}, fmt.Errorf("verify query token: %w", err)
			}
			if ok {
				return Result{Method: MethodJWTQuery}, nil
			}
		}

		for _, candidate := range websocket.Subprotocols(r) {
			if !looksLikeJWT(candidate) {
				continue
			}
			ok, err := a.Verifier.Verify(candidate)
			if err != nil {
				return Result{}, fmt.Errorf("verify subprotocol token: %w", err)
			}
			if ok {
				return Result{Method: MethodJWTSubprotocol, Subprotocol: candidate}, nil
			}
		}
	}

	return Result{}, ErrUnauthorized
}

// HS256Verifier validates HMAC-SHA256 signed tokens against a shared
// secret. It is the default verifier; deployments with an identity
// provider plug in their own.
type HS256Verifier struct {
	Secret []byte
}

func (v *HS256Verifier) Verify(token string) (bool, error) {
	if len(v.Secret) == 0 {
		return false, errors.New("hs256 verifier has no secret")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		// Bad signature, expiry, malformed token: invalid, not a
		// verifier failure.
		return false, nil
	}
	return parsed.Valid, nil
}

// Package oauth implements the authorization server side of the bridge:
// signed state, the authorization-code cache, PKCE verification and the
// lifecycle of issued bearer sessions.
package oauth

import "net/http"

// Error is an OAuth protocol error rendered to clients as {"error": Code}.
type Error struct {
	Code   string
	Status int
}

func (e *Error) Error() string { return e.Code }

func newError(code string, status int) *Error { return &Error{Code: code, Status: status} }

var (
	ErrUnsupportedResponseType = newError("unsupported_response_type", http.StatusBadRequest)
	ErrUnsupportedGrantType    = newError("unsupported_grant_type", http.StatusBadRequest)
	ErrInvalidClient           = newError("invalid_client", http.StatusBadRequest)
	ErrInvalidClientMetadata   = newError("invalid_client_metadata", http.StatusBadRequest)
	ErrInvalidRedirectURI      = newError("invalid_redirect_uri", http.StatusBadRequest)
	ErrInvalidScope            = newError("invalid_scope", http.StatusBadRequest)
	ErrInvalidPKCE             = newError("invalid_pkce", http.StatusBadRequest)
	ErrInvalidRequest          = newError("invalid_request", http.StatusBadRequest)
	ErrInvalidCode             = newError("invalid_code", http.StatusBadRequest)
	ErrCodeExpired             = newError("code_expired", http.StatusBadRequest)
	ErrInvalidGrant            = newError("invalid_grant", http.StatusBadRequest)
	ErrRefreshExpired          = newError("refresh_expired", http.StatusBadRequest)

	ErrMissingCodeOrState = newError("missing_code_or_state", http.StatusBadRequest)
	ErrInvalidState       = newError("invalid_state", http.StatusBadRequest)
	ErrStateExpired       = newError("state_expired", http.StatusBadRequest)
	ErrUpstreamDenied     = newError("upstream_denied", http.StatusBadRequest)

	ErrMissingBearer = newError("missing_bearer_token", http.StatusUnauthorized)
	ErrInvalidToken  = newError("invalid_token", http.StatusUnauthorized)
	ErrTokenExpired  = newError("token_expired", http.StatusUnauthorized)
)

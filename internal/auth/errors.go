// Package auth drives the Dropbox OAuth 2.0 authorization-code flow and keeps
// one user's access token valid across runs. Client speaks the protocol over
// an injected HTTP client and never touches disk; Manager combines a Client
// with a token store and is the only writer of a user's token record.
package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is(err, auth.ErrX) to check.
var (
	// ErrAuthenticationRequired means the user never authorized.
	ErrAuthenticationRequired = errors.New("auth: no stored credentials")

	// ErrReauthorizationRequired means the stored refresh token was rejected
	// (revoked or expired). Same remedy as never authorized, but indicates a
	// regression rather than first use.
	ErrReauthorizationRequired = errors.New("auth: refresh token rejected, re-authorization required")

	// ErrStateMismatch means the redirect did not carry the state issued by
	// the preceding AuthorizationURL call.
	ErrStateMismatch = errors.New("auth: OAuth2 state mismatch")

	// ErrAuthorization is a remote-reported failure of the code exchange.
	ErrAuthorization = errors.New("auth: authorization failed")

	// ErrInvalidRefreshToken is a remote-reported rejection of a refresh token.
	ErrInvalidRefreshToken = errors.New("auth: refresh token invalid or revoked")

	// ErrTransient covers network failures, timeouts, throttling and 5xx
	// responses from the token endpoint. Retry the whole run later.
	ErrTransient = errors.New("auth: transient failure talking to the authorization server")

	// ErrAccountMismatch means a new authorization belongs to a different
	// remote account than the stored one.
	ErrAccountMismatch = errors.New("auth: authorized account differs from stored account")
)

// ProtocolError carries the error reported by the authorization server.
// Err is ErrAuthorization or ErrInvalidRefreshToken, for errors.Is().
type ProtocolError struct {
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *ProtocolError) Error() string {
	msg := e.Err.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}

	if e.Code != "" {
		msg += ": " + e.Code
	}

	if e.Description != "" {
		msg += ": " + e.Description
	}

	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

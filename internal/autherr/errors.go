// Package autherr holds the typed failures produced by the authentication
// bridge. Every failure carries a Kind that survives wrapping, so handlers and
// clients can tell "retry later" apart from "sign in again".
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-readable failure code sent to clients.
type Kind string

const (
	KindInvalidState        Kind = "invalid_state"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderRejected    Kind = "provider_rejected"
	KindExchangeRejected    Kind = "exchange_rejected"
	KindInvalidToken        Kind = "invalid_token"
	KindUnknownSigningKey   Kind = "unknown_signing_key"
	KindSignatureInvalid    Kind = "signature_invalid"
	KindIssuerMismatch      Kind = "issuer_mismatch"
	KindAudienceMismatch    Kind = "audience_mismatch"
	KindTokenExpired        Kind = "token_expired"
	KindTokenNotYetValid    Kind = "token_not_yet_valid"
	KindMalformedClaims     Kind = "malformed_claims"
	KindUserDeactivated     Kind = "user_deactivated"
	KindEmailConflict       Kind = "email_conflict"
	KindSessionExpired      Kind = "session_expired"
	KindSessionNotFound     Kind = "session_not_found"
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindInternal            Kind = "internal"
)

// Error is a typed authentication failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match on Kind alone, so a wrapped failure still matches its sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidState        = &Error{Kind: KindInvalidState, Message: "login state is missing, expired or already used"}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable, Message: "identity provider is unavailable"}
	ErrProviderRejected    = &Error{Kind: KindProviderRejected, Message: "identity provider rejected the sign-in"}
	ErrExchangeRejected    = &Error{Kind: KindExchangeRejected, Message: "authorization code exchange was rejected"}
	ErrInvalidToken        = &Error{Kind: KindInvalidToken, Message: "token is malformed or invalid"}
	ErrUnknownSigningKey   = &Error{Kind: KindUnknownSigningKey, Message: "token signing key is unknown"}
	ErrSignatureInvalid    = &Error{Kind: KindSignatureInvalid, Message: "token signature is invalid"}
	ErrIssuerMismatch      = &Error{Kind: KindIssuerMismatch, Message: "token issuer does not match"}
	ErrAudienceMismatch    = &Error{Kind: KindAudienceMismatch, Message: "token audience does not match"}
	ErrTokenExpired        = &Error{Kind: KindTokenExpired, Message: "token has expired"}
	ErrTokenNotYetValid    = &Error{Kind: KindTokenNotYetValid, Message: "token is not valid yet"}
	ErrMalformedClaims     = &Error{Kind: KindMalformedClaims, Message: "token claims are incomplete"}
	ErrUserDeactivated     = &Error{Kind: KindUserDeactivated, Message: "user account is deactivated"}
	ErrEmailConflict       = &Error{Kind: KindEmailConflict, Message: "email is already bound to another identity"}
	ErrSessionExpired      = &Error{Kind: KindSessionExpired, Message: "session has expired"}
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound, Message: "session not found"}
	ErrUnauthenticated     = &Error{Kind: KindUnauthenticated, Message: "authentication required"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "insufficient role"}
	ErrInternal            = &Error{Kind: KindInternal, Message: "internal error"}
)

// Wrap attaches a cause to a sentinel, keeping the sentinel's kind and message.
func Wrap(base *Error, err error) error {
	return &Error{Kind: base.Kind, Message: base.Message, Err: err}
}

// Newf returns a failure of the sentinel's kind with a specific message.
func Newf(base *Error, format string, args ...interface{}) error {
	return &Error{Kind: base.Kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a client may retry without a fresh login.
func Retryable(err error) bool {
	return KindOf(err) == KindProviderUnavailable
}

// HTTPStatus maps a failure to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidState, KindExchangeRejected:
		return http.StatusBadRequest
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderRejected, KindInvalidToken, KindUnknownSigningKey, KindSignatureInvalid,
		KindIssuerMismatch, KindAudienceMismatch, KindTokenExpired, KindTokenNotYetValid,
		KindMalformedClaims, KindSessionExpired, KindSessionNotFound, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUserDeactivated, KindForbidden:
		return http.StatusForbidden
	case KindEmailConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// ResponseBody is the JSON error envelope.
type ResponseBody struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// Body renders err for a client. Untyped errors never leak their text.
func Body(err error) ResponseBody {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return ResponseBody{Error: KindInternal, Message: ErrInternal.Message}
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	return ResponseBody{Error: e.Kind, Message: msg}
}

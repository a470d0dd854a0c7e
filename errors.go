package socketmesh

import "fmt"

// Error is satisfied by every socketmesh error kind that must serialize
// onto the wire as { name, message, stack? }. Name is the stable string
// clients key error handling on.
type Error interface {
	error
	Name() string
}

// AuthTokenExpiredError reports that a decoded token's exp claim is in the
// past. It carries the expiry so callers can surface it without re-parsing
// the token.
type AuthTokenExpiredError struct {
	Expiry int64
}

func (e *AuthTokenExpiredError) Error() string {
	return fmt.Sprintf("auth token expired at %d", e.Expiry)
}

func (e *AuthTokenExpiredError) Name() string { return "AuthTokenExpired" }

// AuthTokenInvalidError names an invalid stored token. No code path in
// this package currently returns it: #handshake/#authenticate
// verification failures are reported as TokenMalformedError or
// TokenInvalidError below.
type AuthTokenInvalidError struct {
	Reason string
}

func (e *AuthTokenInvalidError) Error() string {
	return "auth token invalid: " + e.Reason
}

func (e *AuthTokenInvalidError) Name() string { return "AuthTokenInvalid" }

// TokenExpiredError, TokenMalformedError, and TokenInvalidError are the
// three wire-visible kinds a #handshake/#authenticate token verification
// failure classifies into (spec §4.2). They are distinct from
// AuthTokenExpiredError/AuthTokenInvalidError above, which belong to the
// later re-check of an already-stored token's expiry, not to initial
// verification.
type TokenExpiredError struct {
	Cause error
}

func (e *TokenExpiredError) Error() string {
	if e.Cause == nil {
		return "token expired"
	}
	return "token expired: " + e.Cause.Error()
}

func (e *TokenExpiredError) Name() string  { return "TokenExpired" }
func (e *TokenExpiredError) Unwrap() error { return e.Cause }

type TokenMalformedError struct {
	Cause error
}

func (e *TokenMalformedError) Error() string {
	if e.Cause == nil {
		return "token malformed"
	}
	return "token malformed: " + e.Cause.Error()
}

func (e *TokenMalformedError) Name() string  { return "TokenMalformed" }
func (e *TokenMalformedError) Unwrap() error { return e.Cause }

type TokenInvalidError struct {
	Cause error
}

func (e *TokenInvalidError) Error() string {
	if e.Cause == nil {
		return "token invalid"
	}
	return "token invalid: " + e.Cause.Error()
}

func (e *TokenInvalidError) Name() string  { return "TokenInvalid" }
func (e *TokenInvalidError) Unwrap() error { return e.Cause }

// RateLimitExceededError is returned for an inbound emit/publish that
// exceeds the socket's configured flood-control rate.
type RateLimitExceededError struct{}

func (e *RateLimitExceededError) Error() string { return "rate limit exceeded" }
func (e *RateLimitExceededError) Name() string  { return "RateLimitExceeded" }

// HandshakeTimeoutError fires when a socket never sends #handshake within
// the configured AckTimeout.
type HandshakeTimeoutError struct{}

func (e *HandshakeTimeoutError) Error() string { return "handshake not received before ack timeout" }
func (e *HandshakeTimeoutError) Name() string  { return "HandshakeTimeout" }

// InvalidOriginError is returned when a connecting client's Origin header
// does not match the server's accepted-origin policy.
type InvalidOriginError struct {
	Origin string
}

func (e *InvalidOriginError) Error() string { return "invalid origin: " + e.Origin }
func (e *InvalidOriginError) Name() string  { return "InvalidOrigin" }

// BrokerBindFailedError wraps a hard failure from the broker adapter's
// Bind operation.
type BrokerBindFailedError struct {
	Cause error
}

func (e *BrokerBindFailedError) Error() string {
	if e.Cause == nil {
		return "broker bind failed"
	}
	return "broker bind failed: " + e.Cause.Error()
}

func (e *BrokerBindFailedError) Name() string { return "BrokerBindFailed" }
func (e *BrokerBindFailedError) Unwrap() error { return e.Cause }

// BrokerUnbindFailedError wraps a failure from the broker adapter's Unbind
// operation. Per spec this never crashes the server; it is emitted as a
// warning event and is not logged.
type BrokerUnbindFailedError struct {
	Cause error
}

func (e *BrokerUnbindFailedError) Error() string {
	if e.Cause == nil {
		return "broker unbind failed"
	}
	return "broker unbind failed: " + e.Cause.Error()
}

func (e *BrokerUnbindFailedError) Name() string  { return "BrokerUnbindFailed" }
func (e *BrokerUnbindFailedError) Unwrap() error { return e.Cause }

// SilentMiddlewareBlockedError is substituted by the middleware pipeline
// whenever a gate rejects its continuation with ErrSilentBlock. It never
// produces a warning log, regardless of MiddlewareEmitWarnings.
type SilentMiddlewareBlockedError struct {
	Stage string
}

func (e *SilentMiddlewareBlockedError) Error() string {
	return "middleware silently blocked stage " + e.Stage
}

func (e *SilentMiddlewareBlockedError) Name() string { return "SilentMiddlewareBlocked" }

// MiddlewareDoubleCallbackError is the warning fired when a gate invokes
// its continuation more than once.
type MiddlewareDoubleCallbackError struct {
	Stage string
}

func (e *MiddlewareDoubleCallbackError) Error() string {
	return "middleware gate for stage " + e.Stage + " called its continuation twice"
}

func (e *MiddlewareDoubleCallbackError) Name() string { return "MiddlewareDoubleCallback" }

// ClientPublishDisabledError is returned for #publish when
// Options.AllowClientPublish is false.
type ClientPublishDisabledError struct{}

func (e *ClientPublishDisabledError) Error() string { return "client publish is disabled" }
func (e *ClientPublishDisabledError) Name() string  { return "ClientPublishDisabled" }

// ResponseAlreadySentError is raised by Responder when a second reply is
// attempted for the same correlation id.
type ResponseAlreadySentError struct {
	RID int64
}

func (e *ResponseAlreadySentError) Error() string {
	return fmt.Sprintf("response already sent for rid %d", e.RID)
}

func (e *ResponseAlreadySentError) Name() string { return "ResponseAlreadySent" }

// AuthKeyConfigError is a fatal construction-time error: asymmetric
// signing/verification keys must be supplied together.
type AuthKeyConfigError struct {
	Reason string
}

func (e *AuthKeyConfigError) Error() string { return "auth key config error: " + e.Reason }
func (e *AuthKeyConfigError) Name() string  { return "AuthKeyConfigError" }

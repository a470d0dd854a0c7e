// Package socketmesh implements a realtime message-oriented server: it
// accepts long-lived bidirectional client connections over a framed
// WebSocket transport, runs each inbound and outbound message through a
// staged middleware pipeline, authenticates clients via signed bearer
// tokens, and bridges subscribe/publish traffic to a pluggable broker that
// fans messages across channels.
//
// # Architecture
//
// A connection's lifecycle runs: origin check -> handshake middleware ->
// transport accept -> protocol handshake with token verification ->
// broker binding -> open. Once open, inbound frames are demultiplexed into
// correlated requests (carrying a cid, expecting exactly one reply),
// uncorrelated events, and reserved control events (#handshake,
// #authenticate, #removeAuthToken, #subscribe, #publish). Every gated
// action - emit, subscribe, publish-in, publish-out, handshake - runs
// through an ordered list of middleware gates before any side effect
// happens.
//
// # Quick start
//
//	srv, err := socketmesh.New(
//	    socketmesh.WithAddr(":8080"),
//	    socketmesh.WithAuthKey([]byte("change-me")),
//	)
//	srv.On(socketmesh.EventConnection, func(s *socketmesh.Socket) {
//	    log.Printf("connected: %s", s.ID())
//	})
//	srv.AddMiddleware(socketmesh.StageSubscribe, socketmesh.SubscribeGate(
//	    func(req socketmesh.SubscribeRequest, next socketmesh.Continuation) {
//	        next(nil)
//	    }))
//	srv.Start(ctx)
//
// # Out of scope
//
// The underlying framed transport's codec and keepalive, the broker
// engine's internal fan-out mechanics, the token codec's cryptography, id
// generation, and any process-level CLI/config-file loading/packaging are
// external collaborators this package consumes through small interfaces,
// not subsystems it owns.
package socketmesh

import "context"

// Server is the public surface of the connection-core controller (C6).
// The concrete implementation lives in server.go; this interface exists so
// alternate transports or test doubles can satisfy the same contract the
// ws/ package's constructor returns.
type Server interface {
	// Start begins accepting transports and runs until ctx is cancelled or
	// Shutdown is called.
	Start(ctx context.Context) error

	// Shutdown gracefully drains open sessions: no new transports are
	// accepted, every open socket is unbound from the broker and closed,
	// and Shutdown returns once that completes or ctx expires.
	Shutdown(ctx context.Context) error

	// AddMiddleware registers fn at the end of stage's gate list.
	AddMiddleware(stage Stage, fn any)

	// RemoveMiddleware removes fn from stage's gate list by identity. A
	// gate not currently registered is a no-op.
	RemoveMiddleware(stage Stage, fn any)

	// On subscribes to one of the server-level lifecycle events.
	On(event string, handler any)

	// Stats returns a point-in-time snapshot of server counters.
	Stats() Stats
}

// Stage names one of the five middleware gating points.
type Stage string

const (
	StageHandshake  Stage = "handshake"
	StageEmit       Stage = "emit"
	StageSubscribe  Stage = "subscribe"
	StagePublishIn  Stage = "publishIn"
	StagePublishOut Stage = "publishOut"
)

// Server-level lifecycle event names.
const (
	EventHandshake          = "handshake"
	EventConnection         = "connection"
	EventDisconnection      = "disconnection"
	EventError              = "error"
	EventWarning            = "warning"
	EventBadSocketAuthToken = "badSocketAuthToken"
	EventReady              = "ready"

	// eventDeauthenticate fires on a socket whenever its auth token is
	// cleared, either by #removeAuthToken or by detected expiry.
	eventDeauthenticate = "deauthenticate"
)

// Continuation is the single-shot callback a middleware gate must invoke
// exactly once. err == nil means accept; err == ErrSilentBlock rejects
// (no side effect, and a correlated request is answered with a
// SilentMiddlewareBlocked error) without emitting a warning; any other
// non-nil err rejects and, if configured, emits a warning.
type Continuation func(err error)

// ErrSilentBlock is the sentinel a gate passes to its continuation to
// request a silent rejection. The pipeline never surfaces this value
// itself - it always replaces it with a *SilentMiddlewareBlockedError
// before the stage's outer callback or wire reply sees it.
var ErrSilentBlock = silentBlockSentinel{}

type silentBlockSentinel struct{}

func (silentBlockSentinel) Error() string { return "silent middleware block" }

// Stats is a snapshot of server-wide counters, supplementing the
// distilled spec with basic observability the spec's non-goals don't
// exclude (they only exclude an admin UI, not counters).
type Stats struct {
	ClientsCount         int
	HandshakeRejections  int64
	SubscribeRejections  int64
	PublishInRejections  int64
	PublishOutRejections int64
	EmitRejections       int64
	TokenVerifyFailures  int64
}

package socketmesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/socketmesh/socketmesh/internal/auth"
	"github.com/socketmesh/socketmesh/internal/protocol"
	"github.com/socketmesh/socketmesh/internal/transport"
)

// SocketState is one of the three states a Socket occupies over its
// lifetime (spec §4.4).
type SocketState int

const (
	SocketConnecting SocketState = iota
	SocketOpen
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketConnecting:
		return "CONNECTING"
	case SocketOpen:
		return "OPEN"
	case SocketClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Socket is one client connection: its identity, auth token, handshake
// state, and the control-event handlers that demultiplex inbound frames
// (C4). The server owns every Socket for its lifetime; a Socket never
// outlives the map entry the server removes on disconnect.
type Socket struct {
	id   string
	conn *transport.Conn
	srv  *server

	mu             sync.Mutex
	state          SocketState
	authToken      *auth.Token
	handshakeTimer *time.Timer
	subscriptions  map[string]struct{}
	limiter        *rate.Limiter

	pending   map[int64]struct{}
	pendingMu sync.Mutex
}

func newSocket(id string, conn *transport.Conn, srv *server) *Socket {
	var limiter *rate.Limiter
	if srv.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(srv.opts.RateLimit, srv.opts.RateLimitBurst)
	}
	return &Socket{
		id:            id,
		conn:          conn,
		srv:           srv,
		state:         SocketConnecting,
		subscriptions: make(map[string]struct{}),
		pending:       make(map[int64]struct{}),
		limiter:       limiter,
	}
}

// checkRateLimit implements the inbound flood-control pre-filter: a
// socket with no configured limiter always allows the message, matching
// the teacher's Client.CheckRateLimit "disabled means allowed" rule.
func (s *Socket) checkRateLimit() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// ID returns the socket's process-unique identifier.
func (s *Socket) ID() string { return s.id }

// RemoteAddr returns the underlying transport connection's remote address.
func (s *Socket) RemoteAddr() string { return s.conn.RemoteAddr() }

// State returns the socket's current lifecycle state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAuthenticated reports whether the socket currently holds a decoded,
// non-expired auth token.
func (s *Socket) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken != nil && !s.authToken.Expired(time.Now())
}

// AuthToken returns the socket's current decoded token, or nil.
func (s *Socket) AuthToken() *auth.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken
}

// Emit writes an uncorrelated event frame to the client.
func (s *Socket) Emit(event string, data json.RawMessage) error {
	frame, err := protocol.EncodeEvent(event, data)
	if err != nil {
		return err
	}
	return s.conn.Send(frame)
}

// Deliver implements broker.Subscriber: it runs the publishOut stage and,
// on accept, writes the publish frame to this socket's transport.
func (s *Socket) Deliver(_ context.Context, channel string, data json.RawMessage) error {
	req := PublishOutRequest{Socket: s, Channel: channel, Data: data}
	decision := make(chan error, 1)
	s.srv.stages.Run(string(StagePublishOut), req, s.warnFn(StagePublishOut), func(err error) {
		decision <- resolveStageDecision(StagePublishOut, err)
	})
	if err := <-decision; err != nil {
		s.srv.recordRejection(StagePublishOut)
		s.srv.warnIfConfigured(err)
		return err
	}
	payload, err := json.Marshal(publishEventPayload{Channel: channel, Data: data})
	if err != nil {
		return err
	}
	return s.Emit(protocol.EventPublish, payload)
}

type publishEventPayload struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (s *Socket) warnFn(stage Stage) func(error) {
	return func(err error) {
		s.srv.emitWarning(&MiddlewareDoubleCallbackError{Stage: string(stage)})
	}
}

// resolveStageDecision applies the silent-block sentinel substitution
// (spec §4.3): a gate rejecting with ErrSilentBlock becomes a
// SilentMiddlewareBlockedError that never produces a warning.
func resolveStageDecision(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	if err == ErrSilentBlock {
		return &SilentMiddlewareBlockedError{Stage: string(stage)}
	}
	return err
}

// armHandshakeTimer starts the one-shot handshake deadline. Firing without
// a prior call to clearHandshakeTimer emits HandshakeTimeoutError on the
// socket and leaves it CONNECTING, per spec §4.4.
func (s *Socket) armHandshakeTimer(timeout time.Duration) {
	s.mu.Lock()
	s.handshakeTimer = time.AfterFunc(timeout, func() {
		s.srv.emit(EventError, s, &HandshakeTimeoutError{})
	})
	s.mu.Unlock()
}

func (s *Socket) clearHandshakeTimer() {
	s.mu.Lock()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	s.mu.Unlock()
}

// handleFrame demultiplexes one inbound frame into a reserved control
// event, a correlated request, or an uncorrelated event (spec §4.4).
// Frames are processed to completion before the next is read off the
// transport, matching the single-threaded-per-session scheduling model.
func (s *Socket) handleFrame(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			if dup, ok := r.(*ResponseAlreadySentError); ok {
				s.srv.emit(EventError, s, dup)
				return
			}
			panic(r)
		}
	}()

	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		s.srv.emitWarning(err)
		return
	}

	var responder *Responder
	if req.CID != nil {
		responder = newResponder(s, *req.CID)
	}

	switch req.Event {
	case protocol.EventHandshake:
		s.handleHandshake(req.Data, responder)
	case protocol.EventAuthenticate:
		s.handleAuthenticate(req.Data, responder)
	case protocol.EventRemoveAuthToken:
		s.handleRemoveAuthToken()
	case protocol.EventSubscribe:
		s.handleSubscribe(req.Data, responder)
	case protocol.EventPublish:
		s.handlePublish(req.Data, responder)
	default:
		if protocol.IsReserved(req.Event) {
			// Reserved names other than the five above pass through
			// without middleware, per spec §4.6 step 2's final branch.
			return
		}
		s.handleEmit(req.Event, req.Data, responder)
	}
}

type handshakePayload struct {
	AuthToken string `json:"authToken,omitempty"`
}

type handshakeReply struct {
	ID              string              `json:"id"`
	IsAuthenticated bool                `json:"isAuthenticated"`
	PingTimeout     int64               `json:"pingTimeout"`
	AuthError       *protocol.WireError `json:"authError,omitempty"`
}

// handleHandshake implements spec §4.4's #handshake control handler. A
// second #handshake on an already-OPEN socket is an explicit no-op
// (spec §9's open question on double handshake), rather than relying on
// the reserved-event branch happening to swallow it.
func (s *Socket) handleHandshake(data json.RawMessage, responder *Responder) {
	s.mu.Lock()
	if s.state != SocketConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var payload handshakePayload
	_ = json.Unmarshal(data, &payload)

	var authErr *protocol.WireError
	s.mu.Lock()
	s.authToken = nil
	s.mu.Unlock()

	if payload.AuthToken != "" {
		token, verr := s.srv.verifyToken(payload.AuthToken)
		if verr != nil {
			authErr = toWireError(verr)
			s.srv.emit(EventBadSocketAuthToken, s, verr)
		} else if token.Expired(time.Now()) {
			s.deauthenticate()
			authErr = toWireError(&TokenExpiredError{})
			s.srv.emit(EventBadSocketAuthToken, s, &TokenExpiredError{})
		} else {
			s.mu.Lock()
			s.authToken = &token
			s.mu.Unlock()
		}
	}

	if err := s.srv.broker().Bind(context.Background(), s); err != nil {
		bindErr := &BrokerBindFailedError{Cause: err}
		s.srv.emit(EventError, s, bindErr)
		s.disconnect()
		if responder != nil {
			responder.err(bindErr)
		}
		return
	}

	s.clearHandshakeTimer()
	s.mu.Lock()
	s.state = SocketOpen
	s.mu.Unlock()
	s.srv.registerClient(s)
	s.srv.emit(EventConnection, s, nil)

	if responder != nil {
		reply, err := json.Marshal(handshakeReply{
			ID:              s.id,
			IsAuthenticated: s.IsAuthenticated(),
			PingTimeout:     s.srv.opts.PingTimeout.Milliseconds(),
			AuthError:       authErr,
		})
		if err != nil {
			responder.err(err)
			return
		}
		responder.end(reply)
	}
}

func (s *Socket) runAuthenticateGate(data json.RawMessage) error {
	req := EmitRequest{Socket: s, Event: protocol.EventAuthenticate, Data: data}
	decision := make(chan error, 1)
	s.srv.stages.Run(string(StageEmit), req, s.warnFn(StageEmit), func(err error) {
		decision <- resolveStageDecision(StageEmit, err)
	})
	return <-decision
}

type authenticateReply struct {
	IsAuthenticated bool                `json:"isAuthenticated"`
	AuthError       *protocol.WireError `json:"authError,omitempty"`
}

// handleAuthenticate implements spec §4.4's #authenticate: auth failures
// are always soft, surfaced in authError and never in the responder's
// error slot. When Options.GateAuthenticate is set, the emit stage runs
// first against a synthetic "#authenticate" event, and a hard rejection
// there skips verification entirely (the spec §9 open question's
// configuration knob, default off).
func (s *Socket) handleAuthenticate(data json.RawMessage, responder *Responder) {
	if s.srv.opts.GateAuthenticate {
		if err := s.runAuthenticateGate(data); err != nil {
			s.srv.recordRejection(StageEmit)
			s.srv.warnIfConfigured(err)
			if responder != nil {
				responder.err(err)
			}
			return
		}
	}

	var signed string
	_ = json.Unmarshal(data, &signed)

	var authErr *protocol.WireError
	token, verr := s.srv.verifyToken(signed)
	switch {
	case verr != nil:
		authErr = toWireError(verr)
		s.srv.emit(EventBadSocketAuthToken, s, verr)
	case token.Expired(time.Now()):
		s.deauthenticate()
		expErr := &TokenExpiredError{}
		authErr = toWireError(expErr)
		s.srv.emit(EventBadSocketAuthToken, s, expErr)
	default:
		s.mu.Lock()
		s.authToken = &token
		s.mu.Unlock()
	}

	if responder != nil {
		reply, err := json.Marshal(authenticateReply{
			IsAuthenticated: s.IsAuthenticated(),
			AuthError:       authErr,
		})
		if err != nil {
			responder.err(err)
			return
		}
		responder.end(reply)
	}
}

// handleRemoveAuthToken implements #removeAuthToken: clear the token and
// emit deauthenticate with the previous value.
func (s *Socket) handleRemoveAuthToken() {
	s.deauthenticate()
}

func (s *Socket) deauthenticate() {
	s.mu.Lock()
	prev := s.authToken
	s.authToken = nil
	s.mu.Unlock()
	if prev == nil {
		return
	}
	payload, err := json.Marshal(prev.Claims)
	if err != nil {
		s.srv.emitWarning(err)
		return
	}
	s.srv.dispatchEvent(eventDeauthenticate, s, payload)
}

// expiredTokenError builds the AuthTokenExpiredError attached to gated
// requests without rejecting them, per spec §4.6 step 1. It also
// deauthenticates the socket as a side effect of detecting expiry.
func (s *Socket) expiredTokenError() *AuthTokenExpiredError {
	s.mu.Lock()
	tok := s.authToken
	s.mu.Unlock()
	if tok == nil || tok.Exp == nil {
		return nil
	}
	if !tok.Expired(time.Now()) {
		return nil
	}
	s.deauthenticate()
	return &AuthTokenExpiredError{Expiry: *tok.Exp}
}

// handleEmit implements spec §4.6 step 2's first branch: non-reserved
// events run the emit stage, then are delivered to server listeners.
func (s *Socket) handleEmit(event string, data json.RawMessage, responder *Responder) {
	if !s.checkRateLimit() {
		s.srv.recordRejection(StageEmit)
		s.srv.warnIfConfigured(&RateLimitExceededError{})
		if responder != nil {
			responder.err(&RateLimitExceededError{})
		}
		return
	}

	req := EmitRequest{
		Socket:                s,
		Event:                 event,
		Data:                  data,
		AuthTokenExpiredError: s.expiredTokenError(),
	}

	decision := make(chan error, 1)
	s.srv.stages.Run(string(StageEmit), req, s.warnFn(StageEmit), func(err error) {
		decision <- resolveStageDecision(StageEmit, err)
	})
	err := <-decision

	if err != nil {
		s.srv.recordRejection(StageEmit)
		s.srv.warnIfConfigured(err)
		if responder != nil {
			responder.err(err)
		}
		return
	}

	s.srv.dispatchEvent(event, s, data)
	if responder != nil {
		responder.end(nil)
	}
}

// handleSubscribe implements spec §4.6 step 2's #subscribe branch.
func (s *Socket) handleSubscribe(data json.RawMessage, responder *Responder) {
	var channel string
	_ = json.Unmarshal(data, &channel)

	req := SubscribeRequest{
		Socket:                s,
		Channel:               channel,
		AuthTokenExpiredError: s.expiredTokenError(),
	}

	decision := make(chan error, 1)
	s.srv.stages.Run(string(StageSubscribe), req, s.warnFn(StageSubscribe), func(err error) {
		decision <- resolveStageDecision(StageSubscribe, err)
	})
	err := <-decision

	if err != nil {
		s.srv.recordRejection(StageSubscribe)
		s.srv.warnIfConfigured(err)
		if responder != nil {
			responder.err(err)
		}
		return
	}

	if bindErr := s.srv.broker().Subscribe(context.Background(), s, channel); bindErr != nil {
		if responder != nil {
			responder.err(bindErr)
		}
		return
	}
	s.mu.Lock()
	s.subscriptions[channel] = struct{}{}
	s.mu.Unlock()

	if responder != nil {
		responder.end(nil)
	}
}

type publishRequestPayload struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// handlePublish implements spec §4.6 step 2's #publish branch.
func (s *Socket) handlePublish(data json.RawMessage, responder *Responder) {
	if !s.srv.opts.AllowClientPublish {
		err := &ClientPublishDisabledError{}
		if responder != nil {
			responder.err(err)
		}
		return
	}

	if !s.checkRateLimit() {
		s.srv.recordRejection(StagePublishIn)
		s.srv.warnIfConfigured(&RateLimitExceededError{})
		if responder != nil {
			responder.err(&RateLimitExceededError{})
		}
		return
	}

	var payload publishRequestPayload
	_ = json.Unmarshal(data, &payload)

	req := PublishInRequest{
		Socket:                s,
		Channel:               payload.Channel,
		Data:                  payload.Data,
		AuthTokenExpiredError: s.expiredTokenError(),
	}

	decision := make(chan error, 1)
	s.srv.stages.Run(string(StagePublishIn), req, s.warnFn(StagePublishIn), func(err error) {
		decision <- resolveStageDecision(StagePublishIn, err)
	})
	err := <-decision

	if err != nil {
		s.srv.recordRejection(StagePublishIn)
		s.srv.warnIfConfigured(err)
		if responder != nil {
			responder.err(err)
		}
		return
	}

	pubErr := s.srv.broker().Exchange().Publish(context.Background(), payload.Channel, payload.Data)
	if pubErr != nil {
		if responder != nil {
			responder.err(pubErr)
		}
		return
	}
	if responder != nil {
		responder.end(nil)
	}
}

// disconnect implements spec §4.4's _disconnect: cancel the handshake
// timer, remove the socket from the server's client map, unbind from the
// broker, and emit disconnection. Safe to call more than once.
func (s *Socket) disconnect() {
	s.mu.Lock()
	if s.state == SocketClosed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state == SocketOpen
	s.state = SocketClosed
	s.mu.Unlock()

	s.clearHandshakeTimer()
	if wasOpen {
		s.srv.unregisterClient(s)
	}
	if err := s.srv.broker().Unbind(context.Background(), s); err != nil {
		s.srv.emitWarning(&BrokerUnbindFailedError{Cause: err})
	}
	s.srv.emit(EventDisconnection, s, nil)
	_ = s.conn.Close(1000, "")
}

func toWireError(err error) *protocol.WireError {
	if err == nil {
		return nil
	}
	if named, ok := err.(Error); ok {
		return &protocol.WireError{Name: named.Name(), Message: named.Error()}
	}
	return &protocol.WireError{Name: "Error", Message: err.Error()}
}

// Responder is the response correlator (C1): it owns the at-most-once
// reply guarantee for one correlated inbound request.
type Responder struct {
	socket *Socket
	rid    int64

	mu   sync.Mutex
	sent bool
}

func newResponder(socket *Socket, rid int64) *Responder {
	return &Responder{socket: socket, rid: rid}
}

// End replies with success, omitting data if nil.
func (r *Responder) End(data json.RawMessage) { r.end(data) }

// Err replies with failure, normalizing err into the wire error shape.
func (r *Responder) Err(err error) { r.err(err) }

// Callback is the end/error convenience form: a non-nil err replies with
// failure, otherwise with success.
func (r *Responder) Callback(err error, data json.RawMessage) {
	if err != nil {
		r.err(err)
		return
	}
	r.end(data)
}

func (r *Responder) end(data json.RawMessage) {
	r.respond(protocol.Response{RID: r.rid, Data: data})
}

func (r *Responder) err(err error) {
	r.respond(protocol.Response{RID: r.rid, Error: toWireError(err)})
}

// respond enforces the exactly-zero-or-one successful reply invariant
// (spec §4.1): a second attempt panics with ResponseAlreadySentError,
// matching the "programmer error, fails loudly" contract.
func (r *Responder) respond(resp protocol.Response) {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		panic(&ResponseAlreadySentError{RID: r.rid})
	}
	r.sent = true
	r.mu.Unlock()

	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		r.socket.srv.emitWarning(err)
		return
	}
	if sendErr := r.socket.conn.Send(frame); sendErr != nil {
		r.socket.srv.logger().Debug("responder send failed",
			zap.String("socket", r.socket.id), zap.Error(sendErr))
	}
}

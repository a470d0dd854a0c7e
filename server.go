package socketmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/socketmesh/socketmesh/internal/auth"
	"github.com/socketmesh/socketmesh/internal/broker"
	"github.com/socketmesh/socketmesh/internal/middleware"
	"github.com/socketmesh/socketmesh/internal/transport"
)

// EventHandler is the generic listener signature for application-defined
// event names (anything not one of the fixed lifecycle Event* constants).
type EventHandler func(sock *Socket, data json.RawMessage)

type lifecycleListener func(sock *Socket, payload any)

// server is the concrete C6 controller backing the Server interface.
// It accepts transports, runs the origin and handshake gates, owns the
// clients map, and dispatches inbound events through the middleware
// pipeline and broker.
type server struct {
	opts   Options
	stages *middleware.Stages

	httpServer *http.Server
	transport  *transport.Upgrader

	mu       sync.RWMutex
	running  bool
	clients  map[string]*Socket
	shutdown chan struct{}

	listenersMu sync.RWMutex
	lifecycle   map[string][]lifecycleListener
	userEvents  map[string][]EventHandler

	handshakeRejections  int64
	subscribeRejections  int64
	publishInRejections  int64
	publishOutRejections int64
	emitRejections       int64
	tokenVerifyFailures  int64
}

// New builds a Server from the given functional options, resolving
// every unset field to its documented default and constructing the
// token service. Returns *AuthKeyConfigError if authPrivateKey/
// authPublicKey are not specified together.
func New(options ...Option) (Server, error) {
	opts := Options{}
	defaultsTrue(&opts)
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	return &server{
		opts:       opts,
		stages:     middleware.NewStages(),
		transport:  transport.NewUpgrader(opts.PingInterval, opts.PingTimeout),
		clients:    make(map[string]*Socket),
		shutdown:   make(chan struct{}),
		lifecycle:  make(map[string][]lifecycleListener),
		userEvents: make(map[string][]EventHandler),
	}, nil
}

func (srv *server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(srv.opts.Path, srv.handleUpgrade)
	return mux
}

// Start implements Server. It begins accepting transports at
// Options.Path and blocks until ctx is cancelled, Shutdown is called, or a
// fatal listen error occurs.
func (srv *server) Start(ctx context.Context) error {
	srv.mu.Lock()
	if srv.running {
		srv.mu.Unlock()
		return errors.New("socketmesh: server already running")
	}
	srv.running = true

	if srv.opts.HTTPServer != nil {
		srv.httpServer = srv.opts.HTTPServer
		if srv.httpServer.Handler == nil {
			srv.httpServer.Handler = srv.buildHandler()
		}
	} else {
		srv.httpServer = &http.Server{
			Addr:    srv.opts.Addr,
			Handler: srv.buildHandler(),
		}
	}
	srv.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		<-srv.opts.BrokerEngine.Ready()
		srv.emit(EventReady, nil, nil)
	}()

	select {
	case err := <-errCh:
		srv.mu.Lock()
		srv.running = false
		srv.mu.Unlock()
		return err
	case <-srv.shutdown:
		return nil
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(stopCtx)
	}
}

// Shutdown implements Server: stop accepting new transports, unbind and
// close every open socket, then shut down the HTTP server.
func (srv *server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return nil
	}
	srv.running = false
	close(srv.shutdown)
	sockets := make([]*Socket, 0, len(srv.clients))
	for _, s := range srv.clients {
		sockets = append(sockets, s)
	}
	srv.mu.Unlock()

	for _, s := range sockets {
		s.disconnect()
	}

	if srv.httpServer != nil {
		return srv.httpServer.Shutdown(ctx)
	}
	return nil
}

// AddMiddleware implements Server. fn must match the typed gate
// signature for stage (HandshakeGate, EmitGate, SubscribeGate,
// PublishInGate, or PublishOutGate); a mismatched type panics, since a
// wrong gate signature is a programming error the caller needs to see
// immediately, not silently drop at runtime.
func (srv *server) AddMiddleware(stage Stage, fn any) {
	erased, ok := adaptGate(stage, fn)
	if !ok {
		unknownStagePanic(stage)
	}
	srv.stages.Add(string(stage), fn, erased)
}

// RemoveMiddleware implements Server. A gate not currently registered
// under stage is a no-op.
func (srv *server) RemoveMiddleware(stage Stage, fn any) {
	srv.stages.Remove(string(stage), fn)
}

// On implements Server: register a listener for one of the fixed
// lifecycle events or, for any other event name, a generic EventHandler
// invoked whenever a client emits that event and the emit stage accepts
// it.
func (srv *server) On(event string, handler any) {
	adapted, isLifecycle, ok := adaptListener(event, handler)
	if isLifecycle {
		if !ok {
			panic(fmt.Sprintf("socketmesh: handler for event %q has the wrong signature", event))
		}
		srv.listenersMu.Lock()
		srv.lifecycle[event] = append(srv.lifecycle[event], adapted)
		srv.listenersMu.Unlock()
		return
	}

	eh, ok := handler.(EventHandler)
	if !ok {
		if fn, ok := handler.(func(*Socket, json.RawMessage)); ok {
			eh = fn
		} else {
			panic(fmt.Sprintf("socketmesh: handler for event %q must be an EventHandler", event))
		}
	}
	srv.listenersMu.Lock()
	srv.userEvents[event] = append(srv.userEvents[event], eh)
	srv.listenersMu.Unlock()
}

// Stats implements Server.
func (srv *server) Stats() Stats {
	srv.mu.RLock()
	count := len(srv.clients)
	srv.mu.RUnlock()

	return Stats{
		ClientsCount:         count,
		HandshakeRejections:  atomic.LoadInt64(&srv.handshakeRejections),
		SubscribeRejections:  atomic.LoadInt64(&srv.subscribeRejections),
		PublishInRejections:  atomic.LoadInt64(&srv.publishInRejections),
		PublishOutRejections: atomic.LoadInt64(&srv.publishOutRejections),
		EmitRejections:       atomic.LoadInt64(&srv.emitRejections),
		TokenVerifyFailures:  atomic.LoadInt64(&srv.tokenVerifyFailures),
	}
}

// adaptListener resolves handler's expected signature for event. The
// second return reports whether event is one of the fixed lifecycle
// names (as opposed to an application event name).
func adaptListener(event string, handler any) (fn lifecycleListener, isLifecycle, ok bool) {
	switch event {
	case EventConnection, EventDisconnection, EventHandshake:
		h, ok := handler.(func(*Socket))
		if !ok {
			return nil, true, false
		}
		return func(sock *Socket, _ any) { h(sock) }, true, true
	case EventError, EventBadSocketAuthToken:
		h, ok := handler.(func(*Socket, error))
		if !ok {
			return nil, true, false
		}
		return func(sock *Socket, payload any) {
			err, _ := payload.(error)
			h(sock, err)
		}, true, true
	case EventWarning:
		h, ok := handler.(func(error))
		if !ok {
			return nil, true, false
		}
		return func(_ *Socket, payload any) {
			err, _ := payload.(error)
			h(err)
		}, true, true
	case EventReady:
		h, ok := handler.(func())
		if !ok {
			return nil, true, false
		}
		return func(*Socket, any) { h() }, true, true
	default:
		return nil, false, false
	}
}

func (srv *server) emit(event string, sock *Socket, payload any) {
	srv.listenersMu.RLock()
	listeners := srv.lifecycle[event]
	srv.listenersMu.RUnlock()
	for _, l := range listeners {
		l(sock, payload)
	}
}

func (srv *server) emitWarning(err error) {
	srv.emit(EventWarning, nil, err)
}

// warnIfConfigured emits a warning event for a gate rejection, unless the
// rejection is a silent block - the silent-block contract (spec §4.3)
// never produces a warning regardless of MiddlewareEmitWarnings.
func (srv *server) warnIfConfigured(err error) {
	if _, silent := err.(*SilentMiddlewareBlockedError); silent {
		return
	}
	if srv.opts.MiddlewareEmitWarnings {
		srv.emitWarning(err)
	}
}

func (srv *server) dispatchEvent(event string, sock *Socket, data json.RawMessage) {
	srv.listenersMu.RLock()
	handlers := srv.userEvents[event]
	srv.listenersMu.RUnlock()
	for _, h := range handlers {
		h(sock, data)
	}
}

func (srv *server) registerClient(s *Socket) {
	srv.mu.Lock()
	srv.clients[s.ID()] = s
	srv.mu.Unlock()
}

func (srv *server) unregisterClient(s *Socket) {
	srv.mu.Lock()
	delete(srv.clients, s.ID())
	srv.mu.Unlock()
}

func (srv *server) recordRejection(stage Stage) {
	switch stage {
	case StageHandshake:
		atomic.AddInt64(&srv.handshakeRejections, 1)
	case StageSubscribe:
		atomic.AddInt64(&srv.subscribeRejections, 1)
	case StagePublishIn:
		atomic.AddInt64(&srv.publishInRejections, 1)
	case StagePublishOut:
		atomic.AddInt64(&srv.publishOutRejections, 1)
	case StageEmit:
		atomic.AddInt64(&srv.emitRejections, 1)
	}
}

func (srv *server) broker() broker.Broker { return srv.opts.BrokerEngine }

func (srv *server) upgrader() *transport.Upgrader { return srv.transport }

func (srv *server) logger() *zap.Logger { return srv.opts.Logger }

// verifyToken delegates to the configured token service, restricted to
// the server's configured signing algorithm, and counts failures for
// Stats.
func (srv *server) verifyToken(signed string) (auth.Token, error) {
	token, err := srv.opts.AuthEngine.Verify(signed, auth.VerifyOptions{
		AllowedAlgorithms: []auth.Algorithm{srv.opts.AuthAlgorithm},
	})
	if err != nil {
		atomic.AddInt64(&srv.tokenVerifyFailures, 1)
		return auth.Token{}, classifyVerifyErr(err)
	}
	return token, nil
}

// classifyVerifyErr maps the token service's three distinguished failure
// kinds (spec §4.2) onto the matching wire-visible error type. This is the
// initial #handshake/#authenticate verification path; it is distinct from
// expiredTokenError's later re-check of an already-stored token.
func classifyVerifyErr(err error) error {
	var verr *auth.VerifyError
	if errors.As(err, &verr) {
		switch verr.Kind {
		case auth.FailureExpired:
			return &TokenExpiredError{Cause: verr.Cause}
		case auth.FailureMalformed:
			return &TokenMalformedError{Cause: verr.Cause}
		default:
			return &TokenInvalidError{Cause: verr.Cause}
		}
	}
	return &TokenInvalidError{Cause: err}
}

// handleUpgrade is the HTTP handler mounted at Options.Path: it runs the
// origin check and handshake middleware stage before ever touching the
// transport (spec §4.7).
func (srv *server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, srv.opts.Origins); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	decision := make(chan error, 1)
	req := HandshakeRequest{Req: r}
	srv.stages.Run(string(StageHandshake), req, func(error) {
		srv.emitWarning(&MiddlewareDoubleCallbackError{Stage: string(StageHandshake)})
	}, func(err error) {
		decision <- resolveStageDecision(StageHandshake, err)
	})
	if err := <-decision; err != nil {
		srv.recordRejection(StageHandshake)
		srv.warnIfConfigured(err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := srv.upgrader().Upgrade(w, r)
	if err != nil {
		srv.emitWarning(fmt.Errorf("socketmesh: upgrade: %w", err))
		return
	}

	id := uuid.New().String()
	sock := newSocket(id, conn, srv)
	sock.armHandshakeTimer(srv.opts.AckTimeout)
	srv.emit(EventHandshake, sock, nil)

	go conn.ReadLoop(func(raw []byte) error {
		sock.handleFrame(raw)
		return nil
	}, func(error) {
		sock.disconnect()
	})
}

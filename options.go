package socketmesh

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/socketmesh/socketmesh/internal/auth"
	"github.com/socketmesh/socketmesh/internal/broker"
)

// Options configures a Server. Mirrors the teacher's ServerConfig shape
// generalized to the full configuration table in spec §6; zero-value
// fields fall back to the documented defaults in New.
type Options struct {
	Addr string
	Path string // transport mount path, default "/socketcluster/"

	BrokerEngine broker.Broker // default: in-process simple broker
	HTTPServer   *http.Server  // default: own server on Addr

	AllowClientPublish bool // default true
	AckTimeout         time.Duration
	PingInterval       time.Duration
	PingTimeout        time.Duration

	Origins OriginPolicy // default AnyOrigin()

	AppName string // default: fresh UUID

	AuthKey        []byte
	AuthPrivateKey any
	AuthPublicKey  any
	AuthAlgorithm  auth.Algorithm
	AuthDefaultExpirySeconds int64 // default 86400
	AuthEngine     *auth.Service

	MiddlewareEmitWarnings bool // default true
	GateAuthenticate       bool // default false, see Open Question #1

	// RateLimit and RateLimitBurst configure the per-socket inbound
	// flood-control pre-filter applied to emit/publishIn. RateLimit == 0
	// (the default) disables rate limiting entirely.
	RateLimit      rate.Limit
	RateLimitBurst int

	Logger *zap.Logger

	HandleProtocols func(protocols []string) string
}

// Option is a functional setter over Options, grounded on the
// core.New(core.WithValidator(...)) layering documented for
// auth0-go-jwt-middleware.
type Option func(*Options)

// WithAddr sets the listen address.
func WithAddr(addr string) Option { return func(o *Options) { o.Addr = addr } }

// WithAuthKey sets the symmetric signing/verification key.
func WithAuthKey(key []byte) Option { return func(o *Options) { o.AuthKey = key } }

// WithAsymmetricAuthKeys sets the private/public key pair for asymmetric
// token signing.
func WithAsymmetricAuthKeys(priv, pub any) Option {
	return func(o *Options) {
		o.AuthPrivateKey = priv
		o.AuthPublicKey = pub
	}
}

// WithBroker overrides the default in-process broker.
func WithBroker(b broker.Broker) Option { return func(o *Options) { o.BrokerEngine = b } }

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithOrigins sets the accepted-origin policy.
func WithOrigins(p OriginPolicy) Option { return func(o *Options) { o.Origins = p } }

// WithAllowClientPublish toggles whether #publish is accepted from
// clients.
func WithAllowClientPublish(allow bool) Option {
	return func(o *Options) { o.AllowClientPublish = allow }
}

// WithGateAuthenticate toggles whether #authenticate runs through the
// emit-adjacent gating path (Open Question #1 in spec §9; default off).
func WithGateAuthenticate(gate bool) Option {
	return func(o *Options) { o.GateAuthenticate = gate }
}

// WithAckTimeout overrides the handshake timer duration (default 10s).
// It is used only for the handshake timer; no reply or acknowledgement
// timeout is derived from it.
func WithAckTimeout(d time.Duration) Option { return func(o *Options) { o.AckTimeout = d } }

// WithPingInterval overrides the interval at which the transport sends
// keepalive pings (default 8s). It is not included in the handshake reply.
func WithPingInterval(d time.Duration) Option { return func(o *Options) { o.PingInterval = d } }

// WithPingTimeout overrides the keepalive read deadline (default 20s).
func WithPingTimeout(d time.Duration) Option { return func(o *Options) { o.PingTimeout = d } }

// WithPath overrides the transport mount path (default "/socketcluster/").
func WithPath(path string) Option { return func(o *Options) { o.Path = path } }

// WithAuthAlgorithm overrides the default signing/verification algorithm.
func WithAuthAlgorithm(alg auth.Algorithm) Option {
	return func(o *Options) { o.AuthAlgorithm = alg }
}

// WithMiddlewareEmitWarnings toggles whether non-silent gate rejections
// are emitted as warning events (default true).
func WithMiddlewareEmitWarnings(emit bool) Option {
	return func(o *Options) { o.MiddlewareEmitWarnings = emit }
}

// WithRateLimit enables the per-socket inbound flood-control pre-filter
// on emit/publishIn, adapted from the teacher's Client.CheckRateLimit
// token bucket. eventsPerSecond <= 0 leaves rate limiting disabled.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(o *Options) {
		o.RateLimit = rate.Limit(eventsPerSecond)
		o.RateLimitBurst = burst
	}
}

// applyDefaults fills zero-value fields with spec §6's documented
// defaults and validates the asymmetric-key pairing rule, returning
// *AuthKeyConfigError on violation (a fatal, construction-time error).
func (o *Options) applyDefaults() error {
	if o.Path == "" {
		o.Path = "/socketcluster/"
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 8 * time.Second
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = 20 * time.Second
	}
	if o.AppName == "" {
		o.AppName = uuid.New().String()
	}
	if o.AuthAlgorithm == "" {
		o.AuthAlgorithm = auth.AlgHS256
	}
	if o.AuthDefaultExpirySeconds == 0 {
		o.AuthDefaultExpirySeconds = 86400
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.BrokerEngine == nil {
		o.BrokerEngine = broker.New()
	}
	if o.Origins == nil {
		o.Origins = AnyOrigin()
	}

	hasPriv := o.AuthPrivateKey != nil
	hasPub := o.AuthPublicKey != nil
	if hasPriv != hasPub {
		return &AuthKeyConfigError{Reason: "authPrivateKey and authPublicKey must be specified together"}
	}

	if o.AuthEngine == nil {
		switch {
		case hasPriv && hasPub:
			o.AuthEngine = auth.NewAsymmetric(o.AuthPrivateKey, o.AuthPublicKey)
		default:
			key := o.AuthKey
			if key == nil {
				generated, err := auth.GenerateSymmetricKey(rand.Read)
				if err != nil {
					return fmt.Errorf("socketmesh: %w", err)
				}
				key = generated
			}
			o.AuthEngine = auth.NewSymmetric(key)
		}
	}

	// AllowClientPublish and MiddlewareEmitWarnings default to true; since
	// Go's zero value for bool is false, callers that want the default
	// must go through New rather than constructing Options directly with
	// zero values for these two fields left unset. New always calls
	// defaultsTrue first.
	return nil
}

// defaultsTrue sets the true-by-default booleans (AllowClientPublish and
// MiddlewareEmitWarnings) to true; New calls this before applying caller
// options so an explicit WithAllowClientPublish(false) still wins.
func defaultsTrue(o *Options) {
	o.AllowClientPublish = true
	o.MiddlewareEmitWarnings = true
}

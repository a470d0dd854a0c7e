// Package ws is a thin public constructor mirroring socketmesh's
// internal server construction, so callers can depend on a narrow import
// surface instead of reaching into the root package directly.
package ws

import "github.com/socketmesh/socketmesh"

type Option = socketmesh.Option
type Server = socketmesh.Server
type Options = socketmesh.Options

// New builds a socketmesh Server from the given functional options.
//
// Example:
//
//	srv, err := ws.New(
//	    ws.WithAddr(":8080"),
//	    ws.WithAuthKey([]byte("change-me")),
//	)
func New(opts ...Option) (Server, error) {
	return socketmesh.New(opts...)
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option { return socketmesh.WithAddr(addr) }

// WithAuthKey sets the symmetric signing/verification key.
func WithAuthKey(key []byte) Option { return socketmesh.WithAuthKey(key) }

// WithOrigins sets the accepted-origin policy.
func WithOrigins(p socketmesh.OriginPolicy) Option { return socketmesh.WithOrigins(p) }

// AllOrigins returns the policy that accepts every origin.
func AllOrigins() socketmesh.OriginPolicy { return socketmesh.AnyOrigin() }

// Package broker implements the C5 broker adapter: binding/unbinding a
// session to the pub/sub substrate and fanning published messages out to
// every subscriber of a channel. It is the only subsystem permitted to
// touch cross-session state - the server controller never iterates a
// client map to deliver a publish itself.
//
// The default Broker is a simple in-process channel registry, matching
// spec §6's "brokerEngine ... default: in-process simple broker". Any
// type satisfying the Broker interface can be swapped in via
// socketmesh.Options.BrokerEngine.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Subscriber is the minimal surface the broker needs from a bound
// session: a stable identity and a way to deliver a publish-out frame.
// It intentionally knows nothing about sockets, middleware, or tokens -
// socket.go adapts *Socket to this interface.
type Subscriber interface {
	ID() string
	// Deliver runs the publishOut gate for channel/data and, on accept,
	// writes the frame to the subscriber's transport. The broker does not
	// care about the outcome beyond the returned error for fan-out
	// bookkeeping; a rejected or dropped delivery to one subscriber never
	// affects another.
	Deliver(ctx context.Context, channel string, data json.RawMessage) error
}

// Broker is the interface the server controller consumes. bind/unbind
// register or release a subscriber against the broker's subscription
// index; Exchange returns the publish handle.
type Broker interface {
	Bind(ctx context.Context, sub Subscriber) error
	Unbind(ctx context.Context, sub Subscriber) error
	Subscribe(ctx context.Context, sub Subscriber, channel string) error
	Unsubscribe(ctx context.Context, sub Subscriber, channel string) error
	Exchange() Exchange
	// Ready is closed once the broker has completed any startup work
	// (e.g. connecting to a remote pub/sub cluster). The in-process
	// broker closes it immediately.
	Ready() <-chan struct{}
}

// Exchange is the publish handle returned by Broker.Exchange.
type Exchange interface {
	Publish(ctx context.Context, channel string, data json.RawMessage) error
}

// InProcess is the default Broker: a channel name -> subscriber set map
// guarded by a RWMutex, with concurrent fan-out on publish via errgroup -
// one goroutine per subscriber, joined before Publish returns.
type InProcess struct {
	mu       sync.RWMutex
	channels map[string]map[string]Subscriber // channel -> subscriberID -> Subscriber
	bound    map[string]Subscriber            // subscriberID -> Subscriber, for unbind-all
	ready    chan struct{}
}

// New returns a ready-to-use in-process broker.
func New() *InProcess {
	ready := make(chan struct{})
	close(ready)
	return &InProcess{
		channels: make(map[string]map[string]Subscriber),
		bound:    make(map[string]Subscriber),
		ready:    ready,
	}
}

// Bind registers sub so it can later Subscribe to channels.
func (b *InProcess) Bind(_ context.Context, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[sub.ID()] = sub
	return nil
}

// Unbind removes sub from every channel it subscribed to and from the
// bound registry. Safe to call more than once for the same subscriber.
func (b *InProcess) Unbind(_ context.Context, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bound, sub.ID())
	for channel, subs := range b.channels {
		delete(subs, sub.ID())
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
	return nil
}

// Subscribe records that sub (already bound) wants deliveries for
// channel. Called by the server controller after the subscribe stage
// accepts.
func (b *InProcess) Subscribe(_ context.Context, sub Subscriber, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.bound[sub.ID()]; !ok {
		return fmt.Errorf("broker: subscriber %s is not bound", sub.ID())
	}
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[string]Subscriber)
		b.channels[channel] = subs
	}
	subs[sub.ID()] = sub
	return nil
}

// Unsubscribe removes sub from channel only, leaving its bind intact.
func (b *InProcess) Unsubscribe(_ context.Context, sub Subscriber, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.channels[channel]; ok {
		delete(subs, sub.ID())
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
	return nil
}

// Ready is closed immediately for the in-process broker; there is no
// remote connection to establish.
func (b *InProcess) Ready() <-chan struct{} { return b.ready }

// Exchange returns the publish handle backed by this broker's channel
// registry.
func (b *InProcess) Exchange() Exchange { return exchange{b} }

type exchange struct{ b *InProcess }

// Publish fans data out to every current subscriber of channel
// concurrently, one goroutine per subscriber via errgroup, and waits for
// all deliveries before returning. A single subscriber's delivery error
// does not cancel delivery to the others - errgroup.Group is used purely
// for the join, not for error-triggered cancellation, so WithContext is
// deliberately not used here.
func (e exchange) Publish(ctx context.Context, channel string, data json.RawMessage) error {
	e.b.mu.RLock()
	subs := make([]Subscriber, 0, len(e.b.channels[channel]))
	for _, s := range e.b.channels[channel] {
		subs = append(subs, s)
	}
	e.b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, s := range subs {
		s := s
		g.Go(func() error {
			// Errors are per-subscriber and already logged by the
			// caller's Deliver implementation; swallow here so one
			// subscriber's failure never surfaces as the publish's
			// overall error and never cancels sibling deliveries.
			_ = s.Deliver(ctx, channel, data)
			return nil
		})
	}
	return g.Wait()
}

// SubscriberCount reports how many subscribers currently listen on
// channel. Used by tests and by Stats-style introspection.
func (b *InProcess) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

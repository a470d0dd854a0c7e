// Package middleware implements the staged gate-chain engine (C3):
// sequential execution of an ordered gate list for a named stage, with
// first-non-null-decision short-circuiting and double-callback guarding.
//
// The package is deliberately type-erased (every gate operates on `any`)
// so it can be shared across the five differently-shaped request records
// (handshake/emit/subscribe/publishIn/publishOut) without an import cycle
// back to the package that defines those concrete shapes.
package middleware

import (
	"errors"
	"reflect"
	"sync"
)

// ErrDoubleCallback is reported to the caller's warn hook when a gate's
// continuation fires more than once. The second invocation is otherwise
// ignored, per the spec's double-callback-protection contract.
var ErrDoubleCallback = errors.New("middleware: gate continuation invoked more than once")

// Gate is the type-erased form of a stage gate function: it receives the
// stage's concrete request value and a continuation to invoke exactly
// once with nil (accept) or a non-nil error (reject).
type Gate func(req any, next func(error))

type registered struct {
	// original holds the caller-supplied typed function (e.g. a
	// socketmesh.EmitGate) so RemoveMiddleware can find it again by
	// identity; gate is the type-erased adapter actually invoked.
	original any
	gate     Gate
}

// Stages holds the five named stage gate lists. Stage identifiers are
// plain strings here (the owning package defines its own typed Stage
// constants); lists may be mutated from any goroutine at any time, and
// Run snapshots its stage's list before executing so a concurrent
// Add/Remove never interleaves with an in-flight run.
type Stages struct {
	mu   sync.RWMutex
	list map[string][]registered
}

// NewStages returns an empty stage registry.
func NewStages() *Stages {
	return &Stages{list: make(map[string][]registered)}
}

// Add appends fn to stage's gate list. original is the caller's typed
// function value, kept for later identity-based removal; gate is the
// type-erased adapter the runner actually calls.
func (s *Stages) Add(stage string, original any, gate Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list[stage] = append(s.list[stage], registered{original: original, gate: gate})
}

// Remove deletes the gate registered with the given original function
// value from stage's list, by pointer identity. A function not currently
// registered is a no-op.
func (s *Stages) Remove(stage string, original any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.list[stage]
	target := funcPointer(original)
	if target == 0 {
		return
	}

	out := make([]registered, 0, len(list))
	for _, r := range list {
		if funcPointer(r.original) == target {
			continue
		}
		out = append(out, r)
	}
	s.list[stage] = out
}

func funcPointer(fn any) uintptr {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

func (s *Stages) snapshot(stage string) []registered {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.list[stage]
	out := make([]registered, len(list))
	copy(out, list)
	return out
}

// Len reports how many gates are currently registered for stage. Useful
// for tests and for skipping pipeline setup entirely when a stage is
// empty.
func (s *Stages) Len(stage string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list[stage])
}

// Run executes stage's gates sequentially in registration order against
// req. done is invoked exactly once with the pipeline's decision: nil if
// every gate accepted, or the first rejecting gate's error. onWarn, if
// non-nil, is called once per double-callback event (never for the normal
// single-callback path - that classification belongs to the caller, which
// knows about the silent-block sentinel this package doesn't).
func (s *Stages) Run(stage string, req any, onWarn func(error), done func(error)) {
	gates := s.snapshot(stage)
	if len(gates) == 0 {
		done(nil)
		return
	}

	var idx int
	var finished bool
	var finishMu sync.Mutex

	finish := func(err error) {
		finishMu.Lock()
		if finished {
			finishMu.Unlock()
			return
		}
		finished = true
		finishMu.Unlock()
		done(err)
	}

	var step func()
	step = func() {
		if idx >= len(gates) {
			finish(nil)
			return
		}
		g := gates[idx]
		idx++

		var called bool
		var callMu sync.Mutex

		g.gate(req, func(err error) {
			callMu.Lock()
			if called {
				callMu.Unlock()
				if onWarn != nil {
					onWarn(ErrDoubleCallback)
				}
				return
			}
			called = true
			callMu.Unlock()

			if err != nil {
				finish(err)
				return
			}
			step()
		})
	}
	step()
}

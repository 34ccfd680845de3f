package health

import (
	"context"
	"errors"
	"sync/atomic"
)

// Gate is a manually flipped readiness signal. A worker marks it ready once
// the media-plane session is attached and not-ready when draining begins.
// The zero value is not ready.
type Gate struct {
	ready  atomic.Bool
	reason atomic.Pointer[string]
}

// SetReady marks the gate ready.
func (g *Gate) SetReady() {
	g.ready.Store(true)
	g.reason.Store(nil)
}

// SetNotReady marks the gate not ready with a reason for the probe response.
func (g *Gate) SetNotReady(reason string) {
	g.ready.Store(false)
	g.reason.Store(&reason)
}

// Ready reports the current state.
func (g *Gate) Ready() bool {
	return g.ready.Load()
}

// Checker adapts the gate into a named readiness [Checker].
func (g *Gate) Checker(name string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if g.ready.Load() {
				return nil
			}
			reason := "not ready"
			if r := g.reason.Load(); r != nil {
				reason = *r
			}
			return errors.New(reason)
		},
	}
}

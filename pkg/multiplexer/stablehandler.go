package multiplexer

import (
	"sync/atomic"

	"github.com/illmade-knight/go-livesync/pkg/types"
)

// StableHandler is a dispatch function with a fixed identity whose target can
// be swapped at any time. A transport registers Handle once; callers change
// where events go with Set instead of re-registering.
type StableHandler struct {
	target atomic.Pointer[func(types.Event)]
}

// NewStableHandler returns a StableHandler that forwards to fn. fn may be nil.
func NewStableHandler(fn func(types.Event)) *StableHandler {
	h := &StableHandler{}
	h.Set(fn)
	return h
}

// Set replaces the target. A nil target drops events.
func (h *StableHandler) Set(fn func(types.Event)) {
	if fn == nil {
		h.target.Store(nil)
		return
	}
	h.target.Store(&fn)
}

// Handle forwards ev to the current target.
func (h *StableHandler) Handle(ev types.Event) {
	if fn := h.target.Load(); fn != nil {
		(*fn)(ev)
	}
}

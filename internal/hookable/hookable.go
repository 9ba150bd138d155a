// Package hookable provides the lifecycle-tree event substrate that the
// debug object model is built on. A Hookable is a node in an ownership tree:
// it offers named-event subscription and emission, owns child Hookables, and
// destroys the whole subtree deterministically when it is destroyed itself.
//
// Destroying a parent is the one generally-correct cleanup rule when
// consumers can attach listeners at any depth at any time: sessions end,
// threads vanish, and bindings are torn down, and in every case a single
// Destroy on the owner silences and releases everything beneath it.
package hookable

import (
	"sync"

	"github.com/dshills/dapper/internal/logger"
)

// EventDestroy is emitted on a node after its children have been destroyed
// and before its own listeners are cleared, so teardown is observable.
const EventDestroy = "destroy"

// Handler is a listener for a named event.
type Handler func(payload ...any)

// Unsubscribe removes the listener it was returned for. Calling it more than
// once, or after the node is destroyed, is a no-op.
type Unsubscribe func()

type listener struct {
	fn   Handler
	once bool
}

// Hookable is a node in the lifecycle tree.
type Hookable struct {
	mu         sync.Mutex
	parent     *Hookable
	children   map[*Hookable]struct{}
	listeners  map[string][]*listener
	destroying bool
	destroyed  bool
}

// New creates a Hookable. If parent is non-nil the new node is owned by it
// and will be destroyed when the parent is destroyed. Creating a child under
// an already-destroyed parent yields a node that is itself born destroyed.
func New(parent *Hookable) *Hookable {
	h := &Hookable{
		children:  make(map[*Hookable]struct{}),
		listeners: make(map[string][]*listener),
	}
	if parent != nil {
		if !parent.adopt(h) {
			h.destroyed = true
		} else {
			h.parent = parent
		}
	}
	return h
}

// adopt adds child to the node's owned set. Returns false if the node is
// already destroyed or being destroyed.
func (h *Hookable) adopt(child *Hookable) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed || h.destroying {
		return false
	}
	h.children[child] = struct{}{}
	return true
}

// On registers a listener for the named event and returns its unsubscribe.
// Listeners run in registration order. On a destroyed node the handler is
// never invoked and the returned unsubscribe is a no-op.
func (h *Hookable) On(event string, fn Handler) Unsubscribe {
	return h.register(event, fn, false)
}

// Once registers a listener that is removed after its first invocation, even
// if the handler panics.
func (h *Hookable) Once(event string, fn Handler) Unsubscribe {
	return h.register(event, fn, true)
}

func (h *Hookable) register(event string, fn Handler, once bool) Unsubscribe {
	if fn == nil {
		return func() {}
	}

	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return func() {}
	}
	l := &listener{fn: fn, once: once}
	h.listeners[event] = append(h.listeners[event], l)
	h.mu.Unlock()

	return func() {
		h.remove(event, l)
	}
}

func (h *Hookable) remove(event string, l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls := h.listeners[event]
	for i, cur := range ls {
		if cur == l {
			h.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// Emit invokes every listener registered for the named event, in
// registration order, with the given payload. Emitting on a destroyed node
// is silently ignored. A panicking handler does not stop the remaining
// handlers for the same emit.
func (h *Hookable) Emit(event string, payload ...any) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	ls := h.listeners[event]
	// Snapshot before invoking: handlers may subscribe or unsubscribe, and
	// once-listeners are removed up front so they cannot fire twice.
	snapshot := make([]*listener, len(ls))
	copy(snapshot, ls)
	kept := ls[:0]
	for _, l := range ls {
		if !l.once {
			kept = append(kept, l)
		}
	}
	h.listeners[event] = kept
	h.mu.Unlock()

	for _, l := range snapshot {
		invoke(event, l.fn, payload)
	}
}

func invoke(event string, fn Handler, payload []any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("event", event).
				Any("panic", r).
				Msg("event handler panicked")
		}
	}()
	fn(payload...)
}

// Destroy tears the node down: children are destroyed depth-first (each
// child's own Destroy runs), EventDestroy is emitted, listeners are cleared,
// the node is marked destroyed, and finally it detaches from its parent.
// Destroy is idempotent.
func (h *Hookable) Destroy() {
	h.mu.Lock()
	if h.destroyed || h.destroying {
		h.mu.Unlock()
		return
	}
	h.destroying = true
	children := make([]*Hookable, 0, len(h.children))
	for c := range h.children {
		children = append(children, c)
	}
	h.mu.Unlock()

	for _, c := range children {
		c.Destroy()
	}

	h.Emit(EventDestroy)

	h.mu.Lock()
	h.listeners = make(map[string][]*listener)
	h.children = make(map[*Hookable]struct{})
	h.destroyed = true
	parent := h.parent
	h.parent = nil
	h.mu.Unlock()

	if parent != nil {
		parent.disown(h)
	}
}

func (h *Hookable) disown(child *Hookable) {
	h.mu.Lock()
	delete(h.children, child)
	h.mu.Unlock()
}

// Destroyed reports whether the node has been destroyed.
func (h *Hookable) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// ListenerCount returns the number of listeners registered for the event.
func (h *Hookable) ListenerCount(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[event])
}

// ChildCount returns the number of owned children.
func (h *Hookable) ChildCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.children)
}

package debug

import (
	"sync"

	"github.com/dshills/dapper/internal/dap"
	"github.com/dshills/dapper/internal/hookable"
)

// BreakpointOptions carries the optional adapter-side behaviors of a
// breakpoint. Zero values mean a plain line breakpoint.
type BreakpointOptions struct {
	Condition    string
	HitCondition string
	LogMessage   string
}

// Breakpoint is a user intention: "stop at this location", independent of
// any session. It is owned by the Manager and outlives every session. Its
// per-session realizations are Bindings, which live under their Session and
// are destroyed with it; losing a session never loses the Breakpoint.
type Breakpoint struct {
	manager *Manager
	hook    *hookable.Hookable
	loc     Location
	opts    BreakpointOptions

	mu       sync.Mutex
	bindings map[*Binding]struct{}
}

func newBreakpoint(m *Manager, loc Location, opts BreakpointOptions) *Breakpoint {
	return &Breakpoint{
		manager:  m,
		hook:     hookable.New(m.hook),
		loc:      loc,
		opts:     opts,
		bindings: make(map[*Binding]struct{}),
	}
}

// Location returns the requested location.
func (bp *Breakpoint) Location() Location { return bp.loc }

// Key returns the breakpoint's identity, the canonical location key.
func (bp *Breakpoint) Key() string { return bp.loc.Key() }

// Options returns the breakpoint's adapter-side behaviors.
func (bp *Breakpoint) Options() BreakpointOptions { return bp.opts }

// Bindings returns the live per-session realizations.
func (bp *Breakpoint) Bindings() []*Binding {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	out := make([]*Binding, 0, len(bp.bindings))
	for b := range bp.bindings {
		out = append(out, b)
	}
	return out
}

// BindingFor returns the binding in the given session, nil if unbound there.
func (bp *Breakpoint) BindingFor(s *Session) *Binding {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for b := range bp.bindings {
		if b.session == s {
			return b
		}
	}
	return nil
}

// Bound reports whether at least one session realizes the breakpoint.
func (bp *Breakpoint) Bound() bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.bindings) > 0
}

// OnBound registers fn for each new Binding.
func (bp *Breakpoint) OnBound(fn func(b *Binding)) hookable.Unsubscribe {
	return bp.hook.On(EventBinding, func(payload ...any) {
		b, _ := payload[0].(*Binding)
		fn(b)
	})
}

// OnUnbound registers fn for each Binding teardown, whether from session
// death or breakpoint removal.
func (bp *Breakpoint) OnUnbound(fn func(b *Binding)) hookable.Unsubscribe {
	return bp.hook.On(EventUnbound, func(payload ...any) {
		b, _ := payload[0].(*Binding)
		fn(b)
	})
}

// OnHit registers fn for the debuggee stopping at this breakpoint in any
// session.
func (bp *Breakpoint) OnHit(fn func(b *Binding)) hookable.Unsubscribe {
	return bp.hook.On(EventHit, func(payload ...any) {
		b, _ := payload[0].(*Binding)
		fn(b)
	})
}

// OnBindFailed registers fn for an adapter declining to verify this
// breakpoint in a session.
func (bp *Breakpoint) OnBindFailed(fn func(s *Session, message string)) hookable.Unsubscribe {
	return bp.hook.On(EventBindFailed, func(payload ...any) {
		s, _ := payload[0].(*Session)
		message, _ := payload[1].(string)
		fn(s, message)
	})
}

// OnRemoved registers fn for the breakpoint's removal from the manager.
func (bp *Breakpoint) OnRemoved(fn func()) hookable.Unsubscribe {
	return bp.hook.On(EventRemoved, func(...any) { fn() })
}

func (bp *Breakpoint) addBinding(b *Binding) {
	bp.mu.Lock()
	bp.bindings[b] = struct{}{}
	bp.mu.Unlock()
}

func (bp *Breakpoint) removeBinding(b *Binding) {
	bp.mu.Lock()
	delete(bp.bindings, b)
	bp.mu.Unlock()
}

// toSourceBreakpoint renders the wire shape for a setBreakpoints request.
func (bp *Breakpoint) toSourceBreakpoint() dap.SourceBreakpoint {
	return dap.SourceBreakpoint{
		Line:         bp.loc.Line,
		Column:       bp.loc.Column,
		Condition:    bp.opts.Condition,
		HitCondition: bp.opts.HitCondition,
		LogMessage:   bp.opts.LogMessage,
	}
}

// Binding is the realization of one Breakpoint inside one Session: the
// adapter verified it and assigned it an id. It exists only while both ends
// do. In the ownership tree it hangs under the Session, so a dying session
// cascades into its bindings; each binding detaches itself from its
// Breakpoint and announces "unbound" from its own destroy hook, which
// covers every teardown path with one mechanism.
type Binding struct {
	session    *Session
	breakpoint *Breakpoint
	hook       *hookable.Hookable

	mu        sync.Mutex
	adapterID int
	line      int
	column    int
	message   string
	hitCount  int
}

func newBinding(s *Session, bp *Breakpoint, db dap.Breakpoint) *Binding {
	b := &Binding{
		session:    s,
		breakpoint: bp,
		hook:       hookable.New(s.hook),
		adapterID:  db.ID,
		line:       db.Line,
		column:     db.Column,
		message:    db.Message,
	}
	if b.line == 0 {
		b.line = bp.loc.Line
	}

	b.hook.On(hookable.EventDestroy, func(...any) {
		bp.removeBinding(b)
		bp.manager.forgetBinding(b)
		bp.hook.Emit(EventUnbound, b)
	})

	bp.addBinding(b)
	return b
}

// Session returns the session realizing the breakpoint.
func (b *Binding) Session() *Session { return b.session }

// Breakpoint returns the logical breakpoint this binding realizes.
func (b *Binding) Breakpoint() *Breakpoint { return b.breakpoint }

// AdapterID returns the adapter's id for this breakpoint, as reported in
// stopped events.
func (b *Binding) AdapterID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adapterID
}

// ActualLine returns where the adapter actually placed the breakpoint,
// which may differ from the requested line.
func (b *Binding) ActualLine() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.line
}

// ActualColumn returns the adapter-adjusted column, 0 when unreported.
func (b *Binding) ActualColumn() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.column
}

// HitCount returns how many stops this binding has caused.
func (b *Binding) HitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hitCount
}

// Destroyed reports whether the binding has been torn down.
func (b *Binding) Destroyed() bool { return b.hook.Destroyed() }

// Verified reports whether the adapter currently verifies this binding.
// Bindings only ever materialize from verified setBreakpoints entries and
// are destroyed the moment verification is withdrawn, so a live binding is
// always verified.
func (b *Binding) Verified() bool { return !b.hook.Destroyed() }

// OnHit registers fn for the debuggee stopping at this binding.
func (b *Binding) OnHit(fn func(t *Thread)) hookable.Unsubscribe {
	return b.hook.On(EventHit, func(payload ...any) {
		t, _ := payload[0].(*Thread)
		fn(t)
	})
}

// OnUnbound registers fn for this binding's teardown.
func (b *Binding) OnUnbound(fn func()) hookable.Unsubscribe {
	return b.hook.On(hookable.EventDestroy, func(...any) { fn() })
}

// update refreshes the adapter-reported placement after a re-bind.
func (b *Binding) update(db dap.Breakpoint) {
	b.mu.Lock()
	b.adapterID = db.ID
	if db.Line != 0 {
		b.line = db.Line
	}
	b.column = db.Column
	b.message = db.Message
	b.mu.Unlock()
}

func (b *Binding) markHit(t *Thread) {
	b.mu.Lock()
	b.hitCount++
	b.mu.Unlock()

	b.hook.Emit(EventHit, t)
	b.breakpoint.hook.Emit(EventHit, b)
	b.session.hook.Emit(EventBindingHit, b)
}

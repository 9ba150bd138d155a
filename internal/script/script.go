// Package script embeds a Lua runtime with a `dap` module, so debugging
// behavior can be scripted: add and remove breakpoints, and react to engine
// events from Lua handlers.
//
// gopher-lua's LState is not goroutine-safe, and engine events fire on
// arbitrary goroutines. The runtime therefore never calls into Lua from an
// event callback directly: callbacks are queued and executed by the
// goroutine that owns the state, either inside Run or an explicit Drain.
package script

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/dapper/internal/debug"
	"github.com/dshills/dapper/internal/logger"
)

// handlerTableKey is the Lua global holding subscribed handler functions,
// keyed by subscription id. Keeping them in a reachable table prevents
// collection while Go still references the subscription.
const handlerTableKey = "_dap_handlers"

// removeTimeout bounds the adapter round-trips a dap.remove() can trigger.
const removeTimeout = 10 * time.Second

type subscription struct {
	event string
}

// Runtime is one Lua state wired to one Engine.
type Runtime struct {
	engine  *debug.Engine
	L       *lua.LState
	closing chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	handlerTbl *lua.LTable
	subs       map[int64]subscription
	nextID     int64
	closed     bool
	runDone    chan struct{}

	queue chan func(L *lua.LState)
}

// New creates a runtime and registers the `dap` module into a fresh state.
func New(engine *debug.Engine) *Runtime {
	r := &Runtime{
		engine:  engine,
		L:       lua.NewState(),
		closing: make(chan struct{}),
		subs:    make(map[int64]subscription),
		queue:   make(chan func(L *lua.LState), 256),
	}
	r.register()
	r.watchEngine()
	return r
}

// Close stops the event loop and releases the Lua state. If Run is active it
// is joined first, so no callback is ever executing when the state closes.
// Callbacks still queued are dropped. Safe to call more than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		done := r.runDone
		r.mu.Unlock()

		close(r.closing)
		if done != nil {
			<-done
		}
		r.L.Close()
	})
}

// LoadFile executes a script file in the runtime's state. Must be called
// from the goroutine that owns the runtime.
func (r *Runtime) LoadFile(path string) error {
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("script %s: %w", path, err)
	}
	return nil
}

// LoadString executes Lua source in the runtime's state.
func (r *Runtime) LoadString(src string) error {
	if err := r.L.DoString(src); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

// Run owns the state until the context ends or the runtime closes, executing
// queued event callbacks as they arrive.
func (r *Runtime) Run(ctx context.Context) {
	done := make(chan struct{})
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(done)
		return
	}
	r.runDone = done
	r.mu.Unlock()
	defer close(done)

	for {
		select {
		case fn := <-r.queue:
			fn(r.L)
		case <-r.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Drain executes every queued callback without blocking for more. For
// callers that own the state and want to interleave other work.
func (r *Runtime) Drain() {
	for {
		select {
		case fn := <-r.queue:
			fn(r.L)
		default:
			return
		}
	}
}

func (r *Runtime) register() {
	r.handlerTbl = r.L.NewTable()
	r.L.SetGlobal(handlerTableKey, r.handlerTbl)

	mod := r.L.NewTable()
	r.L.SetField(mod, "breakpoint", r.L.NewFunction(r.luaBreakpoint))
	r.L.SetField(mod, "remove", r.L.NewFunction(r.luaRemove))
	r.L.SetField(mod, "breakpoints", r.L.NewFunction(r.luaBreakpoints))
	r.L.SetField(mod, "on", r.L.NewFunction(r.luaOn))
	r.L.SetField(mod, "off", r.L.NewFunction(r.luaOff))
	r.L.SetGlobal("dap", mod)
}

// luaBreakpoint implements dap.breakpoint(path, line [, opts]).
// opts may carry condition, hit_condition, log_message, column.
func (r *Runtime) luaBreakpoint(L *lua.LState) int {
	path := L.CheckString(1)
	line := L.CheckInt(2)

	var opts debug.BreakpointOptions
	column := 0
	if L.GetTop() >= 3 {
		tbl := L.CheckTable(3)
		if v := L.GetField(tbl, "condition"); v != lua.LNil {
			opts.Condition = lua.LVAsString(v)
		}
		if v := L.GetField(tbl, "hit_condition"); v != lua.LNil {
			opts.HitCondition = lua.LVAsString(v)
		}
		if v := L.GetField(tbl, "log_message"); v != lua.LNil {
			opts.LogMessage = lua.LVAsString(v)
		}
		if v := L.GetField(tbl, "column"); v != lua.LNil {
			column = int(lua.LVAsNumber(v))
		}
	}

	loc := debug.Location{Path: path, Line: line, Column: column}
	bp := r.engine.Breakpoints().AddBreakpoint(loc, opts)
	L.Push(lua.LString(bp.Key()))
	return 1
}

// luaRemove implements dap.remove(path, line [, column]).
func (r *Runtime) luaRemove(L *lua.LState) int {
	path := L.CheckString(1)
	line := L.CheckInt(2)
	column := 0
	if L.GetTop() >= 3 {
		column = L.CheckInt(3)
	}

	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := r.engine.Breakpoints().RemoveBreakpoint(ctx, debug.Location{
		Path: path, Line: line, Column: column,
	})
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// luaBreakpoints implements dap.breakpoints(), returning a list of tables.
func (r *Runtime) luaBreakpoints(L *lua.LState) int {
	list := L.NewTable()
	for _, bp := range r.engine.Breakpoints().Breakpoints() {
		entry := L.NewTable()
		loc := bp.Location()
		L.SetField(entry, "path", lua.LString(loc.Path))
		L.SetField(entry, "line", lua.LNumber(loc.Line))
		if loc.Column > 0 {
			L.SetField(entry, "column", lua.LNumber(loc.Column))
		}
		L.SetField(entry, "bound", lua.LBool(bp.Bound()))
		list.Append(entry)
	}
	L.Push(list)
	return 1
}

// luaOn implements dap.on(event, fn), returning a subscription id.
func (r *Runtime) luaOn(L *lua.LState) int {
	event := L.CheckString(1)
	fn := L.CheckFunction(2)

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = subscription{event: event}
	r.mu.Unlock()

	r.L.RawSetInt(r.handlerTbl, int(id), fn)
	L.Push(lua.LNumber(id))
	return 1
}

// luaOff implements dap.off(id).
func (r *Runtime) luaOff(L *lua.LState) int {
	id := int64(L.CheckNumber(1))

	r.mu.Lock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok {
		r.L.RawSetInt(r.handlerTbl, int(id), lua.LNil)
	}
	L.Push(lua.LBool(ok))
	return 1
}

// watchEngine fans engine events into the callback queue.
func (r *Runtime) watchEngine() {
	r.engine.OnSession(func(s *debug.Session) {
		r.dispatch("session", map[string]any{
			"session": s.ID(),
			"name":    s.Name(),
		})
		s.OnBinding(func(b *debug.Binding) {
			r.dispatch("bound", bindingData(b))
		})
		s.OnBindingHit(func(b *debug.Binding) {
			r.dispatch("hit", bindingData(b))
		})
		s.OnThread(func(t *debug.Thread, reason string) {
			if reason != "started" {
				return
			}
			t.OnStopped(func(stopReason string) {
				r.dispatch("stopped", map[string]any{
					"session": s.ID(),
					"thread":  t.ID(),
					"reason":  stopReason,
				})
			})
		})
		s.OnOutput(func(category, output string) {
			r.dispatch("output", map[string]any{
				"session":  s.ID(),
				"category": category,
				"output":   output,
			})
		})
		s.OnTerminated(func() {
			r.dispatch("terminated", map[string]any{"session": s.ID()})
		})
		s.OnExited(func(exitCode int) {
			r.dispatch("exited", map[string]any{
				"session":   s.ID(),
				"exit_code": exitCode,
			})
		})
	})
	mgr := r.engine.Breakpoints()
	hooked := make(map[*debug.Breakpoint]bool)
	var hookedMu sync.Mutex
	hookBreakpoint := func(bp *debug.Breakpoint) {
		hookedMu.Lock()
		if hooked[bp] {
			hookedMu.Unlock()
			return
		}
		hooked[bp] = true
		hookedMu.Unlock()

		bp.OnUnbound(func(b *debug.Binding) {
			r.dispatch("unbound", map[string]any{
				"session": b.Session().ID(),
				"path":    bp.Location().Path,
				"line":    bp.Location().Line,
			})
		})
	}
	mgr.OnBreakpoint(hookBreakpoint)
	for _, bp := range mgr.Breakpoints() {
		hookBreakpoint(bp)
	}
}

func bindingData(b *debug.Binding) map[string]any {
	loc := b.Breakpoint().Location()
	return map[string]any{
		"session": b.Session().ID(),
		"path":    loc.Path,
		"line":    loc.Line,
		"actual":  b.ActualLine(),
		"hits":    b.HitCount(),
	}
}

// dispatch queues the event's handlers. Never calls into Lua itself; the
// owning goroutine does that when it drains the queue.
func (r *Runtime) dispatch(event string, data map[string]any) {
	r.mu.Lock()
	var ids []int64
	for id, sub := range r.subs {
		if sub.event == event {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	job := func(L *lua.LState) {
		for _, id := range ids {
			fn, ok := L.RawGetInt(r.handlerTbl, int(id)).(*lua.LFunction)
			if !ok {
				continue
			}
			tbl := L.NewTable()
			for k, v := range data {
				L.SetField(tbl, k, toLua(v))
			}
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lua.LString(event), tbl); err != nil {
				logger.Warn().Err(err).Str("event", event).Msg("lua handler failed")
			}
		}
	}

	select {
	case r.queue <- job:
	default:
		logger.Warn().Str("event", event).Msg("script queue full, dropping event")
	}
}

func toLua(v any) lua.LValue {
	switch x := v.(type) {
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case bool:
		return lua.LBool(x)
	default:
		return lua.LString(fmt.Sprintf("%v", x))
	}
}

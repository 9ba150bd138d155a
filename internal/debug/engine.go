package debug

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/dshills/dapper/internal/dap"
	"github.com/dshills/dapper/internal/hookable"
	"github.com/dshills/dapper/internal/logger"
)

// Engine is the root of the debug object tree. Everything hangs under it:
// the breakpoint Manager, every Session, and through them threads, stacks,
// and bindings. There is no package-level state; independent Engines
// coexist, and Close tears the whole tree down in one cascade.
type Engine struct {
	ctx     context.Context
	cancel  context.CancelFunc
	hook    *hookable.Hookable
	manager *Manager

	mu       sync.Mutex
	nextID   int
	sessions map[int]*Session
}

// New creates an Engine rooted in the given context. Background work such
// as event-triggered bind requests stops when the context is canceled or
// the engine is closed.
func New(ctx context.Context) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ctx:      ctx,
		cancel:   cancel,
		hook:     hookable.New(nil),
		sessions: make(map[int]*Session),
	}
	e.manager = newManager(ctx, e.hook)
	return e
}

// Breakpoints returns the engine's breakpoint manager.
func (e *Engine) Breakpoints() *Manager { return e.manager }

// NewStdioSession launches an adapter process and speaks DAP over its
// stdin/stdout.
func (e *Engine) NewStdioSession(name, command string, args ...string) (*Session, error) {
	cmd := exec.CommandContext(e.ctx, command, args...)
	transport, err := dap.NewStdioTransport(cmd)
	if err != nil {
		return nil, fmt.Errorf("launch adapter %s: %w", command, err)
	}
	return e.NewSession(name, transport), nil
}

// NewSocketSession connects to an adapter listening on a TCP address.
func (e *Engine) NewSocketSession(name, addr string) (*Session, error) {
	transport, err := dap.NewSocketTransport(addr)
	if err != nil {
		return nil, fmt.Errorf("connect adapter %s: %w", addr, err)
	}
	return e.NewSession(name, transport), nil
}

// NewSession creates a Session over an already-established transport and
// attaches it to the breakpoint engine. The caller still runs Start.
func (e *Engine) NewSession(name string, transport dap.Transport) *Session {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	s := newSession(e.hook, id, name, transport)

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	s.OnDestroy(func() {
		e.mu.Lock()
		delete(e.sessions, id)
		e.mu.Unlock()
	})

	e.manager.attachSession(s)
	e.hook.Emit(EventSession, s)
	logger.Info().Int("session", id).Str("name", name).Msg("session created")
	return s
}

// Session returns the session with the given id, nil if gone.
func (e *Engine) Session(id int) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// Sessions returns the live sessions.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// OnSession registers fn for each session created on this engine.
func (e *Engine) OnSession(fn func(s *Session)) hookable.Unsubscribe {
	return e.hook.On(EventSession, func(payload ...any) {
		s, _ := payload[0].(*Session)
		fn(s)
	})
}

// Close destroys the whole tree: sessions, their threads and bindings, the
// breakpoint manager, all listeners. Idempotent.
func (e *Engine) Close() {
	e.cancel()
	e.hook.Destroy()
}

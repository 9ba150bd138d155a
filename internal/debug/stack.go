package debug

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/dapper/internal/dap"
	"github.com/dshills/dapper/internal/hookable"
)

// Stack is the call stack captured while a Thread is stopped. It lives in
// the ownership tree under its Thread and is torn down the moment the
// thread resumes: frame ids, scope references, and variable references are
// only valid for one stop, so the Stack emits "invalidated" and destroys
// itself before the thread's state ever reads running again.
type Stack struct {
	thread *Thread
	hook   *hookable.Hookable

	mu          sync.Mutex
	frames      []*Frame
	totalFrames int

	// varCache memoizes variables requests per reference id. References are
	// scoped to the stop, so the cache dies with the Stack.
	varCache map[int][]*Variable
}

func newStack(ctx context.Context, t *Thread) (*Stack, error) {
	body, err := t.session.client.StackTrace(ctx, dap.StackTraceArguments{
		ThreadID: t.id,
	})
	if err != nil {
		return nil, fmt.Errorf("stack trace for thread %d: %w", t.id, err)
	}

	st := &Stack{
		thread:      t,
		hook:        hookable.New(t.hook),
		totalFrames: body.TotalFrames,
		varCache:    make(map[int][]*Variable),
	}
	for i, sf := range body.StackFrames {
		frame := &Frame{
			stack:  st,
			index:  i,
			id:     sf.ID,
			name:   sf.Name,
			line:   sf.Line,
			column: sf.Column,
		}
		if sf.Source != nil {
			frame.source = t.session.SourceFor(*sf.Source)
		}
		st.frames = append(st.frames, frame)
	}
	if st.totalFrames == 0 {
		st.totalFrames = len(st.frames)
	}
	return st, nil
}

// Thread returns the owning thread.
func (st *Stack) Thread() *Thread { return st.thread }

// Valid reports whether the stack still belongs to the current stop.
func (st *Stack) Valid() bool { return !st.hook.Destroyed() }

// Frames returns the captured frames, innermost first.
func (st *Stack) Frames() []*Frame {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]*Frame(nil), st.frames...)
}

// Top returns the innermost frame, or nil for an empty stack.
func (st *Stack) Top() *Frame {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.frames) == 0 {
		return nil
	}
	return st.frames[0]
}

// Depth returns the adapter-reported total frame count.
func (st *Stack) Depth() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.totalFrames
}

// OnInvalidated registers fn to run when the stack stops describing the
// debuggee, i.e. just before its thread resumes.
func (st *Stack) OnInvalidated(fn func()) hookable.Unsubscribe {
	return st.hook.On(EventInvalidated, func(...any) { fn() })
}

// invalidate announces the end of the stop and destroys the stack subtree.
// Callers must arrange that this happens before the thread is marked
// running.
func (st *Stack) invalidate() {
	st.hook.Emit(EventInvalidated)
	st.hook.Destroy()
	st.mu.Lock()
	st.varCache = nil
	st.mu.Unlock()
}

func (st *Stack) variables(ctx context.Context, ref int) ([]*Variable, error) {
	st.mu.Lock()
	if st.varCache == nil {
		st.mu.Unlock()
		return nil, fmt.Errorf("stack for thread %d: invalidated", st.thread.id)
	}
	if cached, ok := st.varCache[ref]; ok {
		st.mu.Unlock()
		return cached, nil
	}
	st.mu.Unlock()

	raw, err := st.thread.session.client.Variables(ctx, dap.VariablesArguments{
		VariablesReference: ref,
	})
	if err != nil {
		return nil, err
	}

	vars := make([]*Variable, len(raw))
	for i, dv := range raw {
		vars[i] = &Variable{stack: st, dv: dv}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.varCache == nil {
		return nil, fmt.Errorf("stack for thread %d: invalidated", st.thread.id)
	}
	st.varCache[ref] = vars
	return vars, nil
}

// Frame is one entry of a captured Stack. Scopes are fetched on first use.
type Frame struct {
	stack  *Stack
	index  int
	id     int
	name   string
	line   int
	column int
	source *Source

	mu     sync.Mutex
	scopes []*Scope
}

// Name returns the frame's display name, usually the function.
func (f *Frame) Name() string { return f.name }

// Line returns the 1-based execution line within the frame's source.
func (f *Frame) Line() int { return f.line }

// Column returns the execution column, 0 when the adapter omits it.
func (f *Frame) Column() int { return f.column }

// Source returns the frame's source, or nil when the adapter reported none.
func (f *Frame) Source() *Source { return f.source }

// Stack returns the owning stack.
func (f *Frame) Stack() *Stack { return f.stack }

// String renders "name (path:line)".
func (f *Frame) String() string {
	if f.source != nil {
		return fmt.Sprintf("%s (%s:%d)", f.name, f.source.Name(), f.line)
	}
	return f.name
}

// Up returns the calling frame (one step toward main), ok=false at the
// outermost frame.
func (f *Frame) Up() (*Frame, bool) {
	frames := f.stack.Frames()
	if f.index+1 >= len(frames) {
		return nil, false
	}
	return frames[f.index+1], true
}

// Down returns the called frame (one step toward the stop), ok=false at the
// innermost frame.
func (f *Frame) Down() (*Frame, bool) {
	if f.index == 0 {
		return nil, false
	}
	return f.stack.Frames()[f.index-1], true
}

// Scopes fetches the frame's variable scopes, cached for the stack's
// lifetime.
func (f *Frame) Scopes(ctx context.Context) ([]*Scope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scopes != nil {
		return f.scopes, nil
	}

	raw, err := f.stack.thread.session.client.Scopes(ctx, dap.ScopesArguments{
		FrameID: f.id,
	})
	if err != nil {
		return nil, fmt.Errorf("scopes for frame %q: %w", f.name, err)
	}

	scopes := make([]*Scope, len(raw))
	for i, ds := range raw {
		scopes[i] = &Scope{
			frame:     f,
			name:      ds.Name,
			reference: ds.VariablesReference,
			expensive: ds.Expensive,
		}
	}
	f.scopes = scopes
	return scopes, nil
}

// Evaluate evaluates an expression in this frame's context. evalContext is
// a DAP evaluate context such as "watch", "repl", or "hover".
func (f *Frame) Evaluate(ctx context.Context, expression, evalContext string) (*Variable, error) {
	body, err := f.stack.thread.session.client.Evaluate(ctx, dap.EvaluateArguments{
		Expression: expression,
		FrameID:    f.id,
		Context:    evalContext,
	})
	if err != nil {
		return nil, err
	}
	return &Variable{
		stack: f.stack,
		dv: dap.Variable{
			Name:               expression,
			Value:              body.Result,
			Type:               body.Type,
			VariablesReference: body.VariablesReference,
		},
	}, nil
}

// Scope is one variable scope of a Frame, e.g. "Locals" or "Globals".
type Scope struct {
	frame     *Frame
	name      string
	reference int
	expensive bool
}

// Name returns the scope's display name.
func (s *Scope) Name() string { return s.name }

// Expensive reports whether the adapter flagged this scope as costly to
// expand.
func (s *Scope) Expensive() bool { return s.expensive }

// Variables fetches the scope's variables, cached in the owning stack.
func (s *Scope) Variables(ctx context.Context) ([]*Variable, error) {
	if s.reference == 0 {
		return nil, nil
	}
	return s.frame.stack.variables(ctx, s.reference)
}

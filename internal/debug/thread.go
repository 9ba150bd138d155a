package debug

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/dapper/internal/dap"
	"github.com/dshills/dapper/internal/hookable"
	"github.com/dshills/dapper/internal/logger"
)

// ThreadState is the execution state of one debuggee thread.
type ThreadState int

const (
	// ThreadRunning means the thread is executing; stack and variables are
	// unavailable.
	ThreadRunning ThreadState = iota
	// ThreadStopped means the thread is paused and inspectable.
	ThreadStopped
)

// String returns the state name.
func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Thread mirrors one debuggee thread. It flips between running and stopped
// as the adapter reports; while stopped it can lazily capture a Stack.
//
// The resume path keeps a strict order: the cached Stack is invalidated and
// destroyed before the state reads running, so no "resumed" listener can
// ever observe a running thread that still exposes a stale stack.
type Thread struct {
	session *Session
	hook    *hookable.Hookable
	id      int

	mu         sync.Mutex
	name       string
	state      ThreadState
	stopReason string
	stack      *Stack
}

func newThread(s *Session, id int, name string) *Thread {
	return &Thread{
		session: s,
		hook:    hookable.New(s.hook),
		id:      id,
		name:    name,
		state:   ThreadRunning,
	}
}

// ID returns the adapter-assigned thread id.
func (t *Thread) ID() int { return t.id }

// Name returns the thread's display name.
func (t *Thread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Session returns the owning session.
func (t *Thread) Session() *Session { return t.session }

// State returns the current execution state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StopReason returns the adapter's reason for the current stop ("breakpoint",
// "step", ...), empty while running.
func (t *Thread) StopReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopReason
}

// OnStopped registers fn for each transition into the stopped state.
func (t *Thread) OnStopped(fn func(reason string)) hookable.Unsubscribe {
	return t.hook.On(EventStopped, func(payload ...any) {
		reason, _ := payload[0].(string)
		fn(reason)
	})
}

// OnResumed registers fn for each transition out of the stopped state.
func (t *Thread) OnResumed(fn func()) hookable.Unsubscribe {
	return t.hook.On(EventResumed, func(...any) { fn() })
}

// OnContinued registers fn for resumes caused by a continue, as opposed to
// steps.
func (t *Thread) OnContinued(fn func()) hookable.Unsubscribe {
	return t.hook.On(EventContinued, func(...any) { fn() })
}

// Stack captures the call stack. The thread must be stopped; the result is
// cached until the thread resumes.
func (t *Thread) Stack(ctx context.Context) (*Stack, error) {
	t.mu.Lock()
	if t.state != ThreadStopped {
		t.mu.Unlock()
		return nil, fmt.Errorf("thread %d: not stopped", t.id)
	}
	if t.stack != nil {
		st := t.stack
		t.mu.Unlock()
		return st, nil
	}
	t.mu.Unlock()

	st, err := newStack(ctx, t)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ThreadStopped {
		st.hook.Destroy()
		return nil, fmt.Errorf("thread %d: resumed during stack capture", t.id)
	}
	if t.stack != nil {
		// A concurrent capture won; keep the first.
		st.hook.Destroy()
		return t.stack, nil
	}
	t.stack = st
	return st, nil
}

// Pause asks the adapter to stop the thread. The state flips when the
// stopped event arrives, not on return.
func (t *Thread) Pause(ctx context.Context) error {
	return t.session.client.Pause(ctx, dap.PauseArguments{ThreadID: t.id})
}

// Continue resumes execution.
func (t *Thread) Continue(ctx context.Context) error {
	body, err := t.session.client.Continue(ctx, dap.ContinueArguments{ThreadID: t.id})
	if err != nil {
		return err
	}
	if body.AllThreadsContinued {
		t.session.resumeAll(true)
	} else {
		t.markResumed(true)
	}
	return nil
}

// StepOver executes the next line without entering calls.
func (t *Thread) StepOver(ctx context.Context) error {
	if err := t.session.client.Next(ctx, dap.NextArguments{ThreadID: t.id}); err != nil {
		return err
	}
	t.markResumed(false)
	return nil
}

// StepIn steps into the next call.
func (t *Thread) StepIn(ctx context.Context) error {
	if err := t.session.client.StepIn(ctx, dap.StepInArguments{ThreadID: t.id}); err != nil {
		return err
	}
	t.markResumed(false)
	return nil
}

// StepOut runs until the current frame returns.
func (t *Thread) StepOut(ctx context.Context) error {
	if err := t.session.client.StepOut(ctx, dap.StepOutArguments{ThreadID: t.id}); err != nil {
		return err
	}
	t.markResumed(false)
	return nil
}

func (t *Thread) setName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

// markStopped records a stop reported by the adapter.
func (t *Thread) markStopped(reason string) {
	t.mu.Lock()
	if t.state == ThreadStopped {
		t.stopReason = reason
		t.mu.Unlock()
		return
	}
	t.state = ThreadStopped
	t.stopReason = reason
	t.mu.Unlock()

	logger.Debug().Int("thread", t.id).Str("reason", reason).Msg("thread stopped")
	t.hook.Emit(EventStopped, reason)
}

// markResumed records a resume. The cached stack is invalidated strictly
// before the state flips, so listeners on either side agree on ordering.
func (t *Thread) markResumed(continued bool) {
	t.mu.Lock()
	if t.state == ThreadRunning {
		t.mu.Unlock()
		return
	}
	st := t.stack
	t.stack = nil
	t.mu.Unlock()

	if st != nil {
		st.invalidate()
	}

	t.mu.Lock()
	t.state = ThreadRunning
	t.stopReason = ""
	t.mu.Unlock()

	logger.Debug().Int("thread", t.id).Bool("continued", continued).Msg("thread resumed")
	t.hook.Emit(EventResumed)
	if continued {
		t.hook.Emit(EventContinued)
	}
}

// destroy tears the thread (and any cached stack) out of the tree.
func (t *Thread) destroy() {
	t.hook.Destroy()
}

package debug

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/dapper/internal/dap"
)

// fakeAdapter implements dap.Transport as a scripted debug adapter: it
// answers the handshake, verifies breakpoints, and serves canned stacks and
// variables. Tests drive it by pushing events.
type fakeAdapter struct {
	mu       sync.Mutex
	recv     chan *dap.Message
	closed   bool
	seq      int
	nextBPID int

	// reject marks lines the adapter refuses to verify.
	reject map[int]bool
	// moveTo remaps a requested line to a different verified line, the way
	// adapters adjust placements after a source edit.
	moveTo map[int]int
	// setBreakpointsCalls records every setBreakpoints request.
	setBreakpointsCalls []dap.SetBreakpointsArguments

	stackFrames []dap.StackFrame
	scopes      []dap.Scope
	variables   map[int][]dap.Variable
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		recv:      make(chan *dap.Message, 64),
		reject:    make(map[int]bool),
		moveTo:    make(map[int]int),
		variables: make(map[int][]dap.Variable),
	}
}

func (a *fakeAdapter) Send(msg *dap.Message) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return io.ErrClosedPipe
	}
	a.mu.Unlock()

	var req dap.Request
	if err := json.Unmarshal(msg.Content, &req); err != nil {
		return err
	}

	switch req.Command {
	case "initialize":
		a.respond(req, dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsConditionalBreakpoints:   true,
			SupportsTerminateRequest:         true,
		})
	case "launch", "attach":
		a.respond(req, nil)
		a.pushEvent(dap.EventInitialized, nil)
	case "setBreakpoints":
		var args dap.SetBreakpointsArguments
		json.Unmarshal(req.Arguments, &args)

		a.mu.Lock()
		a.setBreakpointsCalls = append(a.setBreakpointsCalls, args)
		var bps []dap.Breakpoint
		for _, sb := range args.Breakpoints {
			if a.reject[sb.Line] {
				bps = append(bps, dap.Breakpoint{Verified: false, Message: "no executable code"})
				continue
			}
			line := sb.Line
			if to, ok := a.moveTo[sb.Line]; ok {
				line = to
			}
			a.nextBPID++
			bps = append(bps, dap.Breakpoint{ID: a.nextBPID, Verified: true, Line: line})
		}
		a.mu.Unlock()
		a.respond(req, dap.SetBreakpointsResponseBody{Breakpoints: bps})
	case "threads":
		a.respond(req, dap.ThreadsResponseBody{Threads: []dap.Thread{{ID: 1, Name: "main"}}})
	case "stackTrace":
		a.mu.Lock()
		frames := a.stackFrames
		a.mu.Unlock()
		a.respond(req, dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: len(frames)})
	case "scopes":
		a.mu.Lock()
		scopes := a.scopes
		a.mu.Unlock()
		a.respond(req, dap.ScopesResponseBody{Scopes: scopes})
	case "variables":
		var args dap.VariablesArguments
		json.Unmarshal(req.Arguments, &args)
		a.mu.Lock()
		vars := a.variables[args.VariablesReference]
		a.mu.Unlock()
		a.respond(req, dap.VariablesResponseBody{Variables: vars})
	case "continue":
		a.respond(req, dap.ContinueResponseBody{})
	default:
		a.respond(req, nil)
	}
	return nil
}

func (a *fakeAdapter) Receive() (*dap.Message, error) {
	msg, ok := <-a.recv
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.recv)
	}
	return nil
}

func (a *fakeAdapter) push(content []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.recv <- &dap.Message{ContentLength: len(content), Content: content}
}

func (a *fakeAdapter) respond(req dap.Request, body any) {
	bodyJSON, _ := json.Marshal(body)
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()
	content, _ := json.Marshal(dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "response"},
		RequestSeq:      req.Seq,
		Success:         true,
		Command:         req.Command,
		Body:            bodyJSON,
	})
	a.push(content)
}

func (a *fakeAdapter) pushEvent(event string, body any) {
	bodyJSON, _ := json.Marshal(body)
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()
	content, _ := json.Marshal(dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"},
		Event:           event,
		Body:            bodyJSON,
	})
	a.push(content)
}

func (a *fakeAdapter) breakpointCalls() []dap.SetBreakpointsArguments {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]dap.SetBreakpointsArguments(nil), a.setBreakpointsCalls...)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startSession(t *testing.T, e *Engine, name string) (*Session, *fakeAdapter) {
	t.Helper()
	adapter := newFakeAdapter()
	s := e.NewSession(name, adapter)
	if err := s.Start(testCtx(t), SessionConfig{AdapterID: "fake", ClientID: "dapper"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s, adapter
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSessionStartHandshake(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, _ := startSession(t, e, "main")

	if s.State() != StateRunning {
		t.Errorf("expected running, got %v", s.State())
	}
	if !s.Capabilities().SupportsConfigurationDoneRequest {
		t.Error("capabilities not captured from initialize response")
	}
}

func TestSessionStateForwardOnly(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, _ := startSession(t, e, "main")

	if !s.transition(StateTerminated) {
		t.Fatal("running -> terminated should advance")
	}
	if s.transition(StateRunning) {
		t.Error("terminated -> running must be rejected")
	}
	if s.transition(StateTerminated) {
		t.Error("repeated transition to same state must be rejected")
	}
	if s.State() != StateTerminated {
		t.Errorf("state mutated by rejected transitions: %v", s.State())
	}
}

func TestBreakpointAddIsLazy(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	_, adapter := startSession(t, e, "main")

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})
	if bp.Bound() {
		t.Error("breakpoint bound before any session discovered the source")
	}

	time.Sleep(50 * time.Millisecond)
	if calls := adapter.breakpointCalls(); len(calls) != 0 {
		t.Errorf("expected no setBreakpoints before source discovery, got %d", len(calls))
	}
}

func TestBindingCreatedOnSourceLoaded(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, adapter := startSession(t, e, "main")

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})

	bound := make(chan struct{})
	bp.OnBound(func(*Binding) { close(bound) })

	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "new",
		Source: dap.Source{Name: "main.py", Path: "/app/main.py"},
	})

	waitSignal(t, bound, "binding")

	b := bp.BindingFor(s)
	if b == nil {
		t.Fatal("no binding in session")
	}
	if b.AdapterID() == 0 {
		t.Error("binding has no adapter id")
	}
	if b.ActualLine() != 10 {
		t.Errorf("expected actual line 10, got %d", b.ActualLine())
	}
	if !b.Verified() {
		t.Error("live binding must report verified")
	}

	calls := adapter.breakpointCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 setBreakpoints, got %d", len(calls))
	}
	if calls[0].Source.Path != "/app/main.py" {
		t.Errorf("wrong source in request: %s", calls[0].Source.Path)
	}
}

func TestDuplicateSourceLoadedBindsOnce(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, adapter := startSession(t, e, "main")

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})

	bound := make(chan struct{})
	bp.OnBound(func(*Binding) { close(bound) })

	src := dap.LoadedSourceEventBody{Reason: "new", Source: dap.Source{Path: "/app/main.py"}}
	adapter.pushEvent(dap.EventLoadedSource, src)
	adapter.pushEvent(dap.EventLoadedSource, src)

	waitSignal(t, bound, "binding")
	time.Sleep(50 * time.Millisecond)

	if n := len(bp.Bindings()); n != 1 {
		t.Errorf("expected 1 binding, got %d", n)
	}
	if bp.BindingFor(s) == nil {
		t.Error("binding not indexed by session")
	}
	if n := len(adapter.breakpointCalls()); n != 1 {
		t.Errorf("expected 1 setBreakpoints, got %d", n)
	}
}

func TestTwoSessionsBindIndependently(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s1, a1 := startSession(t, e, "one")
	s2, a2 := startSession(t, e, "two")

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})

	var mu sync.Mutex
	boundIn := make(map[*Session]bool)
	both := make(chan struct{})
	bp.OnBound(func(b *Binding) {
		mu.Lock()
		boundIn[b.Session()] = true
		done := len(boundIn) == 2
		mu.Unlock()
		if done {
			close(both)
		}
	})

	src := dap.LoadedSourceEventBody{Reason: "new", Source: dap.Source{Path: "/app/main.py"}}
	a1.pushEvent(dap.EventLoadedSource, src)
	a2.pushEvent(dap.EventLoadedSource, src)

	waitSignal(t, both, "bindings in both sessions")

	if bp.BindingFor(s1) == nil || bp.BindingFor(s2) == nil {
		t.Fatal("expected a binding in each session")
	}
}

func TestSessionDeathDestroysOnlyItsBindings(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s1, a1 := startSession(t, e, "one")
	s2, a2 := startSession(t, e, "two")

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})

	var mu sync.Mutex
	count := 0
	both := make(chan struct{})
	bp.OnBound(func(*Binding) {
		mu.Lock()
		count++
		if count == 2 {
			close(both)
		}
		mu.Unlock()
	})

	src := dap.LoadedSourceEventBody{Reason: "new", Source: dap.Source{Path: "/app/main.py"}}
	a1.pushEvent(dap.EventLoadedSource, src)
	a2.pushEvent(dap.EventLoadedSource, src)
	waitSignal(t, both, "bindings in both sessions")

	unbound := make(chan struct{})
	bp.OnUnbound(func(b *Binding) {
		if b.Session() == s1 {
			close(unbound)
		}
	})
	exited := make(chan struct{})
	s1.OnExited(func(int) { close(exited) })

	// Kill session one's transport.
	a1.Close()
	waitSignal(t, exited, "session one exit")
	waitSignal(t, unbound, "session one unbound")

	if !s1.Destroyed() {
		t.Error("session one should be destroyed")
	}
	if bp.BindingFor(s1) != nil {
		t.Error("session one's binding survived its session")
	}
	if b := bp.BindingFor(s2); b == nil || b.Destroyed() {
		t.Error("session two's binding must survive session one's death")
	}
	if e.Breakpoints().Breakpoint(NewLocation("/app/main.py", 10)) != bp {
		t.Error("breakpoint must outlive the session")
	}
}

func TestRemoveBreakpointUnbindsThenRemoves(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	_, adapter := startSession(t, e, "main")

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})

	bound := make(chan struct{})
	bp.OnBound(func(*Binding) { close(bound) })
	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "new",
		Source: dap.Source{Path: "/app/main.py"},
	})
	waitSignal(t, bound, "binding")

	var mu sync.Mutex
	var order []string
	bp.OnUnbound(func(*Binding) {
		mu.Lock()
		order = append(order, "unbound")
		mu.Unlock()
	})
	bp.OnRemoved(func() {
		mu.Lock()
		order = append(order, "removed")
		mu.Unlock()
	})

	if err := e.Breakpoints().RemoveBreakpoint(testCtx(t), NewLocation("/app/main.py", 10)); err != nil {
		t.Fatalf("remove: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "unbound" || order[1] != "removed" {
		t.Errorf("expected [unbound removed], got %v", order)
	}

	// The adapter must have been told to clear the source.
	calls := adapter.breakpointCalls()
	last := calls[len(calls)-1]
	if len(last.Breakpoints) != 0 {
		t.Errorf("expected empty setBreakpoints after removal, got %d entries", len(last.Breakpoints))
	}
	if e.Breakpoints().Breakpoint(NewLocation("/app/main.py", 10)) != nil {
		t.Error("breakpoint still registered after removal")
	}
}

func TestBindFailureEmitsNoBinding(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	_, adapter := startSession(t, e, "main")
	adapter.mu.Lock()
	adapter.reject[99] = true
	adapter.mu.Unlock()

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 99), BreakpointOptions{})

	failed := make(chan string, 1)
	bp.OnBindFailed(func(_ *Session, message string) { failed <- message })

	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "new",
		Source: dap.Source{Path: "/app/main.py"},
	})

	select {
	case msg := <-failed:
		if msg != "no executable code" {
			t.Errorf("unexpected failure message %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bindFailed never fired")
	}

	if bp.Bound() {
		t.Error("rejected breakpoint must not be bound")
	}
}

func TestHitRouting(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, adapter := startSession(t, e, "main")

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})
	other := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 20), BreakpointOptions{})

	var mu sync.Mutex
	count := 0
	bound := make(chan struct{})
	bp.OnBound(func(*Binding) {
		mu.Lock()
		count++
		if count == 1 {
			close(bound)
		}
		mu.Unlock()
	})
	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "new",
		Source: dap.Source{Path: "/app/main.py"},
	})
	waitSignal(t, bound, "binding")
	time.Sleep(50 * time.Millisecond)

	b := bp.BindingFor(s)
	if b == nil {
		t.Fatal("no binding")
	}

	hit := make(chan *Thread, 1)
	b.OnHit(func(t *Thread) { hit <- t })
	otherHit := make(chan struct{}, 1)
	other.OnHit(func(*Binding) { otherHit <- struct{}{} })

	adapter.pushEvent(dap.EventStopped, dap.StoppedEventBody{
		Reason:           "breakpoint",
		ThreadID:         1,
		HitBreakpointIDs: []int{b.AdapterID()},
	})

	select {
	case th := <-hit:
		if th == nil || th.ID() != 1 {
			t.Errorf("hit delivered with wrong thread: %v", th)
		}
		if th.State() != ThreadStopped {
			t.Error("thread must already be stopped when the hit routes")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("hit never routed")
	}

	select {
	case <-otherHit:
		t.Error("unrelated breakpoint reported a hit")
	case <-time.After(50 * time.Millisecond):
	}

	if b.HitCount() != 1 {
		t.Errorf("expected hit count 1, got %d", b.HitCount())
	}
}

func TestStackInvalidatedBeforeResume(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, adapter := startSession(t, e, "main")
	adapter.mu.Lock()
	adapter.stackFrames = []dap.StackFrame{
		{ID: 1000, Name: "inner", Line: 10, Source: &dap.Source{Path: "/app/main.py"}},
		{ID: 1001, Name: "outer", Line: 42, Source: &dap.Source{Path: "/app/main.py"}},
	}
	adapter.mu.Unlock()

	stopped := make(chan struct{})
	var once sync.Once
	adapter.pushEvent(dap.EventStopped, dap.StoppedEventBody{Reason: "pause", ThreadID: 1})

	// Wait for the thread to materialize.
	deadline := time.Now().Add(3 * time.Second)
	var th *Thread
	for th == nil {
		if time.Now().After(deadline) {
			t.Fatal("thread never appeared")
		}
		th = s.Thread(1)
		time.Sleep(5 * time.Millisecond)
	}
	th.OnStopped(func(string) { once.Do(func() { close(stopped) }) })
	if th.State() == ThreadStopped {
		once.Do(func() { close(stopped) })
	}
	waitSignal(t, stopped, "thread stop")

	st, err := th.Stack(testCtx(t))
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	if len(st.Frames()) != 2 || st.Top().Name() != "inner" {
		t.Fatalf("unexpected frames: %v", st.Frames())
	}

	var mu sync.Mutex
	var order []string
	resumed := make(chan struct{})
	st.OnInvalidated(func() {
		mu.Lock()
		order = append(order, "invalidated")
		mu.Unlock()
		if th.State() != ThreadStopped {
			t.Error("invalidation must fire before the state flips to running")
		}
	})
	th.OnResumed(func() {
		mu.Lock()
		order = append(order, "resumed")
		mu.Unlock()
		if th.State() != ThreadRunning {
			t.Error("resumed listener must observe the running state")
		}
		close(resumed)
	})

	adapter.pushEvent(dap.EventContinued, dap.ContinuedEventBody{ThreadID: 1})
	waitSignal(t, resumed, "resume")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "invalidated" || order[1] != "resumed" {
		t.Errorf("expected [invalidated resumed], got %v", order)
	}
	if st.Valid() {
		t.Error("stack still valid after resume")
	}
	if _, err := th.Stack(testCtx(t)); err == nil {
		t.Error("stack capture must fail on a running thread")
	}
}

func TestFrameNavigation(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, adapter := startSession(t, e, "main")
	adapter.mu.Lock()
	adapter.stackFrames = []dap.StackFrame{
		{ID: 1, Name: "c", Line: 3},
		{ID: 2, Name: "b", Line: 2},
		{ID: 3, Name: "a", Line: 1},
	}
	adapter.mu.Unlock()

	adapter.pushEvent(dap.EventStopped, dap.StoppedEventBody{Reason: "pause", ThreadID: 1})
	deadline := time.Now().Add(3 * time.Second)
	for s.Thread(1) == nil || s.Thread(1).State() != ThreadStopped {
		if time.Now().After(deadline) {
			t.Fatal("thread never stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st, err := s.Thread(1).Stack(testCtx(t))
	if err != nil {
		t.Fatalf("stack: %v", err)
	}

	top := st.Top()
	up, ok := top.Up()
	if !ok || up.Name() != "b" {
		t.Fatalf("Up from top: got %v", up)
	}
	down, ok := up.Down()
	if !ok || down.Name() != "c" {
		t.Fatalf("Down from b: got %v", down)
	}
	if _, ok := down.Down(); ok {
		t.Error("Down past the innermost frame should fail")
	}
	outermost := st.Frames()[2]
	if _, ok := outermost.Up(); ok {
		t.Error("Up past the outermost frame should fail")
	}
}

func TestVariableWalkCycleGuard(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, adapter := startSession(t, e, "main")
	adapter.mu.Lock()
	adapter.stackFrames = []dap.StackFrame{{ID: 1, Name: "main", Line: 1}}
	adapter.scopes = []dap.Scope{{Name: "Locals", VariablesReference: 100}}
	adapter.variables[100] = []dap.Variable{
		{Name: "node", Value: "Node{...}", VariablesReference: 200},
	}
	// node.next points back to node: a reference cycle.
	adapter.variables[200] = []dap.Variable{
		{Name: "value", Value: "1"},
		{Name: "next", Value: "Node{...}", VariablesReference: 200},
	}
	adapter.mu.Unlock()

	adapter.pushEvent(dap.EventStopped, dap.StoppedEventBody{Reason: "pause", ThreadID: 1})
	deadline := time.Now().Add(3 * time.Second)
	for s.Thread(1) == nil || s.Thread(1).State() != ThreadStopped {
		if time.Now().After(deadline) {
			t.Fatal("thread never stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st, err := s.Thread(1).Stack(testCtx(t))
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	scopes, err := st.Top().Scopes(testCtx(t))
	if err != nil {
		t.Fatalf("scopes: %v", err)
	}
	vars, err := scopes[0].Variables(testCtx(t))
	if err != nil {
		t.Fatalf("variables: %v", err)
	}

	var visited []string
	err = vars[0].Walk(testCtx(t), 0, func(v *Variable, depth int) bool {
		visited = append(visited, v.Name())
		return true
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	// node -> value, next; next's reference was already expanded, so the
	// walk terminates instead of recursing forever.
	if len(visited) != 3 {
		t.Errorf("expected 3 visits [node value next], got %v", visited)
	}
}

func TestVariablesCachedPerStack(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, adapter := startSession(t, e, "main")
	adapter.mu.Lock()
	adapter.stackFrames = []dap.StackFrame{{ID: 1, Name: "main", Line: 1}}
	adapter.scopes = []dap.Scope{{Name: "Locals", VariablesReference: 100}}
	adapter.variables[100] = []dap.Variable{{Name: "x", Value: "1"}}
	adapter.mu.Unlock()

	adapter.pushEvent(dap.EventStopped, dap.StoppedEventBody{Reason: "pause", ThreadID: 1})
	deadline := time.Now().Add(3 * time.Second)
	for s.Thread(1) == nil || s.Thread(1).State() != ThreadStopped {
		if time.Now().After(deadline) {
			t.Fatal("thread never stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st, _ := s.Thread(1).Stack(testCtx(t))
	scopes, _ := st.Top().Scopes(testCtx(t))

	first, err := scopes[0].Variables(testCtx(t))
	if err != nil {
		t.Fatalf("variables: %v", err)
	}
	second, err := scopes[0].Variables(testCtx(t))
	if err != nil {
		t.Fatalf("variables again: %v", err)
	}
	if len(first) != 1 || first[0] != second[0] {
		t.Error("expected the cached variable instances on the second fetch")
	}
}

func TestEngineCloseCascades(t *testing.T) {
	e := New(context.Background())

	s, adapter := startSession(t, e, "main")

	bound := make(chan struct{})
	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})
	bp.OnBound(func(*Binding) { close(bound) })
	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "new",
		Source: dap.Source{Path: "/app/main.py"},
	})
	waitSignal(t, bound, "binding")

	e.Close()

	if !s.Destroyed() {
		t.Error("session must die with the engine")
	}
	if b := bp.BindingFor(s); b != nil {
		t.Error("binding must die with the engine")
	}
}

func TestSourceIdempotentDiscovery(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, _ := startSession(t, e, "main")

	first := s.SourceFor(dap.Source{Name: "main.py", Path: "/app/main.py"})
	second := s.SourceFor(dap.Source{Path: "/app/main.py"})
	if first != second {
		t.Error("same path must resolve to the same Source")
	}
	if first.Kind() != FileSource {
		t.Errorf("expected file source, got %v", first.Kind())
	}

	virt := s.SourceFor(dap.Source{Name: "gen.py", SourceReference: 7})
	if virt.Kind() != VirtualSource {
		t.Errorf("expected virtual source, got %v", virt.Kind())
	}
	if _, ok := virt.AsFile(); ok {
		t.Error("virtual source must not present a file path")
	}
}

func TestSourceChangeRebindsInPlace(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, adapter := startSession(t, e, "main")

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})

	bound := make(chan struct{})
	bp.OnBound(func(*Binding) { close(bound) })
	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "new",
		Source: dap.Source{Path: "/app/main.py"},
	})
	waitSignal(t, bound, "binding")

	b := bp.BindingFor(s)
	if b == nil {
		t.Fatal("no binding")
	}
	unbound := make(chan struct{}, 1)
	bp.OnUnbound(func(*Binding) { unbound <- struct{}{} })

	// The edit moved the executable line; the adapter now verifies line 12.
	adapter.mu.Lock()
	adapter.moveTo[10] = 12
	adapter.mu.Unlock()
	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "changed",
		Source: dap.Source{Path: "/app/main.py"},
	})

	deadline := time.Now().Add(3 * time.Second)
	for b.ActualLine() != 12 {
		if time.Now().After(deadline) {
			t.Fatalf("actual line never updated, still %d", b.ActualLine())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := bp.BindingFor(s); got != b {
		t.Error("re-verification must update the existing binding, not replace it")
	}
	if !b.Verified() || b.Destroyed() {
		t.Error("still-verified binding must stay alive across the change")
	}
	select {
	case <-unbound:
		t.Error("unbound fired for a binding the adapter still verifies")
	default:
	}

	calls := adapter.breakpointCalls()
	if len(calls) < 2 {
		t.Fatalf("expected a second setBreakpoints after the change, got %d calls", len(calls))
	}
	if !calls[len(calls)-1].SourceModified {
		t.Error("rebind after a source change must carry sourceModified")
	}
}

func TestSourceChangeUnbindsStaleBinding(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	s, adapter := startSession(t, e, "main")

	bp := e.Breakpoints().AddBreakpoint(NewLocation("/app/main.py", 10), BreakpointOptions{})

	bound := make(chan struct{})
	bp.OnBound(func(*Binding) { close(bound) })
	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "new",
		Source: dap.Source{Path: "/app/main.py"},
	})
	waitSignal(t, bound, "binding")

	b := bp.BindingFor(s)
	if b == nil {
		t.Fatal("no binding")
	}

	unbound := make(chan struct{})
	bp.OnUnbound(func(*Binding) { close(unbound) })
	failed := make(chan struct{}, 1)
	bp.OnBindFailed(func(*Session, string) { failed <- struct{}{} })

	// After the edit line 10 no longer holds code; the adapter withdraws
	// verification.
	adapter.mu.Lock()
	adapter.reject[10] = true
	adapter.mu.Unlock()
	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "changed",
		Source: dap.Source{Path: "/app/main.py"},
	})

	waitSignal(t, unbound, "stale binding teardown")

	if b.Verified() || !b.Destroyed() {
		t.Error("unverified binding must be destroyed")
	}
	if bp.BindingFor(s) != nil {
		t.Error("stale binding still indexed after the change")
	}
	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("bindFailed never fired for the withdrawn verification")
	}
	if e.Breakpoints().Breakpoint(NewLocation("/app/main.py", 10)) != bp {
		t.Error("logical breakpoint must survive losing its binding")
	}
}

func TestSourceWatcherRebindsOnDiskChange(t *testing.T) {
	e := New(context.Background())
	defer e.Close()

	w, err := NewSourceWatcher(e)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()

	path := filepath.Join(t.TempDir(), "main.py")
	if err := os.WriteFile(path, []byte("print(1)\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	s, adapter := startSession(t, e, "main")

	bp := e.Breakpoints().AddBreakpoint(NewLocation(path, 1), BreakpointOptions{})

	bound := make(chan struct{})
	bp.OnBound(func(*Binding) { close(bound) })
	adapter.pushEvent(dap.EventLoadedSource, dap.LoadedSourceEventBody{
		Reason: "new",
		Source: dap.Source{Path: path},
	})
	waitSignal(t, bound, "binding")

	changed := make(chan struct{})
	var once sync.Once
	s.OnSourceChanged(func(*Source) { once.Do(func() { close(changed) }) })

	if err := os.WriteFile(path, []byte("print(1)\nprint(2)\n"), 0o644); err != nil {
		t.Fatalf("rewrite source: %v", err)
	}
	waitSignal(t, changed, "disk change notification")

	deadline := time.Now().Add(3 * time.Second)
	for {
		calls := adapter.breakpointCalls()
		if len(calls) >= 2 && calls[len(calls)-1].SourceModified {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no sourceModified rebind after disk change, %d calls", len(calls))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if b := bp.BindingFor(s); b == nil || !b.Verified() {
		t.Error("binding must survive a rebind that re-verifies it")
	}
}

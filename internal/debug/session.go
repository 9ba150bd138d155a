package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dshills/dapper/internal/dap"
	"github.com/dshills/dapper/internal/hookable"
	"github.com/dshills/dapper/internal/logger"
)

// SessionState is the lifecycle phase of a Session. Transitions are forward
// only; an out-of-order report from the adapter is logged and dropped.
type SessionState int

const (
	// StateStarting covers the initialize/launch handshake.
	StateStarting SessionState = iota
	// StateInitialized means the adapter sent its initialized event and is
	// accepting configuration.
	StateInitialized
	// StateRunning means configuration is done and the debuggee executes.
	StateRunning
	// StateTerminated means the debuggee ended; the adapter may linger.
	StateTerminated
	// StateExited means the adapter connection is gone. Terminal.
	StateExited
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// SessionConfig describes how to start one debug session.
type SessionConfig struct {
	// AdapterID is the adapter's id, e.g. "debugpy" or "go".
	AdapterID string
	// ClientID and ClientName identify this client to the adapter.
	ClientID   string
	ClientName string
	// Attach selects the attach request instead of launch.
	Attach bool
	// Arguments is the adapter-specific launch or attach payload.
	Arguments any
}

// Session is one live connection to a debug adapter. It owns the Threads,
// Sources, and breakpoint Bindings discovered through that connection; all
// of them live under the session in the ownership tree and die with it.
type Session struct {
	hook   *hookable.Hookable
	id     int
	name   string
	client *dap.Client

	initialized chan struct{}
	initOnce    sync.Once

	mu       sync.Mutex
	state    SessionState
	caps     dap.Capabilities
	threads  map[int]*Thread
	sources  map[string]*Source
	exitCode int
}

func newSession(parent *hookable.Hookable, id int, name string, transport dap.Transport) *Session {
	s := &Session{
		hook:        hookable.New(parent),
		id:          id,
		name:        name,
		client:      dap.NewClient(transport),
		initialized: make(chan struct{}),
		threads:     make(map[int]*Thread),
		sources:     make(map[string]*Source),
	}

	s.client.OnEvent(dap.EventInitialized, func(dap.Event) {
		s.initOnce.Do(func() { close(s.initialized) })
	})
	s.client.OnEvent(dap.EventStopped, s.handleStopped)
	s.client.OnEvent(dap.EventContinued, s.handleContinued)
	s.client.OnEvent(dap.EventThread, s.handleThread)
	s.client.OnEvent(dap.EventLoadedSource, s.handleLoadedSource)
	s.client.OnEvent(dap.EventOutput, s.handleOutput)
	s.client.OnEvent(dap.EventTerminated, func(dap.Event) {
		if s.transition(StateTerminated) {
			s.hook.Emit(EventTerminated)
		}
	})
	s.client.OnEvent(dap.EventExited, func(evt dap.Event) {
		var body dap.ExitedEventBody
		if err := json.Unmarshal(evt.Body, &body); err == nil {
			s.mu.Lock()
			s.exitCode = body.ExitCode
			s.mu.Unlock()
		}
	})
	s.client.OnDisconnect(func(err error) {
		// Transport gone: the session is over no matter what phase it was
		// in. Destroying the hook cascades into threads and bindings.
		s.transition(StateTerminated)
		if s.transition(StateExited) {
			s.hook.Emit(EventExited, s.ExitCode())
		}
		s.hook.Destroy()
	})

	return s
}

// ID returns the engine-assigned session id.
func (s *Session) ID() int { return s.id }

// Name returns the session's display name.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle phase.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the adapter's reported capabilities. Zero before
// Start completes the initialize request.
func (s *Session) Capabilities() dap.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// ExitCode returns the debuggee's exit code, 0 if never reported.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool { return s.hook.Destroyed() }

// transition advances the state machine. Backward or same-state moves are
// rejected; the adapter occasionally replays lifecycle events and those must
// not resurrect a later phase.
func (s *Session) transition(to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to <= s.state {
		if to < s.state {
			logger.Warn().
				Int("session", s.id).
				Str("from", s.state.String()).
				Str("to", to.String()).
				Msg("ignoring backward session transition")
		}
		return false
	}
	s.state = to
	return true
}

// Start runs the initialize/launch handshake: initialize, launch or attach,
// wait for the adapter's initialized event, configurationDone. On return the
// session is running.
func (s *Session) Start(ctx context.Context, cfg SessionConfig) error {
	caps, err := s.client.Initialize(ctx, dap.InitializeRequestArguments{
		ClientID:        cfg.ClientID,
		ClientName:      cfg.ClientName,
		AdapterID:       cfg.AdapterID,
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		PathFormat:      "path",
	})
	if err != nil {
		return fmt.Errorf("initialize session %d: %w", s.id, err)
	}
	s.mu.Lock()
	s.caps = *caps
	s.mu.Unlock()

	if cfg.Attach {
		err = s.client.Attach(ctx, cfg.Arguments)
	} else {
		err = s.client.Launch(ctx, cfg.Arguments)
	}
	if err != nil {
		return fmt.Errorf("start session %d: %w", s.id, err)
	}

	select {
	case <-s.initialized:
	case <-ctx.Done():
		return fmt.Errorf("session %d: waiting for initialized: %w", s.id, ctx.Err())
	}

	if s.transition(StateInitialized) {
		s.hook.Emit(EventInitialized)
	}

	if caps.SupportsConfigurationDoneRequest {
		if err := s.client.ConfigurationDone(ctx); err != nil {
			return fmt.Errorf("configurationDone session %d: %w", s.id, err)
		}
	}
	s.transition(StateRunning)
	return nil
}

// Terminate asks the adapter to end the debuggee gracefully, falling back
// to disconnect when the adapter cannot terminate.
func (s *Session) Terminate(ctx context.Context) error {
	if s.Capabilities().SupportsTerminateRequest {
		return s.client.Terminate(ctx, dap.TerminateArguments{})
	}
	return s.client.Disconnect(ctx, dap.DisconnectArguments{TerminateDebuggee: true})
}

// Disconnect drops the adapter connection, leaving the debuggee to the
// adapter's default behavior.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx, dap.DisconnectArguments{})
}

// Close force-closes the underlying transport.
func (s *Session) Close() error {
	return s.client.Close()
}

// OnInitialized registers fn for the moment the adapter accepts
// configuration.
func (s *Session) OnInitialized(fn func()) hookable.Unsubscribe {
	return s.hook.On(EventInitialized, func(...any) { fn() })
}

// OnTerminated registers fn for the debuggee ending.
func (s *Session) OnTerminated(fn func()) hookable.Unsubscribe {
	return s.hook.On(EventTerminated, func(...any) { fn() })
}

// OnExited registers fn for the adapter connection ending. It fires before
// the session's subtree is destroyed.
func (s *Session) OnExited(fn func(exitCode int)) hookable.Unsubscribe {
	return s.hook.On(EventExited, func(payload ...any) {
		code, _ := payload[0].(int)
		fn(code)
	})
}

// OnThread registers fn for threads appearing ("started") and vanishing
// ("exited").
func (s *Session) OnThread(fn func(t *Thread, reason string)) hookable.Unsubscribe {
	return s.hook.On(EventThread, func(payload ...any) {
		t, _ := payload[0].(*Thread)
		reason, _ := payload[1].(string)
		fn(t, reason)
	})
}

// OnSourceLoaded registers fn for each newly discovered source.
func (s *Session) OnSourceLoaded(fn func(src *Source)) hookable.Unsubscribe {
	return s.hook.On(EventSourceLoaded, func(payload ...any) {
		src, _ := payload[0].(*Source)
		fn(src)
	})
}

// OnSourceChanged registers fn for sources the adapter or the filesystem
// reports as modified.
func (s *Session) OnSourceChanged(fn func(src *Source)) hookable.Unsubscribe {
	return s.hook.On(EventSourceChanged, func(payload ...any) {
		src, _ := payload[0].(*Source)
		fn(src)
	})
}

// OnOutput registers fn for debuggee and adapter output.
func (s *Session) OnOutput(fn func(category, output string)) hookable.Unsubscribe {
	return s.hook.On(EventOutput, func(payload ...any) {
		category, _ := payload[0].(string)
		output, _ := payload[1].(string)
		fn(category, output)
	})
}

// OnBinding registers fn for each breakpoint binding created in this
// session.
func (s *Session) OnBinding(fn func(b *Binding)) hookable.Unsubscribe {
	return s.hook.On(EventBinding, func(payload ...any) {
		b, _ := payload[0].(*Binding)
		fn(b)
	})
}

// OnBindingHit registers fn for the debuggee stopping at any binding of
// this session.
func (s *Session) OnBindingHit(fn func(b *Binding)) hookable.Unsubscribe {
	return s.hook.On(EventBindingHit, func(payload ...any) {
		b, _ := payload[0].(*Binding)
		fn(b)
	})
}

// OnDestroy registers fn for the session's teardown.
func (s *Session) OnDestroy(fn func()) hookable.Unsubscribe {
	return s.hook.On(hookable.EventDestroy, func(...any) { fn() })
}

// Threads returns the known threads, refreshing from the adapter first.
func (s *Session) Threads(ctx context.Context) ([]*Thread, error) {
	raw, err := s.client.Threads(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	seen := make(map[int]bool, len(raw))
	var created []*Thread
	for _, dt := range raw {
		seen[dt.ID] = true
		if t, ok := s.threads[dt.ID]; ok {
			t.setName(dt.Name)
			continue
		}
		t := newThread(s, dt.ID, dt.Name)
		s.threads[dt.ID] = t
		created = append(created, t)
	}
	var gone []*Thread
	for id, t := range s.threads {
		if !seen[id] {
			delete(s.threads, id)
			gone = append(gone, t)
		}
	}
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	s.mu.Unlock()

	for _, t := range created {
		s.hook.Emit(EventThread, t, "started")
	}
	for _, t := range gone {
		t.destroy()
		s.hook.Emit(EventThread, t, "exited")
	}
	return out, nil
}

// Thread returns the thread with the given adapter id, nil if unknown.
func (s *Session) Thread(id int) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[id]
}

// FindSource returns the discovered source with the given key (path for
// file sources), nil if the session has not seen it.
func (s *Session) FindSource(key string) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[key]
}

// FindSourceFunc returns the first discovered source matching pred, nil if
// none does.
func (s *Session) FindSourceFunc(pred func(*Source) bool) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if pred(src) {
			return src
		}
	}
	return nil
}

// Sources returns all sources the session has discovered.
func (s *Session) Sources() []*Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	return out
}

// SourceFor returns the session's Source for a wire-level source, creating
// and announcing it on first sight. Idempotent by source key, so repeated
// discovery through events, stack frames, and loadedSources never
// duplicates.
func (s *Session) SourceFor(ds dap.Source) *Source {
	key := sourceKey(ds)
	if key == "ref:0" {
		return nil
	}

	s.mu.Lock()
	if src, ok := s.sources[key]; ok {
		s.mu.Unlock()
		return src
	}
	src := newSource(s, ds)
	s.sources[key] = src
	s.mu.Unlock()

	s.hook.Emit(EventSourceLoaded, src)
	return src
}

// ensureThread returns the thread with the given id, creating a placeholder
// when the adapter references a thread it never announced.
func (s *Session) ensureThread(id int) *Thread {
	s.mu.Lock()
	if t, ok := s.threads[id]; ok {
		s.mu.Unlock()
		return t
	}
	t := newThread(s, id, fmt.Sprintf("thread %d", id))
	s.threads[id] = t
	s.mu.Unlock()

	s.hook.Emit(EventThread, t, "started")
	return t
}

func (s *Session) resumeAll(continued bool) {
	s.mu.Lock()
	threads := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, t)
	}
	s.mu.Unlock()

	for _, t := range threads {
		t.markResumed(continued)
	}
}

func (s *Session) handleStopped(evt dap.Event) {
	var body dap.StoppedEventBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		logger.Warn().Err(err).Int("session", s.id).Msg("bad stopped event")
		return
	}

	t := s.ensureThread(body.ThreadID)
	t.markStopped(body.Reason)

	if body.AllThreadsStopped {
		s.mu.Lock()
		others := make([]*Thread, 0, len(s.threads))
		for _, other := range s.threads {
			if other != t {
				others = append(others, other)
			}
		}
		s.mu.Unlock()
		for _, other := range others {
			other.markStopped(body.Reason)
		}
	}
}

func (s *Session) handleContinued(evt dap.Event) {
	var body dap.ContinuedEventBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		return
	}
	if body.AllThreadsContinued {
		s.resumeAll(true)
		return
	}
	if t := s.Thread(body.ThreadID); t != nil {
		t.markResumed(true)
	}
}

func (s *Session) handleThread(evt dap.Event) {
	var body dap.ThreadEventBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		return
	}
	switch body.Reason {
	case "started":
		s.ensureThread(body.ThreadID)
	case "exited":
		s.mu.Lock()
		t := s.threads[body.ThreadID]
		delete(s.threads, body.ThreadID)
		s.mu.Unlock()
		if t != nil {
			t.destroy()
			s.hook.Emit(EventThread, t, "exited")
		}
	}
}

func (s *Session) handleLoadedSource(evt dap.Event) {
	var body dap.LoadedSourceEventBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		return
	}
	switch body.Reason {
	case "new":
		s.SourceFor(body.Source)
	case "changed":
		if src := s.SourceFor(body.Source); src != nil {
			s.hook.Emit(EventSourceChanged, src)
		}
	case "removed":
		s.mu.Lock()
		delete(s.sources, sourceKey(body.Source))
		s.mu.Unlock()
	}
}

func (s *Session) handleOutput(evt dap.Event) {
	var body dap.OutputEventBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		return
	}
	s.hook.Emit(EventOutput, body.Category, body.Output)
}

// markSourceChanged re-announces a source as modified. Used by the source
// watcher when a file-backed source changes on disk.
func (s *Session) markSourceChanged(src *Source) {
	s.hook.Emit(EventSourceChanged, src)
}

package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dshills/dapper/internal/dap"
	"github.com/dshills/dapper/internal/hookable"
	"github.com/dshills/dapper/internal/logger"
)

// pairKey identifies one (session, breakpoint) pair. At most one Binding
// exists per pair.
type pairKey struct {
	session int
	loc     string
}

// Manager owns the logical Breakpoints and drives their lazy binding into
// sessions. A breakpoint added while no session knows its source costs no
// request; the moment any session discovers a matching source, the manager
// issues one setBreakpoints for that source and materializes Bindings from
// the verified entries of the response.
//
// Binding requests always run on their own goroutine: they are triggered
// from client receive-loop callbacks, and a request issued on the receive
// loop would deadlock waiting for its own response.
type Manager struct {
	ctx  context.Context
	hook *hookable.Hookable

	mu          sync.Mutex
	breakpoints map[string]*Breakpoint
	bindings    map[pairKey]*Binding
	inflight    map[pairKey]bool
	sessions    map[int]*Session
}

func newManager(ctx context.Context, parent *hookable.Hookable) *Manager {
	return &Manager{
		ctx:         ctx,
		hook:        hookable.New(parent),
		breakpoints: make(map[string]*Breakpoint),
		bindings:    make(map[pairKey]*Binding),
		inflight:    make(map[pairKey]bool),
		sessions:    make(map[int]*Session),
	}
}

// AddBreakpoint registers a breakpoint at the given location, returning the
// existing one when the location is already registered. No adapter request
// happens unless some session has already discovered the source; binding is
// otherwise deferred until one does.
func (m *Manager) AddBreakpoint(loc Location, opts BreakpointOptions) *Breakpoint {
	key := loc.Key()

	m.mu.Lock()
	if bp, ok := m.breakpoints[key]; ok {
		m.mu.Unlock()
		return bp
	}
	bp := newBreakpoint(m, loc, opts)
	m.breakpoints[key] = bp
	sessions := m.snapshotSessionsLocked()
	m.mu.Unlock()

	m.hook.Emit(EventBreakpoint, bp)
	logger.Debug().Str("location", loc.String()).Msg("breakpoint added")

	for _, s := range sessions {
		if s.FindSource(loc.Path) != nil {
			go m.bindSourcePath(s, loc.Path, false, false)
		}
	}
	return bp
}

// RemoveBreakpoint removes the breakpoint at the given location: every
// binding is destroyed (emitting "unbound"), the breakpoint emits "removed",
// and each session that realized it gets a setBreakpoints refresh so the
// adapter forgets it too.
func (m *Manager) RemoveBreakpoint(ctx context.Context, loc Location) error {
	key := loc.Key()

	m.mu.Lock()
	bp, ok := m.breakpoints[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.breakpoints, key)
	m.mu.Unlock()

	bindings := bp.Bindings()
	affected := make(map[*Session]bool, len(bindings))
	for _, b := range bindings {
		affected[b.session] = true
		b.hook.Destroy()
	}

	bp.hook.Emit(EventRemoved)
	bp.hook.Destroy()
	logger.Debug().Str("location", loc.String()).Msg("breakpoint removed")

	var errs []error
	for s := range affected {
		if s.Destroyed() {
			continue
		}
		if err := m.bindSource(ctx, s, loc.Path, false, true); err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

// Breakpoint returns the breakpoint at the given location, nil if none.
func (m *Manager) Breakpoint(loc Location) *Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakpoints[loc.Key()]
}

// Breakpoints returns all registered breakpoints, ordered by location key.
func (m *Manager) Breakpoints() []*Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Breakpoint, 0, len(m.breakpoints))
	for _, bp := range m.breakpoints {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// OnBreakpoint registers fn for each breakpoint added to the manager.
func (m *Manager) OnBreakpoint(fn func(bp *Breakpoint)) hookable.Unsubscribe {
	return m.hook.On(EventBreakpoint, func(payload ...any) {
		bp, _ := payload[0].(*Breakpoint)
		fn(bp)
	})
}

// attachSession wires a session into the binding engine: source discovery
// triggers bind requests, stopped events route hits, and the session's
// death removes it from the roster. The bindings themselves need no
// cleanup here; they hang under the session's hook and its destroy cascade
// reaches them first.
func (m *Manager) attachSession(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	breakpoints := make([]*Breakpoint, 0, len(m.breakpoints))
	for _, bp := range m.breakpoints {
		breakpoints = append(breakpoints, bp)
	}
	m.mu.Unlock()

	s.OnSourceLoaded(func(src *Source) {
		if path, ok := src.AsFile(); ok {
			go m.bindSourcePath(s, path, false, false)
		}
	})
	s.OnSourceChanged(func(src *Source) {
		if path, ok := src.AsFile(); ok {
			go m.bindSourcePath(s, path, true, true)
		}
	})
	s.client.OnEvent(dap.EventStopped, func(evt dap.Event) {
		m.routeHit(s, evt)
	})
	s.OnDestroy(func() {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
	})

	// A session attached late still gets the existing breakpoints for any
	// sources it already knows.
	for _, bp := range breakpoints {
		if s.FindSource(bp.loc.Path) != nil {
			go m.bindSourcePath(s, bp.loc.Path, false, false)
		}
	}
}

// bindSourcePath is the goroutine entry for event-triggered binds.
func (m *Manager) bindSourcePath(s *Session, path string, modified, force bool) {
	if err := m.bindSource(m.ctx, s, path, modified, force); err != nil {
		if errors.Is(err, dap.ErrTransportClosed) {
			logger.Debug().Int("session", s.id).Str("path", path).Msg("bind skipped, transport closed")
			return
		}
		logger.Warn().Err(err).Int("session", s.id).Str("path", path).Msg("bind failed")
	}
}

// bindSource issues one setBreakpoints for the given source path in the
// given session. The request carries every breakpoint registered for the
// path, because setBreakpoints replaces the adapter's whole set per source.
//
// The pair protocol closes the double-bind race twice: before the request,
// a pair that is already bound or already in flight does not justify a new
// request (unless forced); after the response, a pair that gained a Binding
// in the meantime is updated in place, never duplicated.
func (m *Manager) bindSource(ctx context.Context, s *Session, path string, modified, force bool) error {
	m.mu.Lock()
	var matching []*Breakpoint
	for _, bp := range m.breakpoints {
		if bp.loc.Path == path {
			matching = append(matching, bp)
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		a, b := matching[i].loc, matching[j].loc
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Column < b.Column
	})

	if !force {
		need := false
		for _, bp := range matching {
			key := pairKey{session: s.id, loc: bp.Key()}
			if m.bindings[key] == nil && !m.inflight[key] {
				need = true
				break
			}
		}
		if !need {
			m.mu.Unlock()
			return nil
		}
	}

	var marked []pairKey
	for _, bp := range matching {
		key := pairKey{session: s.id, loc: bp.Key()}
		if m.bindings[key] == nil && !m.inflight[key] {
			m.inflight[key] = true
			marked = append(marked, key)
		}
	}
	m.mu.Unlock()

	args := dap.SetBreakpointsArguments{
		Source:         dap.Source{Path: path},
		SourceModified: modified,
	}
	for _, bp := range matching {
		args.Breakpoints = append(args.Breakpoints, bp.toSourceBreakpoint())
	}

	result, err := s.client.SetBreakpoints(ctx, args)

	m.mu.Lock()
	for _, key := range marked {
		delete(m.inflight, key)
	}
	if err != nil {
		m.mu.Unlock()
		if !errors.Is(err, dap.ErrTransportClosed) {
			for _, bp := range matching {
				bp.hook.Emit(EventBindFailed, s, err.Error())
			}
		}
		return err
	}

	var created []*Binding
	var stale []*Binding
	type failure struct {
		bp      *Breakpoint
		message string
	}
	var failures []failure

	for i, bp := range matching {
		if i >= len(result) {
			break
		}
		db := result[i]
		key := pairKey{session: s.id, loc: bp.Key()}
		existing := m.bindings[key]

		switch {
		case db.Verified && existing != nil:
			existing.update(db)
		case db.Verified && existing == nil:
			if s.Destroyed() {
				continue
			}
			b := newBinding(s, bp, db)
			if b.Destroyed() {
				// The session's destroy cascade won the race; a binding born
				// under it is dead and must not be indexed.
				bp.removeBinding(b)
				continue
			}
			m.bindings[key] = b
			created = append(created, b)
		case !db.Verified && existing != nil:
			// The source changed under an established binding.
			stale = append(stale, existing)
			failures = append(failures, failure{bp: bp, message: db.Message})
		default:
			failures = append(failures, failure{bp: bp, message: db.Message})
		}
	}
	m.mu.Unlock()

	for _, b := range stale {
		b.hook.Destroy()
	}
	for _, b := range created {
		b.breakpoint.hook.Emit(EventBinding, b)
		s.hook.Emit(EventBinding, b)
		logger.Debug().
			Int("session", s.id).
			Str("location", b.breakpoint.loc.String()).
			Int("adapterID", b.AdapterID()).
			Msg("breakpoint bound")
	}
	for _, f := range failures {
		f.bp.hook.Emit(EventBindFailed, s, f.message)
	}
	return nil
}

// forgetBinding drops a binding from the pair index. Called from the
// binding's own destroy hook, so every teardown path lands here.
func (m *Manager) forgetBinding(b *Binding) {
	key := pairKey{session: b.session.id, loc: b.breakpoint.Key()}
	m.mu.Lock()
	if m.bindings[key] == b {
		delete(m.bindings, key)
	}
	m.mu.Unlock()
}

// routeHit matches a stopped event's hit ids against the session's
// bindings and marks each hit.
func (m *Manager) routeHit(s *Session, evt dap.Event) {
	var body dap.StoppedEventBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		return
	}
	if len(body.HitBreakpointIDs) == 0 {
		return
	}

	ids := make(map[int]bool, len(body.HitBreakpointIDs))
	for _, id := range body.HitBreakpointIDs {
		ids[id] = true
	}

	m.mu.Lock()
	var hit []*Binding
	for key, b := range m.bindings {
		if key.session == s.id && ids[b.adapterID] {
			hit = append(hit, b)
		}
	}
	m.mu.Unlock()

	t := s.Thread(body.ThreadID)
	for _, b := range hit {
		b.markHit(t)
	}
}

// persistedBreakpoint is the on-disk shape of one breakpoint.
type persistedBreakpoint struct {
	Path         string `json:"path"`
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
}

// Save writes the breakpoint set to a JSON file so it survives restarts.
func (m *Manager) Save(path string) error {
	var out []persistedBreakpoint
	for _, bp := range m.Breakpoints() {
		out = append(out, persistedBreakpoint{
			Path:         bp.loc.Path,
			Line:         bp.loc.Line,
			Column:       bp.loc.Column,
			Condition:    bp.opts.Condition,
			HitCondition: bp.opts.HitCondition,
			LogMessage:   bp.opts.LogMessage,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breakpoints: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save breakpoints: %w", err)
	}
	return nil
}

// Load restores a breakpoint set written by Save. A missing file is not an
// error; invalid entries are skipped with a warning.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load breakpoints: %w", err)
	}

	var in []persistedBreakpoint
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse breakpoints %s: %w", path, err)
	}

	for _, p := range in {
		loc, err := makeLocation(p.Path, p.Line, p.Column)
		if err != nil {
			logger.Warn().Err(err).Str("path", p.Path).Int("line", p.Line).Msg("skipping saved breakpoint")
			continue
		}
		m.AddBreakpoint(loc, BreakpointOptions{
			Condition:    p.Condition,
			HitCondition: p.HitCondition,
			LogMessage:   p.LogMessage,
		})
	}
	return nil
}

func (m *Manager) snapshotSessionsLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

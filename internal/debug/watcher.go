package debug

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/dapper/internal/logger"
)

// SourceWatcher watches discovered file-backed sources on disk. When one
// changes, every session that knows the source gets a sourceChanged, which
// the breakpoint manager answers with a setBreakpoints carrying
// sourceModified, so line drift after an edit is reconciled against the
// adapter instead of silently going stale.
type SourceWatcher struct {
	engine  *Engine
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]bool
	closed  bool
}

// NewSourceWatcher starts a watcher bound to the engine: sources already
// discovered are watched immediately, and each future session's sources are
// picked up as they load.
func NewSourceWatcher(e *Engine) (*SourceWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create source watcher: %w", err)
	}

	w := &SourceWatcher{
		engine:  e,
		watcher: fsw,
		watched: make(map[string]bool),
	}

	hookSession := func(s *Session) {
		s.OnSourceLoaded(func(src *Source) {
			if path, ok := src.AsFile(); ok {
				w.add(path)
			}
		})
	}
	e.OnSession(hookSession)
	for _, s := range e.Sessions() {
		hookSession(s)
		for _, src := range s.Sources() {
			if path, ok := src.AsFile(); ok {
				w.add(path)
			}
		}
	}

	go w.processLoop()
	return w, nil
}

// Close stops watching. Safe to call more than once.
func (w *SourceWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *SourceWatcher) add(path string) {
	w.mu.Lock()
	if w.closed || w.watched[path] {
		w.mu.Unlock()
		return
	}
	w.watched[path] = true
	w.mu.Unlock()

	if err := w.watcher.Add(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("cannot watch source")
	}
}

func (w *SourceWatcher) processLoop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				w.sourceChanged(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("source watcher error")
		}
	}
}

func (w *SourceWatcher) sourceChanged(path string) {
	logger.Debug().Str("path", path).Msg("source changed on disk")
	for _, s := range w.engine.Sessions() {
		if src := s.FindSource(path); src != nil {
			s.markSourceChanged(src)
		}
	}
}

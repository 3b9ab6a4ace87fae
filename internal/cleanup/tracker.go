// Package cleanup tracks side effects the player applies to the host
// system — the scaled intermediate file, the suppressed console cursor —
// and undoes them on shutdown. Undo actions run in reverse registration
// order, at most once each, regardless of which exit path fired them.
package cleanup

import (
	"sync"

	"go.uber.org/zap"
)

type entry struct {
	kind string
	undo func() error
}

// Tracker is a registry of undo actions for applied side effects.
// Registering has no side effect of its own; nothing runs until
// Release is called.
type Tracker struct {
	mu      sync.Mutex
	logger  *zap.Logger
	entries []entry
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Register records an undo action for a resource kind. Only the first
// registration per kind is kept; duplicates are logged and dropped, so
// an acquire that runs once can never be undone twice.
func (t *Tracker) Register(kind string, undo func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.kind == kind {
			t.logger.Warn("duplicate cleanup registration ignored", zap.String("kind", kind))
			return
		}
	}
	t.entries = append(t.entries, entry{kind: kind, undo: undo})
}

// Len returns the number of registered undo actions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Release runs every registered undo action in reverse registration
// order. A failing undo is logged and does not block its siblings.
// The registry is cleared first, so calling Release again is a no-op.
func (t *Tracker) Release() {
	t.mu.Lock()
	entries := t.entries
	t.entries = nil
	t.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.undo(); err != nil {
			t.logger.Warn("cleanup failed", zap.String("kind", e.kind), zap.Error(err))
			continue
		}
		t.logger.Info("cleanup done", zap.String("kind", e.kind))
	}
}

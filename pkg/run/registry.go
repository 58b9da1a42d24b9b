package run

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionBusy is returned when a session already has a turn in flight.
var ErrSessionBusy = errors.New("A turn is already running for this conversation")

// Info is a snapshot of an in-flight run.
type Info struct {
	ID                string
	SessionID         string
	SessionContextKey string
	NotebookPath      string
	StartedAt         time.Time
}

type activeRun struct {
	Info
	cancel context.CancelFunc
	// previous holds ids the session carried before a rename.
	previous []string
}

// Registry tracks in-flight runs by run id and by session id.
type Registry struct {
	mu        sync.Mutex
	now       func() time.Time
	runs      map[string]*activeRun
	bySession map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		now:       time.Now,
		runs:      make(map[string]*activeRun),
		bySession: make(map[string]string),
	}
}

// Begin registers a run. At most one run per session may be registered.
func (r *Registry) Begin(info Info, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[info.SessionID]; ok {
		return ErrSessionBusy
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = r.now()
	}
	r.runs[info.ID] = &activeRun{Info: info, cancel: cancel}
	r.bySession[info.SessionID] = info.ID
	return nil
}

// Rename moves a run to a new session id. Lookups by the old id keep
// resolving until the run ends.
func (r *Registry) Rename(runID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return false
	}
	if run.SessionID == sessionID {
		return true
	}
	run.previous = append(run.previous, run.SessionID)
	run.SessionID = sessionID
	r.bySession[sessionID] = runID
	return true
}

// Load returns a snapshot of the run.
func (r *Registry) Load(runID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return Info{}, false
	}
	return run.Info, true
}

// RunForSession returns the run currently attached to sessionID, following renames.
func (r *Registry) RunForSession(sessionID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runID, ok := r.bySession[sessionID]
	if !ok {
		return Info{}, false
	}
	run, ok := r.runs[runID]
	if !ok {
		return Info{}, false
	}
	return run.Info, true
}

// Cancel cancels a run. It reports false for unknown or finished runs;
// cancelling twice is harmless.
func (r *Registry) Cancel(runID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return Info{}, false
	}
	if run.cancel != nil {
		run.cancel()
	}
	return run.Info, true
}

// End removes a run and every session id it was known by.
func (r *Registry) End(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return
	}
	for _, id := range append(run.previous, run.SessionID) {
		if r.bySession[id] == runID {
			delete(r.bySession, id)
		}
	}
	delete(r.runs, runID)
}

// Active lists in-flight runs.
func (r *Registry) Active() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run.Info)
	}
	return out
}

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
)

// Delete removes every file stored for id. Deleting an unknown session is not an error.
func (s *Store) Delete(id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) error {
	return removeAll(s.metaPath(id), s.logPath(id), s.journalPath(id))
}

// DeleteAll removes every stored session and reports how many were removed
// and how many could not be.
func (s *Store) DeleteAll() (deleted, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.idsLocked() {
		if err := s.deleteLocked(id); err != nil {
			codexlog.Warn("failed to delete session", "session_id", id, "error", err)
			failed++
			continue
		}
		deleted++
	}
	return deleted, failed
}

// idsLocked lists ids that have metadata, a log, or both.
func (s *Store) idsLocked() []string {
	seen := map[string]struct{}{}
	for _, suffix := range []string{metaSuffix, logSuffix} {
		paths, err := filepath.Glob(filepath.Join(s.dir, "*"+suffix))
		if err != nil {
			continue
		}
		for _, path := range paths {
			if id := idFromPath(path, suffix); ValidID(id) {
				seen[id] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PruneExpired removes sessions idle for longer than the retention window.
// Unless force is set, sweeps run at most once per prune interval.
func (s *Store) PruneExpired(force bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && !s.pruneDueLocked() {
		return 0, nil
	}
	return s.pruneLocked("")
}

func (s *Store) pruneDueLocked() bool {
	return s.lastPrune.IsZero() || s.now().Sub(s.lastPrune) >= s.interval
}

// maybePruneLocked runs a throttled sweep that never touches keep.
func (s *Store) maybePruneLocked(keep string) {
	if !s.pruneDueLocked() {
		return
	}
	if n, err := s.pruneLocked(keep); err != nil {
		codexlog.Warn("session prune failed", "error", err)
	} else if n > 0 {
		codexlog.Info("pruned expired sessions", "count", n)
	}
}

func (s *Store) pruneLocked(keep string) (int, error) {
	s.lastPrune = s.now()
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention)

	pruned := 0
	var firstErr error
	for _, id := range s.idsLocked() {
		if id == keep {
			continue
		}
		if !s.lastActivityLocked(id).Before(cutoff) {
			continue
		}
		if err := s.deleteLocked(id); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to prune session %s: %w", id, err)
			}
			continue
		}
		pruned++
	}
	return pruned, firstErr
}

// lastActivityLocked prefers updated_at, then created_at, then file mtimes.
func (s *Store) lastActivityLocked(id string) time.Time {
	if meta, _ := s.readMetaLocked(id); meta != nil {
		if t := parseTime(meta.UpdatedAt); !t.IsZero() {
			return t
		}
		if t := parseTime(meta.CreatedAt); !t.IsZero() {
			return t
		}
	}
	var latest time.Time
	for _, path := range []string{s.metaPath(id), s.logPath(id)} {
		if info, err := os.Stat(path); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

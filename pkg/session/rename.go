package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"go.uber.org/multierr"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
)

// renameJournal records an in-progress rename. Its presence on disk means the
// staged files for To are complete and the swap must be finished.
type renameJournal struct {
	From      string `json:"from"`
	To        string `json:"to"`
	CreatedAt string `json:"created_at"`
}

// Rename migrates session oldID to newID. The merged metadata lets newID's
// fields win; the merged log is newID's records followed by oldID's.
//
// The merge is staged next to the target, a journal is written, and the
// staged files are swapped in with rename(2). A crash at any point either
// leaves both identities untouched or is finished by the next Open.
func (s *Store) Rename(oldID, newID string) error {
	if !ValidID(oldID) || !ValidID(newID) {
		return ErrInvalidID
	}
	if oldID == newID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renameLocked(oldID, newID)
}

func (s *Store) renameLocked(oldID, newID string) error {
	oldMeta, err := s.readMetaLocked(oldID)
	if err != nil {
		return err
	}
	oldLog, err := readOptional(s.logPath(oldID))
	if err != nil {
		return err
	}
	if oldMeta == nil && oldLog == nil {
		return nil
	}

	newMeta, err := s.readMetaLocked(newID)
	if err != nil {
		return err
	}
	newLog, err := readOptional(s.logPath(newID))
	if err != nil {
		return err
	}

	merged := mergeMetadata(oldMeta, newMeta)
	merged.SessionID = newID
	merged.UpdatedAt = s.timestamp()
	if merged.CreatedAt == "" {
		merged.CreatedAt = merged.UpdatedAt
	}
	metaData, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}

	logData := joinLogs(newLog, oldLog)

	stagedLog := s.logPath(newID) + stagedSuffix
	stagedMeta := s.metaPath(newID) + stagedSuffix
	if err := atomicwriter.WriteFile(stagedLog, logData, 0o600); err != nil {
		return fmt.Errorf("failed to stage session log: %w", err)
	}
	if err := atomicwriter.WriteFile(stagedMeta, metaData, 0o600); err != nil {
		_ = os.Remove(stagedLog)
		return fmt.Errorf("failed to stage session metadata: %w", err)
	}

	journal := renameJournal{From: oldID, To: newID, CreatedAt: merged.UpdatedAt}
	journalData, err := json.Marshal(journal)
	if err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(s.journalPath(oldID), journalData, 0o600); err != nil {
		_ = os.Remove(stagedLog)
		_ = os.Remove(stagedMeta)
		return fmt.Errorf("failed to write rename journal: %w", err)
	}

	if err := s.commitRenameLocked(journal); err != nil {
		return err
	}

	codexlog.Debug("renamed session", "from", oldID, "to", newID)
	return s.enforceLimitsLocked(newID)
}

// commitRenameLocked finishes a journaled rename. Every step is idempotent.
func (s *Store) commitRenameLocked(j renameJournal) error {
	swaps := [][2]string{
		{s.logPath(j.To) + stagedSuffix, s.logPath(j.To)},
		{s.metaPath(j.To) + stagedSuffix, s.metaPath(j.To)},
	}
	for _, swap := range swaps {
		if !fileExists(swap[0]) {
			continue
		}
		if err := os.Rename(swap[0], swap[1]); err != nil {
			return fmt.Errorf("failed to commit rename %s -> %s: %w", j.From, j.To, err)
		}
	}

	if err := removeAll(s.logPath(j.From), s.metaPath(j.From)); err != nil {
		return fmt.Errorf("failed to remove renamed session %s: %w", j.From, err)
	}
	if err := os.Remove(s.journalPath(j.From)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove rename journal: %w", err)
	}
	return nil
}

// recoverRenamesLocked completes journaled renames and discards staged files
// that never got a journal.
func (s *Store) recoverRenamesLocked() error {
	journals, err := filepath.Glob(filepath.Join(s.dir, "*"+journalSuffix))
	if err != nil {
		return err
	}
	for _, path := range journals {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var j renameJournal
		if err := json.Unmarshal(data, &j); err != nil || !ValidID(j.From) || !ValidID(j.To) ||
			filepath.Base(path) != j.From+journalSuffix {
			codexlog.Warn("discarding unreadable rename journal", "path", path)
			_ = os.Remove(path)
			continue
		}
		codexlog.Info("completing interrupted session rename", "from", j.From, "to", j.To)
		if err := s.commitRenameLocked(j); err != nil {
			return err
		}
	}

	staged, err := filepath.Glob(filepath.Join(s.dir, "*"+stagedSuffix))
	if err != nil {
		return err
	}
	for _, path := range staged {
		codexlog.Debug("removing orphaned staged file", "path", path)
		_ = os.Remove(path)
	}
	return nil
}

func mergeMetadata(oldMeta, newMeta *Metadata) Metadata {
	var merged Metadata
	if oldMeta != nil {
		merged = *oldMeta
	}
	if newMeta == nil {
		return merged
	}
	overlay := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	overlay(&merged.NotebookPath, newMeta.NotebookPath)
	overlay(&merged.NotebookOSPath, newMeta.NotebookOSPath)
	overlay(&merged.PairedPath, newMeta.PairedPath)
	overlay(&merged.CreatedAt, newMeta.CreatedAt)
	return merged
}

// joinLogs concatenates two JSONL payloads, making sure a line boundary separates them.
func joinLogs(first, second []byte) []byte {
	var buf bytes.Buffer
	for _, part := range [][]byte{first, second} {
		if len(bytes.TrimSpace(part)) == 0 {
			continue
		}
		buf.Write(part)
		if !bytes.HasSuffix(part, []byte{'\n'}) {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

func removeAll(paths ...string) error {
	var errs error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func idFromPath(path, suffix string) string {
	return strings.TrimSuffix(filepath.Base(path), suffix)
}

// Package session persists chat sessions as one metadata file and one JSONL log per
// session id, bounded in size and pruned after a retention window.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
	"github.com/oy-ilho/jupyterlab-codex/pkg/redact"
)

const (
	metaSuffix    = ".meta.json"
	logSuffix     = ".jsonl"
	stagedSuffix  = ".staged"
	journalSuffix = ".rename.json"

	maxIDLength = 128

	DefaultRetentionDays = 30
	DefaultPruneInterval = time.Hour
)

var (
	// ErrInvalidID is returned for session ids outside [A-Za-z0-9_-].
	ErrInvalidID = errors.New("invalid session id")

	safeIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidID reports whether id is safe to use as a file name stem.
func ValidID(id string) bool {
	return len(id) <= maxIDLength && safeIDRe.MatchString(id)
}

// Metadata is the persisted descriptor of a session.
type Metadata struct {
	SessionID      string `json:"session_id"`
	NotebookPath   string `json:"notebook_path"`
	NotebookOSPath string `json:"notebook_os_path,omitempty"`
	PairedPath     string `json:"paired_path,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// Config configures a Store.
type Config struct {
	Dir           string
	Limits        Limits
	RetentionDays int
	PruneInterval time.Duration
	Redactor      *redact.Redactor
	// Now is injectable for tests.
	Now func() time.Time
}

// Store owns the session directory. A single mutex serializes every
// read-modify-write; exported methods lock once and call *Locked helpers.
type Store struct {
	mu        sync.Mutex
	dir       string
	limits    Limits
	retention time.Duration
	interval  time.Duration
	redactor  *redact.Redactor
	now       func() time.Time
	lastPrune time.Time
}

// Open prepares the directory and completes any rename interrupted by a crash.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	retentionDays := cfg.RetentionDays
	if retentionDays == 0 {
		retentionDays = DefaultRetentionDays
	}
	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	redactor := cfg.Redactor
	if redactor == nil {
		redactor = redact.New(redact.Config{Mode: redact.ModeBasic})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		dir:      cfg.Dir,
		limits:   cfg.Limits.withDefaults(),
		interval: interval,
		redactor: redactor,
		now:      now,
	}
	if retentionDays > 0 {
		s.retention = time.Duration(retentionDays) * 24 * time.Hour
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recoverRenamesLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the session directory.
func (s *Store) Dir() string {
	return s.dir
}

// Limits returns the effective growth limits.
func (s *Store) Limits() Limits {
	return s.limits
}

func (s *Store) metaPath(id string) string    { return filepath.Join(s.dir, id+metaSuffix) }
func (s *Store) logPath(id string) string     { return filepath.Join(s.dir, id+logSuffix) }
func (s *Store) journalPath(id string) string { return filepath.Join(s.dir, id+journalSuffix) }

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// PairedPathFor returns the jupytext counterpart of a notebook path.
func PairedPathFor(notebookPath string) string {
	if strings.EqualFold(filepath.Ext(notebookPath), ".ipynb") {
		return strings.TrimSuffix(notebookPath, filepath.Ext(notebookPath)) + ".py"
	}
	return ""
}

// Ensure creates metadata for id if absent. On an existing session it marks
// activity and fills in missing notebook paths without overwriting them.
func (s *Store) Ensure(id, notebookPath, notebookOSPath string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMetaLocked(id)
	if err != nil {
		return err
	}
	if meta == nil {
		ts := s.timestamp()
		meta = &Metadata{
			SessionID:      id,
			NotebookPath:   notebookPath,
			NotebookOSPath: notebookOSPath,
			PairedPath:     PairedPathFor(notebookPath),
			CreatedAt:      ts,
			UpdatedAt:      ts,
		}
		if err := s.writeMetaLocked(meta); err != nil {
			return err
		}
	} else {
		if meta.NotebookPath == "" && notebookPath != "" {
			meta.NotebookPath = notebookPath
			meta.PairedPath = PairedPathFor(notebookPath)
		}
		if meta.NotebookOSPath == "" {
			meta.NotebookOSPath = notebookOSPath
		}
		meta.UpdatedAt = s.timestamp()
		if err := s.writeMetaLocked(meta); err != nil {
			return err
		}
	}

	s.maybePruneLocked(id)
	return nil
}

// UpdateNotebookPath records a new notebook location for an existing session.
func (s *Store) UpdateNotebookPath(id, notebookPath, notebookOSPath string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMetaLocked(id)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("session %s: %w", id, os.ErrNotExist)
	}
	if notebookPath != "" {
		meta.NotebookPath = notebookPath
		meta.PairedPath = PairedPathFor(notebookPath)
	}
	if notebookOSPath != "" {
		meta.NotebookOSPath = notebookOSPath
	}
	meta.UpdatedAt = s.timestamp()
	return s.writeMetaLocked(meta)
}

// Touch bumps updated_at so the session survives retention pruning.
func (s *Store) Touch(id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchLocked(id)
}

func (s *Store) touchLocked(id string) error {
	meta, err := s.readMetaLocked(id)
	if err != nil {
		return err
	}
	ts := s.timestamp()
	if meta == nil {
		meta = &Metadata{SessionID: id, CreatedAt: ts}
	}
	meta.UpdatedAt = ts
	return s.writeMetaLocked(meta)
}

// Append sanitizes content and writes one record, then enforces growth limits.
// UI previews are kept only on user messages.
func (s *Store) Append(id string, role Role, content string, ui *UI) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		Role:      role,
		Content:   s.sanitize(content),
		Timestamp: s.timestamp(),
	}
	if role == RoleUser {
		msg.UI = NormalizeUI(ui)
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := s.appendLineLocked(id, line); err != nil {
		return err
	}
	if err := s.touchLocked(id); err != nil {
		codexlog.Warn("failed to update session metadata", "session_id", id, "error", err)
	}
	if err := s.enforceLimitsLocked(id); err != nil {
		return err
	}
	s.maybePruneLocked(id)
	return nil
}

func (s *Store) sanitize(content string) string {
	return truncateRunes(s.redactor.String(content), s.limits.MaxContentChars, truncatedSuffix)
}

// appendLineLocked appends one JSON line, first terminating a torn last line
// left behind by an interrupted write so the new record is not merged into it.
func (s *Store) appendLineLocked(id string, line []byte) error {
	f, err := os.OpenFile(s.logPath(id), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat session log: %w", err)
	}
	buf := make([]byte, 0, len(line)+2)
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
			return fmt.Errorf("failed to read session log: %w", err)
		}
		if last[0] != '\n' {
			buf = append(buf, '\n')
		}
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to append to session log: %w", err)
	}
	return nil
}

// enforceLimitsLocked rewrites the log atomically when bounding changed it.
func (s *Store) enforceLimitsLocked(id string) error {
	path := s.logPath(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session log: %w", err)
	}

	records, dropped := decodeLog(data)
	if dropped > 0 {
		codexlog.Debug("dropped corrupt session log lines", "session_id", id, "count", dropped)
	}
	records, changed := applyLimits(records, s.limits)
	if !changed && dropped == 0 {
		return nil
	}
	if err := atomicwriter.WriteFile(path, encodeLog(records), 0o600); err != nil {
		return fmt.Errorf("failed to rewrite session log: %w", err)
	}
	return nil
}

// Load returns the session's messages in write order. Corrupt lines are skipped
// and a missing log yields an empty slice.
func (s *Store) Load(id string) ([]Message, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) ([]Message, error) {
	data, err := os.ReadFile(s.logPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	records, dropped := decodeLog(data)
	if dropped > 0 {
		codexlog.Debug("skipped corrupt session log lines", "session_id", id, "count", dropped)
	}
	messages := make([]Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, r.msg)
	}
	return messages, nil
}

// Exists reports whether metadata or a log is stored for id.
func (s *Store) Exists(id string) bool {
	if !ValidID(id) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fileExists(s.metaPath(id)) || fileExists(s.logPath(id))
}

// Metadata returns the stored descriptor for id, or nil when absent or unreadable.
func (s *Store) Metadata(id string) (*Metadata, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMetaLocked(id)
}

// MatchesNotebook reports whether session id belongs to the given notebook.
// Sessions that never recorded a notebook match anything.
func (s *Store) MatchesNotebook(id, notebookPath, notebookOSPath string) bool {
	if !ValidID(id) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, _ := s.readMetaLocked(id)
	if meta == nil {
		return false
	}
	if meta.NotebookPath == "" && meta.NotebookOSPath == "" {
		return true
	}
	return metaMatches(meta, notebookPath, notebookOSPath)
}

func metaMatches(meta *Metadata, notebookPath, notebookOSPath string) bool {
	if notebookPath != "" && meta.NotebookPath == notebookPath {
		return true
	}
	return notebookOSPath != "" && meta.NotebookOSPath == notebookOSPath
}

// ResolveForNotebook returns the most recently updated session stored for the notebook.
func (s *Store) ResolveForNotebook(notebookPath, notebookOSPath string) (string, bool) {
	if notebookPath == "" && notebookOSPath == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.listLocked()
	if err != nil {
		codexlog.Warn("failed to scan sessions", "error", err)
		return "", false
	}
	for _, meta := range metas {
		if metaMatches(&meta, notebookPath, notebookOSPath) {
			return meta.SessionID, true
		}
	}
	return "", false
}

// List returns all readable session metadata, most recently updated first.
func (s *Store) List() ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() ([]Metadata, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*"+metaSuffix))
	if err != nil {
		return nil, err
	}
	metas := make([]Metadata, 0, len(paths))
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), metaSuffix)
		if !ValidID(id) {
			continue
		}
		meta, err := s.readMetaLocked(id)
		if err != nil || meta == nil {
			continue
		}
		meta.SessionID = id
		metas = append(metas, *meta)
	}
	sort.SliceStable(metas, func(i, j int) bool {
		return parseTime(metas[i].UpdatedAt).After(parseTime(metas[j].UpdatedAt))
	})
	return metas, nil
}

// readMetaLocked returns nil, nil when the file is missing or corrupt.
func (s *Store) readMetaLocked(id string) (*Metadata, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		codexlog.Debug("ignoring corrupt session metadata", "session_id", id, "error", err)
		return nil, nil
	}
	return &meta, nil
}

func (s *Store) writeMetaLocked(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}
	if err := atomicwriter.WriteFile(s.metaPath(meta.SessionID), data, 0o600); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Package store persists the registry. It implements the atomic write
// protocol (temp file + fsync + rename) so no partial registry is ever
// visible to readers, and cleans up incomplete writes left by crashes.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/types"
)

const (
	// StateFileName is the registry file inside the harness home.
	StateFileName = "state.json"
	// InboxSpoolName is the observer-mode capture spool beside the
	// registry. Observers append here; the controller drains it into the
	// registry on its next save.
	InboxSpoolName = "inbox.spool"

	tmpSuffix = ".tmp"
)

// StateStore manages the registry file with atomic writes and crash
// recovery. All paths derive from an injected home directory.
type StateStore struct {
	home      string
	path      string
	tmpPath   string
	spoolPath string
	flk       *flock.Flock
}

// NewStateStore creates a store rooted at the given harness home.
func NewStateStore(home string) *StateStore {
	path := filepath.Join(home, StateFileName)
	return &StateStore{
		home:      home,
		path:      path,
		tmpPath:   path + tmpSuffix,
		spoolPath: filepath.Join(home, InboxSpoolName),
		flk:       flock.New(path + ".lock"),
	}
}

// Path returns the registry file path.
func (s *StateStore) Path() string { return s.path }

func (s *StateStore) ensureHome() error {
	if err := os.MkdirAll(s.home, 0o755); err != nil {
		return fmt.Errorf("create harness home %s: %w", s.home, err)
	}
	return nil
}

// recoverFromCrash deletes a leftover temp file from an interrupted
// write. The rename never happened, so state.json still holds the prior
// valid registry.
func (s *StateStore) recoverFromCrash() {
	if _, err := os.Stat(s.tmpPath); err == nil {
		_ = os.Remove(s.tmpPath)
	}
}

// Load reads the registry. A missing file is an empty registry, not an
// error. A malformed file surfaces StateCorrupt.
func (s *StateStore) Load() (*models.State, error) {
	if err := s.ensureHome(); err != nil {
		return nil, err
	}
	s.recoverFromCrash()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.NewState(), nil
		}
		return nil, fmt.Errorf("read registry %s: %w", s.path, err)
	}

	st := models.NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, types.Errorf(types.KindStateCorrupt, "registry %s is malformed", s.path).
			WithHint("Run 'c-harness doctor --repair-state' to fix.").
			WithErr(err)
	}
	return st, nil
}

// Save drains the observer inbox spool into the state and writes the
// registry atomically.
func (s *StateStore) Save(st *models.State) error {
	if err := s.ensureHome(); err != nil {
		return err
	}
	if err := s.drainInboxSpool(st); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return AtomicWriteFile(s.path, append(data, '\n'))
}

// Mutate runs fn over a freshly loaded state and saves the result, all
// inside a short flock critical section. The reload-modify-write shape
// means a mutation never clobbers registry changes it has not seen.
func (s *StateStore) Mutate(fn func(*models.State) error) (*models.State, error) {
	if err := s.ensureHome(); err != nil {
		return nil, err
	}
	if err := s.flk.Lock(); err != nil {
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	defer func() { _ = s.flk.Unlock() }()

	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	if err := s.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Repair backs up a corrupt registry and resets to an empty state.
// Returns the backup path ("" when nothing needed repair).
func (s *StateStore) Repair() (*models.State, string, error) {
	st, err := s.Load()
	if err == nil {
		return st, "", nil
	}
	if types.KindOf(err) != types.KindStateCorrupt {
		return nil, "", err
	}

	backup := fmt.Sprintf("%s.corrupt.%s", s.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(s.path, backup); err != nil {
		return nil, "", fmt.Errorf("back up corrupt registry: %w", err)
	}
	st = models.NewState()
	if err := s.Save(st); err != nil {
		return nil, backup, err
	}
	return st, backup, nil
}

// AppendInboxSpool records an observer-mode inbox capture. The spool is
// append-only JSONL; this is the one write a non-lease-holder may make.
func (s *StateStore) AppendInboxSpool(item models.InboxItem) error {
	if err := s.ensureHome(); err != nil {
		return err
	}
	line, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal inbox item: %w", err)
	}
	f, err := os.OpenFile(s.spoolPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open inbox spool: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append inbox spool: %w", err)
	}
	return nil
}

// PendingSpool returns captures that are spooled but not yet drained
// into the registry.
func (s *StateStore) PendingSpool() ([]models.InboxItem, error) {
	f, err := os.Open(s.spoolPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open inbox spool: %w", err)
	}
	defer func() { _ = f.Close() }()

	var items []models.InboxItem
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var item models.InboxItem
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			continue
		}
		if item.ID != "" {
			items = append(items, item)
		}
	}
	return items, scanner.Err()
}

// drainInboxSpool folds spooled captures into the state and removes the
// spool. Malformed lines are skipped rather than blocking the save.
func (s *StateStore) drainInboxSpool(st *models.State) error {
	f, err := os.Open(s.spoolPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open inbox spool: %w", err)
	}
	defer func() { _ = f.Close() }()

	seen := map[string]bool{}
	for _, it := range st.Inbox {
		seen[it.ID] = true
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item models.InboxItem
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		if item.ID == "" || seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		st.Inbox = append(st.Inbox, item)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read inbox spool: %w", err)
	}
	return os.Remove(s.spoolPath)
}

// AtomicWriteFile writes data to path via a same-directory temp file,
// fsyncs it, and renames it over the destination. The rename is atomic
// on POSIX, so readers only ever see the old or the new content.
func AtomicWriteFile(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s over %s: %w", tmp, path, err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// WriteHandoff serializes a handoff in the modern form and writes it
// through the atomic write primitive, so handoffs inside worktrees get
// the same torn-write protection as the registry.
func WriteHandoff(h *models.Handoff, path string) error {
	data, err := h.Marshal()
	if err != nil {
		return err
	}
	return AtomicWriteFile(path, data)
}

// LoadHandoff reads and parses a handoff file.
func LoadHandoff(path string) (*models.Handoff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read handoff %s: %w", path, err)
	}
	return models.ParseHandoff(data)
}

// Package lock implements the controller lease: a process-wide
// single-writer lock backed by a lock file with PID liveness and a
// heartbeat file with freshness. At most one process holds the lease;
// everyone else runs as an observer.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cloudharness/commander/types"
)

const (
	// LockFileName and HeartbeatFileName live in the locks dir.
	LockFileName      = "commander.lock"
	HeartbeatFileName = "commander.heartbeat"

	// HeartbeatTimeout is the staleness cutoff: a heartbeat older than
	// this (strictly) marks the holder as hung.
	HeartbeatTimeout = 5 * time.Minute
	// HeartbeatInterval is how often a long-lived session beats.
	HeartbeatInterval = 60 * time.Second
)

// Info is the content of the lock file.
type Info struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"startTime"`
	SessionID string    `json:"sessionId"`
}

// Heartbeat is the content of the heartbeat file. It must reference the
// same session as the lock file; a mismatch is a hard inconsistency.
type Heartbeat struct {
	SessionID  string    `json:"sessionId"`
	LastBeatAt time.Time `json:"lastBeatAt"`
}

// Reason explains how an acquisition resolved.
type Reason string

const (
	Acquired                 Reason = "ACQUIRED"
	TakeoverPIDDead          Reason = "PID_DEAD"
	TakeoverHeartbeatTimeout Reason = "HEARTBEAT_TIMEOUT"
	TakeoverForced           Reason = "FORCED"
)

// ConfirmFunc asks the user to approve a takeover of a hung holder.
// A nil ConfirmFunc means non-interactive: the takeover is refused.
type ConfirmFunc func(holder Info, heartbeatAge time.Duration) bool

// Manager owns the lock and heartbeat files for one process.
type Manager struct {
	lockPath      string
	heartbeatPath string
	sessionID     string

	// Seams for tests.
	Now      func() time.Time
	PIDAlive func(pid int) bool
	Confirm  ConfirmFunc
}

// NewManager creates a lease manager over the given locks directory.
func NewManager(locksDir string) *Manager {
	return &Manager{
		lockPath:      filepath.Join(locksDir, LockFileName),
		heartbeatPath: filepath.Join(locksDir, HeartbeatFileName),
		sessionID:     uuid.NewString(),
		Now:           time.Now,
		PIDAlive:      pidAlive,
	}
}

// SessionID returns this process's session identifier.
func (m *Manager) SessionID() string { return m.sessionID }

// pidAlive probes the OS process table with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

// ReadLock returns the current lock file content, or nil when no lock
// exists. An unreadable lock file is reported as nil with the parse
// error, so callers can treat it as stale.
func (m *Manager) ReadLock() (*Info, error) {
	data, err := os.ReadFile(m.lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ReadHeartbeat returns the current heartbeat, or nil when absent.
func (m *Manager) ReadHeartbeat() (*Heartbeat, error) {
	data, err := os.ReadFile(m.heartbeatPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}

// Acquire attempts to take the controller lease.
//
// The happy path is an atomic exclusive create of the lock file. On
// collision the holder is probed: a dead PID means the lock is stale and
// is overwritten in place (never delete-then-create, which would open a
// window for a third process). A live PID with a fresh heartbeat wins;
// a stale heartbeat requires user confirmation; a heartbeat that does
// not match the lock's session is an inconsistency that only an
// explicit force resolves.
func (m *Manager) Acquire(force bool) (Reason, error) {
	if err := os.MkdirAll(filepath.Dir(m.lockPath), 0o755); err != nil {
		return "", fmt.Errorf("create locks dir: %w", err)
	}

	// Exclusive create with content in one step: the lock body is
	// staged in a session-unique file and linked into place. link(2)
	// fails with EEXIST when a lock already exists, and a successful
	// link publishes the full content atomically, so no reader ever sees
	// a half-written lock.
	created, err := m.tryCreateLock()
	if err != nil {
		return "", err
	}
	if created {
		if err := m.WriteHeartbeat(); err != nil {
			return "", err
		}
		return Acquired, nil
	}

	holder, readErr := m.ReadLock()
	if readErr != nil || holder == nil {
		// Unreadable or vanished between create and read: treat as stale.
		if err := m.takeover(); err != nil {
			return "", err
		}
		return TakeoverPIDDead, nil
	}

	if !m.PIDAlive(holder.PID) {
		if err := m.takeover(); err != nil {
			return "", err
		}
		return TakeoverPIDDead, nil
	}

	if force {
		if err := m.takeover(); err != nil {
			return "", err
		}
		return TakeoverForced, nil
	}

	hb, hbErr := m.ReadHeartbeat()
	if hbErr != nil || hb == nil || hb.SessionID != holder.SessionID {
		return "", types.Errorf(types.KindLockInconsistent,
			"lock (pid %d) and heartbeat disagree", holder.PID).
			WithHint("Pass --force to take over if you are sure the holder is gone.")
	}

	age := m.Now().Sub(hb.LastBeatAt)
	if age > HeartbeatTimeout {
		if m.Confirm != nil && m.Confirm(*holder, age) {
			if err := m.takeover(); err != nil {
				return "", err
			}
			return TakeoverHeartbeatTimeout, nil
		}
		return "", types.Errorf(types.KindLockHeld,
			"controller pid %d is alive but its heartbeat is %s old", holder.PID, age.Round(time.Second)).
			WithHint("Re-run interactively to confirm takeover, or pass --force.")
	}

	return "", types.Errorf(types.KindLockHeld, "another controller is active (pid %d)", holder.PID).
		WithHint("Wait for it to finish, or run read-only commands.")
}

// takeover atomically overwrites lock and heartbeat with this session.
func (m *Manager) takeover() error {
	if err := m.writeLockAtomic(); err != nil {
		return err
	}
	return m.WriteHeartbeat()
}

func (m *Manager) lockInfo() Info {
	return Info{PID: os.Getpid(), StartTime: m.Now().UTC(), SessionID: m.sessionID}
}

func (m *Manager) tryCreateLock() (bool, error) {
	data, err := json.MarshalIndent(m.lockInfo(), "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal lock info: %w", err)
	}
	staging := m.lockPath + "." + m.sessionID
	if err := os.WriteFile(staging, append(data, '\n'), 0o644); err != nil {
		return false, fmt.Errorf("stage lock file: %w", err)
	}
	defer func() { _ = os.Remove(staging) }()

	if err := os.Link(staging, m.lockPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	return true, nil
}

func (m *Manager) writeLockAtomic() error {
	return atomicWrite(m.lockPath, m.lockInfo())
}

// WriteHeartbeat stamps the heartbeat file with now.
func (m *Manager) WriteHeartbeat() error {
	return atomicWrite(m.heartbeatPath, Heartbeat{SessionID: m.sessionID, LastBeatAt: m.Now().UTC()})
}

func atomicWrite(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// RunHeartbeat beats every HeartbeatInterval until the context is
// cancelled. Only long-lived sessions run this; short commands hold the
// lease too briefly for staleness to matter.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.WriteHeartbeat(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: heartbeat write failed: %v\n", err)
			}
		}
	}
}

// Release deletes the lock and heartbeat files, but only if this
// session still owns them; a takeover by someone else must not be
// undone by our exit hook.
func (m *Manager) Release() error {
	if holder, err := m.ReadLock(); err == nil && holder != nil && holder.SessionID == m.sessionID {
		if err := os.Remove(m.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove lock file: %w", err)
		}
	}
	if hb, err := m.ReadHeartbeat(); err == nil && hb != nil && hb.SessionID == m.sessionID {
		if err := os.Remove(m.heartbeatPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove heartbeat file: %w", err)
		}
	}
	return nil
}

// IsController reports whether this process currently holds the lease.
func (m *Manager) IsController() bool {
	holder, err := m.ReadLock()
	return err == nil && holder != nil && holder.SessionID == m.sessionID
}

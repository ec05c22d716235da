package doccheck

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const (
	// DecisionsDirName and DecisionsFileName locate the decision store
	// inside a project repo.
	DecisionsDirName  = ".harness"
	DecisionsFileName = "doc_decisions.json"

	// DeferPeriod is how long a deferred item stays quiet, measured from
	// the decision's creation.
	DeferPeriod = 7 * 24 * time.Hour
)

// DecisionKind is the outcome recorded for a drift item.
type DecisionKind string

const (
	// DecisionInternal marks an item as intentionally undocumented.
	// Internal decisions never expire.
	DecisionInternal DecisionKind = "internal"
	// DecisionDeferred snoozes an item; it re-surfaces strictly after
	// its expiry.
	DecisionDeferred DecisionKind = "deferred"
	// DecisionDocumented records that docs were updated, with the
	// user-provided description.
	DecisionDocumented DecisionKind = "documented"
)

// Decision is one persisted verdict about a drift item.
type Decision struct {
	ItemID      string       `json:"itemId"`
	Decision    DecisionKind `json:"decision"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
}

// Expired reports whether a deferred decision's window has passed.
// Expiry is strict: a decision at exactly its expiry instant still
// holds.
func (d Decision) Expired(now time.Time) bool {
	return d.Decision == DecisionDeferred && d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// DecisionStore persists decisions at <repo>/.harness/doc_decisions.json.
type DecisionStore struct {
	fs        afero.Fs
	path      string
	decisions map[string]Decision
	now       func() time.Time
}

// NewDecisionStore loads (or initializes) the store for a repo.
func NewDecisionStore(fs afero.Fs, repoPath string) (*DecisionStore, error) {
	s := &DecisionStore{
		fs:        fs,
		path:      filepath.Join(repoPath, DecisionsDirName, DecisionsFileName),
		decisions: map[string]Decision{},
		now:       time.Now,
	}
	data, err := afero.ReadFile(fs, s.path)
	if err != nil {
		if exists, _ := afero.Exists(fs, s.path); !exists {
			return s, nil
		}
		return nil, fmt.Errorf("read doc decisions: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.decisions); err != nil {
		return nil, fmt.Errorf("parse doc decisions %s: %w", s.path, err)
	}
	return s, nil
}

// Get returns the decision for an item, if any.
func (s *DecisionStore) Get(itemID string) (Decision, bool) {
	d, ok := s.decisions[itemID]
	return d, ok
}

// Set records a decision and saves. Deferred decisions get an expiry
// DeferPeriod from now; re-deferring an expired item therefore restarts
// the window.
func (s *DecisionStore) Set(itemID string, kind DecisionKind, description string) error {
	d := Decision{
		ItemID:      itemID,
		Decision:    kind,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	if kind == DecisionDeferred {
		exp := d.CreatedAt.Add(DeferPeriod)
		d.ExpiresAt = &exp
	}
	s.decisions[itemID] = d
	return s.save()
}

// Resolved reports whether an item needs no further attention: internal
// decisions are permanent, deferred ones hold until expiry, documented
// ones are settled.
func (s *DecisionStore) Resolved(itemID string) bool {
	d, ok := s.decisions[itemID]
	if !ok {
		return false
	}
	switch d.Decision {
	case DecisionInternal, DecisionDocumented:
		return true
	case DecisionDeferred:
		return !d.Expired(s.now())
	default:
		return false
	}
}

func (s *DecisionStore) save() error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create decisions dir: %w", err)
	}
	data, err := json.MarshalIndent(s.decisions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal doc decisions: %w", err)
	}
	// Same temp+rename shape as the registry, through the afero seam.
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write doc decisions: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace doc decisions: %w", err)
	}
	return nil
}

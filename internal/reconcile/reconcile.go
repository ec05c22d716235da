// Package reconcile folds Git reality into the in-memory view of the
// registry. Git wins every disagreement: runs whose worktrees vanished
// are parked, unknown worktrees are surfaced, branch changes are
// reported but never silently adopted.
package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudharness/commander/internal/events"
	"github.com/cloudharness/commander/internal/git"
	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/store"
	"github.com/cloudharness/commander/types"
)

const (
	// MarkerFile is the per-worktree sigil. Destructive path operations
	// refuse to touch a directory that does not carry it.
	MarkerFile = ".harness-worktree"
	// RunsDirName is where run worktrees live under a project repo.
	RunsDirName = "runs"
	// CacheTTL bounds how long a reconciled view may be reused by
	// read-only commands.
	CacheTTL = 30 * time.Second
)

// DriftKind classifies one discrepancy between registry and Git.
type DriftKind string

const (
	DriftMissingWorktree DriftKind = "MissingWorktree"
	DriftMarkerMissing   DriftKind = "MarkerMissing"
	DriftBranchChanged   DriftKind = "BranchChanged"
	DriftUnknownWorktree DriftKind = "UnknownWorktree"
	DriftDirtyTree       DriftKind = "DirtyTree"
)

// Drift is one discrepancy record.
type Drift struct {
	Kind    DriftKind
	RunID   string
	RunName string
	Path    string
	Branch  string
	Detail  string
}

// ReconciledView is the registry plus everything Git disagreed about.
// Run-state adjustments (parking) live in the view; persisting them is
// the caller's decision.
type ReconciledView struct {
	State       *models.State
	Drifts      []Drift
	RefreshedAt time.Time
}

// DirtyPaths returns the repo paths the view observed as dirty.
func (v *ReconciledView) DirtyPaths() []string {
	var out []string
	for _, d := range v.Drifts {
		if d.Kind == DriftDirtyTree {
			out = append(out, d.Path)
		}
	}
	return out
}

// Reconciler builds reconciled views with a short-lived cache.
type Reconciler struct {
	store  *store.StateStore
	newGit git.Factory
	events *events.Logger
	now    func() time.Time

	mu        sync.Mutex
	cached    *ReconciledView
	cachedKey string
}

// New creates a reconciler.
func New(st *store.StateStore, factory git.Factory, ev *events.Logger) *Reconciler {
	return &Reconciler{store: st, newGit: factory, events: ev, now: time.Now}
}

// Invalidate drops the cached view. Every mutating command calls this
// before acting so it plans against fresh reality.
func (r *Reconciler) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// View returns a reconciled view, reusing a fresh-enough cached one
// when the project set is unchanged.
func (r *Reconciler) View() (*ReconciledView, error) {
	st, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	key := projectKey(st)

	r.mu.Lock()
	if r.cached != nil && r.cachedKey == key && r.now().Sub(r.cached.RefreshedAt) < CacheTTL {
		v := r.cached
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	v, err := r.refresh(st)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = v
	r.cachedKey = key
	r.mu.Unlock()
	return v, nil
}

func projectKey(st *models.State) string {
	ids := make([]string, 0, len(st.Projects))
	for _, p := range st.Projects {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func (r *Reconciler) refresh(st *models.State) (*ReconciledView, error) {
	r.events.Log(events.ReconcileStart, nil)

	view := &ReconciledView{State: st, RefreshedAt: r.now()}

	// Worktrees as Git reports them, per project.
	known := map[string]git.Worktree{}
	for _, p := range st.Projects {
		wts, err := r.newGit(p.RepoPath).WorktreeList()
		if err != nil {
			// A project whose repo vanished is drift, not a fatal error.
			view.Drifts = append(view.Drifts, Drift{
				Kind: DriftMissingWorktree, Path: p.RepoPath,
				Detail: fmt.Sprintf("project %s: %v", p.Name, err),
			})
			continue
		}
		for _, wt := range wts {
			known[normalize(wt.Path)] = wt
		}
	}

	registered := map[string]bool{}
	parked := 0
	for i := range st.Runs {
		run := &st.Runs[i]
		if run.WorktreePath == "" {
			continue
		}
		registered[normalize(run.WorktreePath)] = true

		wt, ok := known[normalize(run.WorktreePath)]
		if !ok {
			if run.State == models.RunCreated || run.State == models.RunRunning || run.State == models.RunFinished {
				view.Drifts = append(view.Drifts, Drift{
					Kind: DriftMissingWorktree, RunID: run.ID, RunName: run.RunName, Path: run.WorktreePath,
				})
				run.State = models.RunParked
				parked++
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(run.WorktreePath, MarkerFile)); err != nil {
			view.Drifts = append(view.Drifts, Drift{
				Kind: DriftMarkerMissing, RunID: run.ID, RunName: run.RunName, Path: run.WorktreePath,
			})
		}
		if run.BranchName != "" && wt.Branch != "" && wt.Branch != run.BranchName {
			view.Drifts = append(view.Drifts, Drift{
				Kind: DriftBranchChanged, RunID: run.ID, RunName: run.RunName,
				Path: run.WorktreePath, Branch: wt.Branch,
				Detail: fmt.Sprintf("registry has %s, worktree has %s", run.BranchName, wt.Branch),
			})
		}
	}

	// Worktrees Git knows about that the registry does not. Primary
	// worktrees (the project repos themselves) are expected.
	projectPaths := map[string]bool{}
	for _, p := range st.Projects {
		projectPaths[normalize(p.RepoPath)] = true
	}
	for path, wt := range known {
		if wt.Bare || registered[path] || projectPaths[path] {
			continue
		}
		view.Drifts = append(view.Drifts, Drift{
			Kind: DriftUnknownWorktree, Path: wt.Path, Branch: wt.Branch,
		})
	}

	// Focus project cleanliness.
	if focus := st.Project(st.FocusProjectID); focus != nil {
		if status, err := r.newGit(focus.RepoPath).Status(); err == nil && !status.Clean {
			view.Drifts = append(view.Drifts, Drift{
				Kind: DriftDirtyTree, Path: focus.RepoPath,
				Detail: fmt.Sprintf("%d files changed", status.FilesChanged),
			})
		}
	}

	r.events.Log(events.ReconcileResult, map[string]any{
		"drifts":     len(view.Drifts),
		"runsParked": parked,
	})
	return view, nil
}

func normalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// CheckClean enforces the dirty-tree policy on the tree about to be
// mutated.
func (r *Reconciler) CheckClean(repoPath string) error {
	status, err := r.newGit(repoPath).Status()
	if err != nil {
		return err
	}
	if !status.Clean {
		return types.Errorf(types.KindDirtyTree, "working tree at %s is dirty (%d files changed)", repoPath, status.FilesChanged).
			WithHint("Commit or stash changes first.")
	}
	return nil
}

// ValidateWorktreePath is the gate in front of every destructive path
// operation. The path must normalize, sit under a registered project's
// repo (or its runs directory), and carry the marker file. Any failure
// refuses with UnsafePath; nothing is ever deleted on refusal.
func (r *Reconciler) ValidateWorktreePath(path string, st *models.State) error {
	real := normalize(path)
	if real == "" || real == "/" {
		return types.Errorf(types.KindUnsafePath, "refusing to operate on %q", path)
	}

	allowed := false
	for _, p := range st.Projects {
		root := normalize(p.RepoPath)
		if isUnder(real, root) || isUnder(real, filepath.Join(root, RunsDirName)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return types.Errorf(types.KindUnsafePath, "%s is not under any registered project", path).
			WithHint("Only harness-managed worktrees can be removed.")
	}

	if _, err := os.Stat(filepath.Join(real, MarkerFile)); err != nil {
		return types.Errorf(types.KindUnsafePath, "%s has no %s marker", path, MarkerFile).
			WithHint("Only harness-managed worktrees can be removed.")
	}
	return nil
}

// isUnder reports whether path is inside root (and not root itself).
func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

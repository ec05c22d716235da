// Package lifecycle orchestrates runs: start, run, finish, clean. Every
// mutation follows plan, execute, verify, commit: the plan is logged
// with the exact git calls and expected postconditions, each
// postcondition is verified after execution, and the registry is only
// written once verification passes.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/cloudharness/commander/internal/agent"
	"github.com/cloudharness/commander/internal/doccheck"
	"github.com/cloudharness/commander/internal/events"
	"github.com/cloudharness/commander/internal/git"
	"github.com/cloudharness/commander/internal/reconcile"
	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/store"
	"github.com/cloudharness/commander/types"
)

// HandoffFileName is the task plan file copied into every worktree.
const HandoffFileName = "handoff.json"

// Engine wires the lifecycle operations over the git driver, the state
// store, and the reconciler.
type Engine struct {
	Store  *store.StateStore
	Events *events.Logger
	Rec    *reconcile.Reconciler
	NewGit git.Factory
	Now    func() time.Time
}

// NewEngine builds an engine with the real clock.
func NewEngine(st *store.StateStore, ev *events.Logger, rec *reconcile.Reconciler, factory git.Factory) *Engine {
	return &Engine{Store: st, Events: ev, Rec: rec, NewGit: factory, Now: time.Now}
}

// StartOptions parameterize Start.
type StartOptions struct {
	RunName     string
	RepoPath    string
	HandoffPath string
	Mode        string
}

// BranchFor returns the conventional branch name for a run.
func BranchFor(runName string) string {
	return "run/" + runName
}

// WorktreeFor returns the conventional worktree path for a run.
func WorktreeFor(repoPath, runName string) string {
	return filepath.Join(repoPath, reconcile.RunsDirName, runName)
}

// Start creates the isolated worktree and branch for a new run, drops
// the marker, installs the handoff, and registers the run.
func (e *Engine) Start(opts StartOptions) (*models.Run, error) {
	e.Rec.Invalidate()

	repoPath, err := filepath.Abs(opts.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}
	gc := e.NewGit(repoPath)
	if !gc.IsRepository() {
		return nil, types.Errorf(types.KindGitError, "%s is not a git repository", repoPath)
	}

	if err := e.Rec.CheckClean(repoPath); err != nil {
		return nil, err
	}

	branch := BranchFor(opts.RunName)
	worktreePath := WorktreeFor(repoPath, opts.RunName)

	st, err := e.Store.Load()
	if err != nil {
		return nil, err
	}
	project := st.ProjectByPath(repoPath)
	if project != nil {
		if existing := st.RunByName(project.ID, opts.RunName); existing != nil {
			return nil, types.Errorf(types.KindConflict, "run %q already exists", opts.RunName).
				WithHint("Pick a different run name or clean the old run first.")
		}
	}
	if gc.BranchExists(branch) {
		return nil, types.Errorf(types.KindConflict, "branch %q already exists", branch).
			WithHint("Pick a different run name or delete the stale branch.")
	}
	if _, err := os.Stat(worktreePath); err == nil {
		return nil, types.Errorf(types.KindConflict, "worktree path %s already exists", worktreePath)
	}

	// Resolve the handoff up front so a malformed plan fails before any
	// git state is created.
	handoff, err := e.resolveHandoff(opts, repoPath)
	if err != nil {
		return nil, err
	}

	e.Events.Log(events.CommandPlan, map[string]any{
		"command": "start",
		"plan": []string{
			fmt.Sprintf("git worktree add -b %s %s HEAD", branch, worktreePath),
			fmt.Sprintf("write %s/%s", worktreePath, reconcile.MarkerFile),
			fmt.Sprintf("write %s/%s", worktreePath, HandoffFileName),
		},
		"postconditions": []string{
			"worktree exists", "marker exists", "branch checked out", "handoff parses",
		},
	})
	e.Events.Log(events.CommandExecute, map[string]any{"command": "start", "run": opts.RunName})

	if err := gc.WorktreeAdd(worktreePath, branch, "HEAD"); err != nil {
		e.verifyFail("start", err)
		return nil, err
	}
	markerPath := filepath.Join(worktreePath, reconcile.MarkerFile)
	if err := os.WriteFile(markerPath, []byte(""), 0o644); err != nil {
		e.verifyFail("start", err)
		return nil, fmt.Errorf("write marker: %w", err)
	}
	handoffDest := filepath.Join(worktreePath, HandoffFileName)
	if err := store.WriteHandoff(handoff, handoffDest); err != nil {
		e.verifyFail("start", err)
		return nil, err
	}

	// Verify.
	if err := e.verifyStart(gc, worktreePath, branch, handoffDest); err != nil {
		e.verifyFail("start", err)
		return nil, err
	}
	e.Events.Log(events.CommandVerifyOK, map[string]any{"command": "start", "run": opts.RunName})

	// Commit.
	now := e.Now().UTC()
	var created *models.Run
	_, err = e.Store.Mutate(func(st *models.State) error {
		project := st.ProjectByPath(repoPath)
		if project == nil {
			st.Projects = append(st.Projects, models.Project{
				ID:            models.NewID(),
				Name:          filepath.Base(repoPath),
				RepoPath:      repoPath,
				Status:        models.ProjectActive,
				LastTouchedAt: now,
			})
			project = &st.Projects[len(st.Projects)-1]
		}
		project.LastTouchedAt = now
		if st.FocusProjectID == "" {
			st.FocusProjectID = project.ID
		}
		run := models.Run{
			ID:            models.NewID(),
			ProjectID:     project.ID,
			RunName:       opts.RunName,
			WorktreePath:  worktreePath,
			BranchName:    branch,
			State:         models.RunCreated,
			LastCommand:   strings.TrimSpace("start " + opts.Mode),
			CreatedAt:     now,
			LastTouchedAt: now,
		}
		st.Runs = append(st.Runs, run)
		created = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.Events.Log(events.StateUpdated, map[string]any{"run": opts.RunName, "state": string(models.RunCreated)})
	return created, nil
}

func (e *Engine) resolveHandoff(opts StartOptions, repoPath string) (*models.Handoff, error) {
	if opts.HandoffPath == "" {
		source := "bootstrap"
		if opts.Mode != "" {
			source = "bootstrap/" + opts.Mode
		}
		return models.TemplateHandoff(filepath.Base(repoPath), source), nil
	}
	return store.LoadHandoff(opts.HandoffPath)
}

func (e *Engine) verifyStart(gc *git.Client, worktreePath, branch, handoffPath string) error {
	info, err := os.Stat(worktreePath)
	if err != nil || !info.IsDir() {
		return types.Errorf(types.KindMissingWorktree, "worktree %s was not created", worktreePath)
	}
	if _, err := os.Stat(filepath.Join(worktreePath, reconcile.MarkerFile)); err != nil {
		return types.Errorf(types.KindMarkerMissing, "marker missing in %s", worktreePath)
	}
	wts, err := gc.WorktreeList()
	if err != nil {
		return err
	}
	found := false
	for _, wt := range wts {
		if samePath(wt.Path, worktreePath) && wt.Branch == branch {
			found = true
			break
		}
	}
	if !found {
		return types.Errorf(types.KindGitError, "branch %s is not checked out at %s", branch, worktreePath)
	}
	if _, err := store.LoadHandoff(handoffPath); err != nil {
		return err
	}
	return nil
}

// Run spawns the agent inside the run's worktree and records the
// outcome. Exit 0 moves the run from running to finished; anything else leaves
// the run running with the result recorded.
func (e *Engine) Run(ctx context.Context, runName string, runner agent.Runner) (int, error) {
	e.Rec.Invalidate()

	st, err := e.Store.Load()
	if err != nil {
		return -1, err
	}
	run := st.RunByName("", runName)
	if run == nil {
		return -1, types.Errorf(types.KindConflict, "no run named %q", runName)
	}
	if _, err := os.Stat(run.WorktreePath); err != nil {
		return -1, types.Errorf(types.KindMissingWorktree, "worktree %s is gone", run.WorktreePath).
			WithHint("Run 'c-harness doctor' to reconcile.")
	}

	runID := run.ID
	if _, err := e.Store.Mutate(func(st *models.State) error {
		r := st.Run(runID)
		if r == nil {
			return types.Errorf(types.KindConflict, "run %q disappeared from the registry", runName)
		}
		r.State = models.RunRunning
		r.LastCommand = "run"
		r.LastTouchedAt = e.Now().UTC()
		return nil
	}); err != nil {
		return -1, err
	}
	e.Events.Log(events.CommandExecute, map[string]any{"command": "run", "run": runName})

	exitCode, runErr := runner.Run(ctx, run.WorktreePath)

	_, saveErr := e.Store.Mutate(func(st *models.State) error {
		r := st.Run(runID)
		if r == nil {
			return nil
		}
		r.LastTouchedAt = e.Now().UTC()
		if runErr != nil {
			r.LastResult = fmt.Sprintf("agent failed to run: %v", runErr)
			return nil
		}
		r.LastResult = fmt.Sprintf("agent exited %d", exitCode)
		if exitCode == 0 {
			r.State = models.RunFinished
		}
		return nil
	})
	if runErr != nil {
		return exitCode, runErr
	}
	if saveErr != nil {
		return exitCode, saveErr
	}
	e.Events.Log(events.StateUpdated, map[string]any{"run": runName, "exitCode": exitCode})
	return exitCode, nil
}

// FinishOptions parameterize Finish.
type FinishOptions struct {
	RunName     string
	RepoPath    string
	HandoffPath string
	DocStrict   bool
	// DocFlags is the CLI surface checked for documentation drift.
	DocFlags []string
	// ResolveDrift engages the user on unresolved items; nil means
	// non-interactive.
	ResolveDrift func(unresolved []doccheck.Drift, store *doccheck.DecisionStore) ([]doccheck.Drift, error)
	// Fs lets tests substitute the doc checker's filesystem.
	Fs afero.Fs
}

// Finish verifies the handoff contract, checks documentation drift,
// pushes the run branch, and marks the run finished.
func (e *Engine) Finish(opts FinishOptions) (string, error) {
	e.Rec.Invalidate()

	st, err := e.Store.Load()
	if err != nil {
		return "", err
	}
	run := st.RunByName("", opts.RunName)
	if run == nil {
		return "", types.Errorf(types.KindConflict, "no run named %q", opts.RunName)
	}

	gc := e.NewGit(run.WorktreePath)

	if err := e.Rec.CheckClean(run.WorktreePath); err != nil {
		e.verifyFail("finish", err)
		return "", err
	}

	handoffPath := opts.HandoffPath
	if handoffPath == "" {
		handoffPath = filepath.Join(run.WorktreePath, HandoffFileName)
	}
	handoff, err := store.LoadHandoff(handoffPath)
	if err != nil {
		e.verifyFail("finish", err)
		return "", err
	}
	if passing, total := handoff.CountPassing(); passing < total {
		err := types.Errorf(types.KindSchemaError, "%d of %d tasks still failing: %s",
			total-passing, total, strings.Join(failingIDs(handoff), ", ")).
			WithHint("Every task must pass before finish.")
		e.verifyFail("finish", err)
		return "", err
	}

	// Documentation drift gate.
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	repoPath := opts.RepoPath
	if repoPath == "" {
		if p := st.Project(run.ProjectID); p != nil {
			repoPath = p.RepoPath
		}
	}
	if repoPath != "" {
		decisions, err := doccheck.NewDecisionStore(fs, repoPath)
		if err != nil {
			return "", err
		}
		res, err := doccheck.Check(fs, repoPath, opts.DocFlags, decisions)
		if err != nil {
			return "", err
		}
		unresolved := res.Unresolved
		if len(unresolved) > 0 && opts.ResolveDrift != nil {
			unresolved, err = opts.ResolveDrift(unresolved, decisions)
			if err != nil {
				return "", err
			}
		}
		if len(unresolved) > 0 && opts.DocStrict {
			err := doccheck.DriftError(unresolved)
			e.verifyFail("finish", err)
			return "", err
		}
	}

	e.Events.Log(events.CommandPlan, map[string]any{
		"command":        "finish",
		"plan":           []string{fmt.Sprintf("git push origin %s", run.BranchName)},
		"postconditions": []string{"remote branch at local head", "run finished in registry"},
	})
	e.Events.Log(events.CommandExecute, map[string]any{"command": "finish", "run": opts.RunName})

	if err := gc.Push("origin", run.BranchName); err != nil {
		e.verifyFail("finish", err)
		return "", err
	}

	// Verify the remote really is at our head.
	localHead, err := gc.HeadCommit()
	if err != nil {
		e.verifyFail("finish", err)
		return "", err
	}
	if remoteHead, err := gc.RevParse("refs/remotes/origin/" + run.BranchName); err == nil && remoteHead != localHead {
		verr := types.Errorf(types.KindGitError, "remote %s is at %.8s, local at %.8s",
			run.BranchName, remoteHead, localHead)
		e.verifyFail("finish", verr)
		return "", verr
	}
	e.Events.Log(events.CommandVerifyOK, map[string]any{"command": "finish", "run": opts.RunName})

	runID := run.ID
	branch := run.BranchName
	if _, err := e.Store.Mutate(func(st *models.State) error {
		r := st.Run(runID)
		if r == nil {
			return nil
		}
		r.State = models.RunFinished
		r.LastCommand = "finish"
		r.LastResult = "pushed " + branch
		r.LastTouchedAt = e.Now().UTC()
		return nil
	}); err != nil {
		return "", err
	}
	e.Events.Log(events.StateUpdated, map[string]any{"run": opts.RunName, "state": string(models.RunFinished)})

	return prURLHint(gc, branch), nil
}

// samePath compares two paths after symlink resolution; git reports
// resolved paths, which may differ textually from what was passed in.
func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = filepath.Clean(a)
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = filepath.Clean(b)
	}
	return ra == rb
}

func failingIDs(h *models.Handoff) []string {
	var ids []string
	for _, t := range h.Tasks {
		if !t.Passes {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// prURLHint derives a pull-request URL from the origin remote, for
// GitHub-shaped remotes. Best effort: "" when the remote is unparseable.
func prURLHint(gc *git.Client, branch string) string {
	url, err := gc.RemoteURL("origin")
	if err != nil {
		return ""
	}
	url = strings.TrimSuffix(url, ".git")
	if strings.HasPrefix(url, "git@") {
		// git@host:owner/repo becomes https://host/owner/repo
		rest := strings.TrimPrefix(url, "git@")
		host, path, ok := strings.Cut(rest, ":")
		if !ok {
			return ""
		}
		url = "https://" + host + "/" + path
	}
	if !strings.HasPrefix(url, "http") {
		return ""
	}
	return fmt.Sprintf("%s/pull/new/%s", url, branch)
}

// Clean removes a run's worktree (and optionally its branch) and drops
// the run from the registry. The path-safety gate runs first; an unsafe
// path is never touched.
func (e *Engine) Clean(runName string, deleteBranch, force bool) error {
	e.Rec.Invalidate()

	st, err := e.Store.Load()
	if err != nil {
		return err
	}
	run := st.RunByName("", runName)
	if run == nil {
		return types.Errorf(types.KindConflict, "no run named %q", runName)
	}
	project := st.Project(run.ProjectID)
	if project == nil {
		return types.Errorf(types.KindConflict, "run %q belongs to no registered project", runName)
	}

	if !force && run.State != models.RunFinished && run.State != models.RunParked {
		return types.Errorf(types.KindConflict, "run %q is %s; only finished or parked runs are cleaned", runName, run.State).
			WithHint("Pass --force to clean anyway.")
	}

	if err := e.Rec.ValidateWorktreePath(run.WorktreePath, st); err != nil {
		e.verifyFail("clean", err)
		return err
	}
	if err := e.Rec.CheckClean(run.WorktreePath); err != nil {
		e.verifyFail("clean", err)
		return err
	}

	plan := []string{fmt.Sprintf("git worktree remove %s", run.WorktreePath)}
	if deleteBranch {
		plan = append(plan, fmt.Sprintf("git branch -D %s", run.BranchName))
	}
	e.Events.Log(events.CommandPlan, map[string]any{
		"command":        "clean",
		"plan":           plan,
		"postconditions": []string{"worktree directory gone", "run removed from registry"},
	})
	e.Events.Log(events.CommandExecute, map[string]any{"command": "clean", "run": runName})

	gc := e.NewGit(project.RepoPath)
	if err := gc.WorktreeRemove(run.WorktreePath, force); err != nil {
		e.verifyFail("clean", err)
		return err
	}
	if deleteBranch && run.BranchName != "" {
		if err := gc.BranchDelete(run.BranchName, true); err != nil {
			// Soft failure: the worktree is gone, which is what matters.
			fmt.Fprintf(os.Stderr, "warning: could not delete branch %s: %v\n", run.BranchName, err)
		}
	}

	if _, err := os.Stat(run.WorktreePath); err == nil {
		verr := types.Errorf(types.KindGitError, "worktree %s still exists after removal", run.WorktreePath)
		e.verifyFail("clean", verr)
		return verr
	}
	e.Events.Log(events.CommandVerifyOK, map[string]any{"command": "clean", "run": runName})

	runID := run.ID
	if _, err := e.Store.Mutate(func(st *models.State) error {
		st.RemoveRun(runID)
		return nil
	}); err != nil {
		return err
	}
	e.Events.Log(events.StateUpdated, map[string]any{"run": runName, "state": "removed"})
	return nil
}

func (e *Engine) verifyFail(command string, err error) {
	e.Events.Log(events.CommandVerifyFail, map[string]any{"command": command, "error": err.Error()})
}

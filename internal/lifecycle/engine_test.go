package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/cloudharness/commander/internal/doccheck"
	"github.com/cloudharness/commander/internal/events"
	"github.com/cloudharness/commander/internal/git"
	"github.com/cloudharness/commander/internal/reconcile"
	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/store"
	"github.com/cloudharness/commander/types"
)

// fakeCommander replays canned output and runs side-effect hooks, so
// worktree add/remove behave like the real git without a repository.
type fakeCommander struct {
	responses map[string]string
	errs      map[string]error
	hooks     map[string]func()
	calls     []string
}

func (f *fakeCommander) Run(name string, args ...string) (string, error) {
	return f.RunInDir("", name, args...)
}

func (f *fakeCommander) RunInDir(dir, name string, args ...string) (string, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if hook, ok := f.hooks[key]; ok {
		hook()
	}
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

type fixture struct {
	engine    *Engine
	store     *store.StateStore
	cmd       *fakeCommander
	home      string
	repoPath  string
	worktree  string
	eventsLog string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	home := t.TempDir()
	repoPath := filepath.Join(t.TempDir(), "app")
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		t.Fatal(err)
	}
	worktree := WorktreeFor(repoPath, "feat-x")

	cmd := &fakeCommander{
		responses: map[string]string{},
		errs:      map[string]error{},
		hooks:     map[string]func(){},
	}
	// Defaults: clean repo on main, run branch absent, worktree add and
	// remove mutate the filesystem like real git.
	cmd.responses["git rev-parse --abbrev-ref HEAD"] = "main"
	cmd.errs["git rev-parse --verify refs/heads/run/feat-x"] = errors.New("fatal: needed a single revision")
	cmd.errs["git rev-list --left-right --count @{upstream}...HEAD"] = errors.New("no upstream")
	cmd.responses["git worktree list --porcelain"] = "worktree " + repoPath + "\nbranch refs/heads/main\n"
	cmd.hooks["git worktree add -b run/feat-x "+worktree+" HEAD"] = func() {
		if err := os.MkdirAll(worktree, 0o755); err != nil {
			t.Fatal(err)
		}
		cmd.responses["git worktree list --porcelain"] = "worktree " + repoPath + "\nbranch refs/heads/main\n\n" +
			"worktree " + worktree + "\nbranch refs/heads/run/feat-x\n"
	}
	cmd.hooks["git worktree remove "+worktree] = func() {
		if err := os.RemoveAll(worktree); err != nil {
			t.Fatal(err)
		}
	}
	cmd.hooks["git worktree remove --force "+worktree] = cmd.hooks["git worktree remove "+worktree]

	eventsLog := filepath.Join(home, "events.log")
	ev := events.NewLogger(eventsLog, "test-session")
	s := store.NewStateStore(home)
	factory := func(dir string) *git.Client { return git.NewClientWithCommander(dir, cmd) }
	rec := reconcile.New(s, factory, ev)

	return &fixture{
		engine:    NewEngine(s, ev, rec, factory),
		store:     s,
		cmd:       cmd,
		home:      home,
		repoPath:  repoPath,
		worktree:  worktree,
		eventsLog: eventsLog,
	}
}

func (f *fixture) start(t *testing.T) *models.Run {
	t.Helper()
	run, err := f.engine.Start(StartOptions{RunName: "feat-x", RepoPath: f.repoPath})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return run
}

func (f *fixture) eventKinds(t *testing.T) []string {
	t.Helper()
	evs, err := events.Read(f.eventsLog, 0)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, e := range evs {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func hasEvent(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func TestStart_FreshRun(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)

	if run.State != models.RunCreated {
		t.Errorf("state = %s, want created", run.State)
	}
	if run.BranchName != "run/feat-x" {
		t.Errorf("branch = %q, want run/feat-x", run.BranchName)
	}
	if run.WorktreePath != f.worktree {
		t.Errorf("worktree = %q, want %q", run.WorktreePath, f.worktree)
	}
	if _, err := os.Stat(filepath.Join(f.worktree, reconcile.MarkerFile)); err != nil {
		t.Error("marker file missing")
	}
	if _, err := store.LoadHandoff(filepath.Join(f.worktree, HandoffFileName)); err != nil {
		t.Errorf("handoff unreadable: %v", err)
	}

	st, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.RunByName("", "feat-x") == nil {
		t.Error("run not in registry")
	}
	if len(st.Projects) != 1 || st.FocusProjectID != st.Projects[0].ID {
		t.Error("first start should register the project and take focus")
	}

	kinds := f.eventKinds(t)
	for _, want := range []string{events.CommandPlan, events.CommandVerifyOK, events.StateUpdated} {
		if !hasEvent(kinds, want) {
			t.Errorf("event log missing %s (got %v)", want, kinds)
		}
	}
}

func TestStart_DirtyTreeRefused(t *testing.T) {
	f := newFixture(t)
	f.cmd.responses["git status --porcelain"] = " M main.go"

	_, err := f.engine.Start(StartOptions{RunName: "feat-x", RepoPath: f.repoPath})
	if types.KindOf(err) != types.KindDirtyTree {
		t.Fatalf("error = %v, want DirtyTree", err)
	}

	st, _ := f.store.Load()
	if len(st.Runs) != 0 {
		t.Error("registry must stay untouched on refusal")
	}
}

func TestStart_NameConflicts(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	// Same name again: the registry has it and the branch exists.
	delete(f.cmd.errs, "git rev-parse --verify refs/heads/run/feat-x")
	_, err := f.engine.Start(StartOptions{RunName: "feat-x", RepoPath: f.repoPath})
	if types.KindOf(err) != types.KindConflict {
		t.Fatalf("error = %v, want Conflict", err)
	}
}

func TestStart_BranchCollision(t *testing.T) {
	f := newFixture(t)
	// Branch exists although no run is registered.
	delete(f.cmd.errs, "git rev-parse --verify refs/heads/run/feat-x")

	_, err := f.engine.Start(StartOptions{RunName: "feat-x", RepoPath: f.repoPath})
	if types.KindOf(err) != types.KindConflict {
		t.Fatalf("error = %v, want Conflict", err)
	}
}

func TestStart_ProvidedHandoffInstalled(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(t.TempDir(), "plan.json")
	h := models.TemplateHandoff("custom", "manual")
	h.Tasks[0].Title = "My custom task"
	if err := store.WriteHandoff(h, src); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.Start(StartOptions{RunName: "feat-x", RepoPath: f.repoPath, HandoffPath: src})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := store.LoadHandoff(filepath.Join(f.worktree, HandoffFileName))
	if err != nil {
		t.Fatal(err)
	}
	if got.Tasks[0].Title != "My custom task" {
		t.Errorf("installed handoff = %+v, want the provided one", got.Tasks[0])
	}
}

// passHandoff rewrites the worktree handoff with every task passing.
func passHandoff(t *testing.T, worktree string) {
	t.Helper()
	path := filepath.Join(worktree, HandoffFileName)
	h, err := store.LoadHandoff(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := range h.Tasks {
		h.Tasks[i].Passes = true
	}
	if err := store.WriteHandoff(h, path); err != nil {
		t.Fatal(err)
	}
}

func TestFinish_DirtyWorktreeRefused(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.cmd.responses["git status --porcelain"] = " M edited.go"

	_, err := f.engine.Finish(FinishOptions{RunName: "feat-x"})
	if types.KindOf(err) != types.KindDirtyTree {
		t.Fatalf("error = %v, want DirtyTree", err)
	}
	if !strings.Contains(strings.ToLower(err.Error()), "dirty") {
		t.Errorf("message %q should mention dirty", err.Error())
	}

	st, _ := f.store.Load()
	if st.RunByName("", "feat-x").State != models.RunCreated {
		t.Error("registry must stay untouched")
	}
	if !hasEvent(f.eventKinds(t), events.CommandVerifyFail) {
		t.Error("event log should record COMMAND_VERIFY_FAIL")
	}
}

func TestFinish_FailingTasksRefused(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.engine.Finish(FinishOptions{RunName: "feat-x"})
	if types.KindOf(err) != types.KindSchemaError {
		t.Fatalf("error = %v, want SchemaError", err)
	}
	if !strings.Contains(err.Error(), "TASK-001") {
		t.Errorf("message %q should name the failing task", err.Error())
	}
}

func TestFinish_PushesAndMarksFinished(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	passHandoff(t, f.worktree)

	f.cmd.responses["git rev-parse HEAD"] = "abc123"
	f.cmd.responses["git rev-parse --verify refs/remotes/origin/run/feat-x"] = "abc123"
	f.cmd.responses["git remote get-url origin"] = "git@github.com:me/app.git"

	prURL, err := f.engine.Finish(FinishOptions{RunName: "feat-x"})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if prURL != "https://github.com/me/app/pull/new/run/feat-x" {
		t.Errorf("pr hint = %q", prURL)
	}

	st, _ := f.store.Load()
	if st.RunByName("", "feat-x").State != models.RunFinished {
		t.Error("run should be finished")
	}
	if !hasEvent(f.eventKinds(t), events.CommandVerifyOK) {
		t.Error("event log should record COMMAND_VERIFY_OK")
	}
}

func TestFinish_PushRejectionAbortsWithoutRegistryChange(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	passHandoff(t, f.worktree)
	f.cmd.errs["git push origin run/feat-x"] = errors.New("! [rejected] run/feat-x (non-fast-forward)")

	_, err := f.engine.Finish(FinishOptions{RunName: "feat-x"})
	if types.KindOf(err) != types.KindPushRejected {
		t.Fatalf("error = %v, want PushRejected", err)
	}
	st, _ := f.store.Load()
	if st.RunByName("", "feat-x").State != models.RunCreated {
		t.Error("registry must stay untouched on push rejection")
	}
}

func TestFinish_DocStrictBlocksThenDecisionUnblocks(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	passHandoff(t, f.worktree)

	f.cmd.responses["git rev-parse HEAD"] = "abc123"
	f.cmd.responses["git rev-parse --verify refs/remotes/origin/run/feat-x"] = "abc123"
	f.cmd.responses["git remote get-url origin"] = "https://github.com/me/app.git"

	// Docs exist but never mention --turbo.
	if err := os.WriteFile(filepath.Join(f.repoPath, "README.md"), []byte("# app"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.repoPath, "AGENT_GUIDE.md"), []byte("# guide"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := FinishOptions{RunName: "feat-x", DocStrict: true, DocFlags: []string{"--turbo"}}
	_, err := f.engine.Finish(opts)
	if types.KindOf(err) != types.KindDocDrift {
		t.Fatalf("error = %v, want DocDrift", err)
	}
	if !strings.Contains(err.Error(), "--turbo") {
		t.Errorf("message %q should list --turbo", err.Error())
	}

	// Record the decision; the same command now succeeds.
	decisions, err2 := doccheck.NewDecisionStore(afero.NewOsFs(), f.repoPath)
	if err2 != nil {
		t.Fatal(err2)
	}
	if err := decisions.Set("cli_flag:--turbo", doccheck.DecisionInternal, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Finish(opts); err != nil {
		t.Fatalf("finish after decision: %v", err)
	}
}

func TestRun_ExitZeroFinishes(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	runner := &fakeRunner{exitCode: 0}
	code, err := f.engine.Run(context.Background(), "feat-x", runner)
	if err != nil || code != 0 {
		t.Fatalf("Run = %d, %v", code, err)
	}
	if runner.dir != f.worktree {
		t.Errorf("agent ran in %q, want the worktree", runner.dir)
	}
	st, _ := f.store.Load()
	if st.RunByName("", "feat-x").State != models.RunFinished {
		t.Error("exit 0 should finish the run")
	}
}

func TestRun_NonZeroStaysRunning(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	code, err := f.engine.Run(context.Background(), "feat-x", &fakeRunner{exitCode: 3})
	if err != nil || code != 3 {
		t.Fatalf("Run = %d, %v", code, err)
	}
	st, _ := f.store.Load()
	run := st.RunByName("", "feat-x")
	if run.State != models.RunRunning {
		t.Errorf("state = %s, want running", run.State)
	}
	if !strings.Contains(run.LastResult, "3") {
		t.Errorf("lastResult = %q, want the exit code recorded", run.LastResult)
	}
}

type fakeRunner struct {
	exitCode int
	dir      string
}

func (r *fakeRunner) Run(ctx context.Context, dir string) (int, error) {
	r.dir = dir
	return r.exitCode, nil
}

func TestClean_RemovesWorktreeAndRun(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if _, err := f.store.Mutate(func(st *models.State) error {
		st.RunByName("", "feat-x").State = models.RunFinished
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Clean("feat-x", true, false); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if _, err := os.Stat(f.worktree); !os.IsNotExist(err) {
		t.Error("worktree should be gone")
	}
	st, _ := f.store.Load()
	if st.RunByName("", "feat-x") != nil {
		t.Error("run should be removed from the registry")
	}
}

func TestClean_RefusesActiveRunWithoutForce(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	err := f.engine.Clean("feat-x", false, false)
	if types.KindOf(err) != types.KindConflict {
		t.Fatalf("error = %v, want Conflict", err)
	}
	if _, statErr := os.Stat(f.worktree); statErr != nil {
		t.Error("worktree must survive the refusal")
	}
}

func TestClean_UnsafePathIsNoop(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if _, err := f.store.Mutate(func(st *models.State) error {
		st.RunByName("", "feat-x").State = models.RunFinished
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	// Strip the marker: the safety gate must now refuse.
	if err := os.Remove(filepath.Join(f.worktree, reconcile.MarkerFile)); err != nil {
		t.Fatal(err)
	}

	err := f.engine.Clean("feat-x", false, false)
	if types.KindOf(err) != types.KindUnsafePath {
		t.Fatalf("error = %v, want UnsafePath", err)
	}
	if _, statErr := os.Stat(f.worktree); statErr != nil {
		t.Error("unsafe path must never be deleted")
	}
	st, _ := f.store.Load()
	if st.RunByName("", "feat-x") == nil {
		t.Error("registry must stay untouched")
	}
}

func TestStart_CreatedAtNotInFuture(t *testing.T) {
	// Start stamps the new run with the engine clock, so its creation
	// time is never ahead of the wall clock.
	f := newFixture(t)
	run := f.start(t)
	if run.CreatedAt.After(time.Now().Add(time.Minute)) {
		t.Error("timestamps should be sane")
	}
}

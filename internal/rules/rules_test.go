package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudharness/commander/internal/reconcile"
	"github.com/cloudharness/commander/models"
)

func project(id, name string) models.Project {
	return models.Project{
		ID: id, Name: name, RepoPath: "/src/" + name,
		Status: models.ProjectActive, LastTouchedAt: time.Now().UTC(),
	}
}

func run(projectID, name string, state models.RunState, worktree string) models.Run {
	return models.Run{
		ID: models.NewID(), ProjectID: projectID, RunName: name,
		WorktreePath: worktree, BranchName: "run/" + name, State: state,
		CreatedAt: time.Now().UTC(), LastTouchedAt: time.Now().UTC(),
	}
}

func handoffWith(passes ...bool) *models.Handoff {
	h := &models.Handoff{Meta: models.HandoffMeta{Project: "p"}}
	for i, p := range passes {
		h.Tasks = append(h.Tasks, models.Task{
			ID:       "T-" + string(rune('1'+i)),
			Category: "functional", Title: "Task " + string(rune('1'+i)),
			Description: "d", AcceptanceCriteria: []string{"c"}, Passes: p,
		})
	}
	return h
}

func view(st *models.State, drifts ...reconcile.Drift) *reconcile.ReconciledView {
	return &reconcile.ReconciledView{State: st, Drifts: drifts, RefreshedAt: time.Now()}
}

func readerFor(handoffs map[string]*models.Handoff) HandoffReader {
	return func(worktreePath string) (*models.Handoff, error) {
		if h, ok := handoffs[worktreePath]; ok {
			return h, nil
		}
		return nil, errors.New("no handoff")
	}
}

func TestComputeNextAction_FinishedRunWantsClean(t *testing.T) {
	wt := t.TempDir()
	st := models.NewState()
	st.Projects = append(st.Projects, project("p1", "app"))
	st.FocusProjectID = "p1"
	st.Runs = append(st.Runs, run("p1", "done-run", models.RunFinished, wt))

	a := ComputeNextAction(view(st), readerFor(nil))
	if !strings.Contains(a.Action, "clean done-run") {
		t.Errorf("action = %q, want clean", a.Action)
	}
}

func TestComputeNextAction_RunningWithFailingTasks(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "gone")
	st := models.NewState()
	st.Projects = append(st.Projects, project("p1", "app"))
	st.FocusProjectID = "p1"
	st.Runs = append(st.Runs, run("p1", "feat-x", models.RunRunning, wt))

	a := ComputeNextAction(view(st), readerFor(map[string]*models.Handoff{
		wt: handoffWith(true, false),
	}))
	if !strings.Contains(a.Action, "run feat-x") {
		t.Errorf("action = %q, want continue run", a.Action)
	}
	if !strings.Contains(a.Why, "1 of 2") {
		t.Errorf("why = %q, want passing count", a.Why)
	}
}

func TestComputeNextAction_AllPassingWantsFinish(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "gone")
	st := models.NewState()
	st.Projects = append(st.Projects, project("p1", "app"))
	st.FocusProjectID = "p1"
	st.Runs = append(st.Runs, run("p1", "feat-x", models.RunRunning, wt))

	a := ComputeNextAction(view(st), readerFor(map[string]*models.Handoff{
		wt: handoffWith(true, true),
	}))
	if !strings.Contains(a.Action, "finish feat-x") {
		t.Errorf("action = %q, want finish", a.Action)
	}
}

func TestComputeNextAction_AllPassingButDirtySkipsFinish(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "gone")
	st := models.NewState()
	st.Projects = append(st.Projects, project("p1", "app"))
	st.FocusProjectID = "p1"
	st.Runs = append(st.Runs, run("p1", "feat-x", models.RunRunning, wt))

	dirty := reconcile.Drift{Kind: reconcile.DriftDirtyTree, Path: wt}
	a := ComputeNextAction(view(st, dirty), readerFor(map[string]*models.Handoff{
		wt: handoffWith(true, true),
	}))
	if strings.Contains(a.Action, "finish") {
		t.Errorf("dirty worktree must not suggest finish, got %q", a.Action)
	}
}

func TestComputeNextAction_NoFocus(t *testing.T) {
	st := models.NewState()
	st.Projects = append(st.Projects, project("p1", "app"))

	a := ComputeNextAction(view(st), readerFor(nil))
	if !strings.Contains(a.Action, "focus set") {
		t.Errorf("action = %q, want focus set", a.Action)
	}
}

func TestComputeNextAction_FocusWithoutRuns(t *testing.T) {
	st := models.NewState()
	st.Projects = append(st.Projects, project("p1", "app"))
	st.FocusProjectID = "p1"

	a := ComputeNextAction(view(st), readerFor(nil))
	if !strings.Contains(a.Action, "start") {
		t.Errorf("action = %q, want start", a.Action)
	}
}

func TestComputeNextAction_PointsAtFirstOpenTask(t *testing.T) {
	wt := filepath.Join(t.TempDir(), "gone")
	st := models.NewState()
	st.Projects = append(st.Projects, project("p1", "app"))
	st.FocusProjectID = "p1"
	st.Runs = append(st.Runs, run("p1", "feat-x", models.RunCreated, wt))

	h := handoffWith(true, false)
	h.Tasks[1].Title = "Wire the OIDC callback"
	a := ComputeNextAction(view(st), readerFor(map[string]*models.Handoff{wt: h}))
	if a.Action != "Wire the OIDC callback" {
		t.Errorf("action = %q, want the open task title", a.Action)
	}
}

func TestComputeNextAction_IsPure(t *testing.T) {
	wt := t.TempDir()
	if err := os.WriteFile(filepath.Join(wt, "f"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	st := models.NewState()
	st.Projects = append(st.Projects, project("p1", "app"))
	st.FocusProjectID = "p1"
	st.Runs = append(st.Runs, run("p1", "done-run", models.RunFinished, wt))

	v := view(st)
	before := *v.State.Run(v.State.Runs[0].ID)
	_ = ComputeNextAction(v, readerFor(nil))
	after := *v.State.Run(v.State.Runs[0].ID)
	if before != after {
		t.Error("rule engine mutated the view")
	}
}

// Package rules picks the single next action from a reconciled view.
// It is pure: a function of the view, never a mutator.
package rules

import (
	"fmt"
	"os"

	"github.com/cloudharness/commander/internal/reconcile"
	"github.com/cloudharness/commander/models"
)

// Action is the rule engine's output: one imperative action, a one-line
// rationale, and a one-line done criterion.
type Action struct {
	Action string `json:"action"`
	Why    string `json:"why"`
	Done   string `json:"done"`
}

// HandoffReader loads the handoff inside a worktree. Injected so the
// engine stays pure and testable.
type HandoffReader func(worktreePath string) (*models.Handoff, error)

// ComputeNextAction applies the priority rules in order; the first match
// wins.
func ComputeNextAction(view *reconcile.ReconciledView, readHandoff HandoffReader) Action {
	st := view.State

	dirty := map[string]bool{}
	for _, p := range view.DirtyPaths() {
		dirty[p] = true
	}

	// 1. A finished run whose worktree still exists should be cleaned.
	for _, run := range st.Runs {
		if run.State == models.RunFinished && worktreeExists(run.WorktreePath) {
			return Action{
				Action: fmt.Sprintf("c-harness clean %s", run.RunName),
				Why:    fmt.Sprintf("Run %q is finished but its worktree is still on disk.", run.RunName),
				Done:   "Worktree removed and run deleted from the registry.",
			}
		}
	}

	// 2. A running run with failing tasks needs the tests continued.
	for _, run := range st.Runs {
		if run.State != models.RunRunning {
			continue
		}
		h := loadHandoff(readHandoff, run.WorktreePath)
		if h == nil {
			continue
		}
		if passing, total := h.CountPassing(); passing < total {
			return Action{
				Action: fmt.Sprintf("c-harness run %s", run.RunName),
				Why:    fmt.Sprintf("Run %q has %d of %d tasks passing.", run.RunName, passing, total),
				Done:   "Every task in the handoff passes.",
			}
		}
	}

	// 3. A run with every task passing and a clean worktree is ready to
	// finish.
	for _, run := range st.Runs {
		if run.State != models.RunCreated && run.State != models.RunRunning {
			continue
		}
		if dirty[run.WorktreePath] {
			continue
		}
		h := loadHandoff(readHandoff, run.WorktreePath)
		if h == nil {
			continue
		}
		if passing, total := h.CountPassing(); total > 0 && passing == total {
			return Action{
				Action: fmt.Sprintf("c-harness finish %s", run.RunName),
				Why:    fmt.Sprintf("All %d tasks in run %q pass.", total, run.RunName),
				Done:   "Branch pushed and run marked finished.",
			}
		}
	}

	// 4. Without a focus project nothing else can be targeted.
	if st.FocusProjectID == "" || st.Project(st.FocusProjectID) == nil {
		return Action{
			Action: "c-harness focus set <project>",
			Why:    "No focus project is set.",
			Done:   "Subsequent commands target the focus project.",
		}
	}

	// 5. A focus project without runs needs one started.
	focusRuns := runsForProject(st, st.FocusProjectID)
	if len(focusRuns) == 0 {
		return Action{
			Action: "c-harness start <run-name>",
			Why:    fmt.Sprintf("Project %q has no runs.", st.Project(st.FocusProjectID).Name),
			Done:   "A worktree exists with a handoff for the agent.",
		}
	}

	// 6. Otherwise point at the first open task of the most recent active
	// run (the first task when all of them pass).
	if run := mostRecentActive(focusRuns); run != nil {
		if h := loadHandoff(readHandoff, run.WorktreePath); h != nil && len(h.Tasks) > 0 {
			t := firstOpenTask(h)
			return Action{
				Action: t.Title,
				Why:    fmt.Sprintf("Task %s is the next open item in run %q.", t.ID, run.RunName),
				Done:   fmt.Sprintf("Task %s passes.", t.ID),
			}
		}
	}

	return Action{
		Action: "c-harness start <run-name>",
		Why:    "Nothing is in flight for the focus project.",
		Done:   "A new run is underway.",
	}
}

func loadHandoff(read HandoffReader, worktreePath string) *models.Handoff {
	if read == nil || worktreePath == "" {
		return nil
	}
	h, err := read(worktreePath)
	if err != nil {
		return nil
	}
	return h
}

func worktreeExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func runsForProject(st *models.State, projectID string) []models.Run {
	var out []models.Run
	for _, r := range st.Runs {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out
}

func mostRecentActive(runs []models.Run) *models.Run {
	var best *models.Run
	for i := range runs {
		r := &runs[i]
		if r.State != models.RunCreated && r.State != models.RunRunning {
			continue
		}
		if best == nil || r.LastTouchedAt.After(best.LastTouchedAt) {
			best = r
		}
	}
	return best
}

func firstOpenTask(h *models.Handoff) *models.Task {
	for i := range h.Tasks {
		if !h.Tasks[i].Passes {
			return &h.Tasks[i]
		}
	}
	return &h.Tasks[0]
}

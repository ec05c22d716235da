package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/cloudharness/commander/internal/reconcile"
	"github.com/cloudharness/commander/models"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func stateBadge(state models.RunState) string {
	switch state {
	case models.RunCreated:
		return dimStyle.Render(string(state))
	case models.RunRunning:
		return okStyle.Render(string(state))
	case models.RunFinished:
		return titleStyle.Render(string(state))
	case models.RunParked, models.RunMissing:
		return badStyle.Render(string(state))
	default:
		return string(state)
	}
}

// renderCockpit draws the status board: focus project, runs, drift
// warnings, and the inbox count.
func renderCockpit(view *reconcile.ReconciledView) string {
	st := view.State
	var b strings.Builder

	b.WriteString(titleStyle.Render("c-harness") + dimStyle.Render("  "+view.RefreshedAt.Format("15:04:05")) + "\n\n")

	focus := st.Project(st.FocusProjectID)
	if focus == nil {
		b.WriteString(warnStyle.Render("No focus project set.") + "\n")
	} else {
		b.WriteString(fmt.Sprintf("%s %s %s\n", headerStyle.Render("Focus:"), focus.Name, dimStyle.Render(focus.RepoPath)))
	}

	if len(st.Runs) == 0 {
		b.WriteString(dimStyle.Render("No runs.") + "\n")
	} else {
		b.WriteString("\n" + headerStyle.Render("Runs") + "\n")
		for _, run := range st.Runs {
			project := st.Project(run.ProjectID)
			projectName := "?"
			if project != nil {
				projectName = project.Name
			}
			b.WriteString(fmt.Sprintf("  %-20s %-10s %s %s\n",
				run.RunName, stateBadge(run.State), dimStyle.Render(projectName), dimStyle.Render(run.BranchName)))
			if run.LastResult != "" {
				b.WriteString(dimStyle.Render("      "+run.LastResult) + "\n")
			}
		}
	}

	if len(view.Drifts) > 0 {
		b.WriteString("\n" + headerStyle.Render("Drift") + "\n")
		for _, d := range view.Drifts {
			b.WriteString("  " + warnStyle.Render(driftLine(d)) + "\n")
		}
	}

	pending := 0
	for _, it := range st.Inbox {
		if it.TriageStatus == "" {
			pending++
		}
	}
	if pending > 0 {
		b.WriteString("\n" + fmt.Sprintf("Inbox: %d item(s) awaiting triage\n", pending))
	}

	return b.String()
}

func driftLine(d reconcile.Drift) string {
	switch d.Kind {
	case reconcile.DriftMissingWorktree:
		if d.RunName != "" {
			return fmt.Sprintf("run %q worktree missing (parked): %s", d.RunName, d.Path)
		}
		return fmt.Sprintf("unreachable repository: %s", d.Path)
	case reconcile.DriftMarkerMissing:
		return fmt.Sprintf("run %q worktree lost its marker: %s", d.RunName, d.Path)
	case reconcile.DriftBranchChanged:
		return fmt.Sprintf("run %q branch changed: %s", d.RunName, d.Detail)
	case reconcile.DriftUnknownWorktree:
		return fmt.Sprintf("unregistered worktree %s (%s)", d.Path, d.Branch)
	case reconcile.DriftDirtyTree:
		return fmt.Sprintf("dirty tree at %s (%s)", d.Path, d.Detail)
	default:
		return fmt.Sprintf("%s: %s", d.Kind, d.Path)
	}
}

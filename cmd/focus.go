package cmd

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/types"
)

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Show the focus project",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		st, err := a.store.Load()
		if err != nil {
			return err
		}
		focus := st.Project(st.FocusProjectID)
		if focus == nil {
			fmt.Println("No focus project set.")
			return nil
		}
		fmt.Printf("%s  %s\n", focus.Name, focus.RepoPath)
		return nil
	},
}

var focusSetCmd = &cobra.Command{
	Use:   "set [id|name]",
	Short: "Set the focus project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.withLease(false, func() error {
			_, err := a.store.Mutate(func(st *models.State) error {
				if len(st.Projects) == 0 {
					return types.NewError(types.KindConflict, "no projects registered yet").
						WithHint("Start a run first; its repository becomes a project.")
				}

				var target *models.Project
				if len(args) == 1 {
					if target = st.Project(args[0]); target == nil {
						target = st.ProjectByName(args[0])
					}
					if target == nil {
						return types.Errorf(types.KindConflict, "no project %q", args[0])
					}
				} else {
					picked, err := pickProject(st.Projects)
					if err != nil {
						return err
					}
					target = picked
				}

				st.FocusProjectID = target.ID
				target.LastTouchedAt = a.engine.Now().UTC()
				fmt.Printf("Focus set to %s\n", target.Name)
				return nil
			})
			if err == nil {
				a.rec.Invalidate()
			}
			return err
		})
	},
}

func pickProject(projects []models.Project) (*models.Project, error) {
	names := make([]string, len(projects))
	for i, p := range projects {
		names[i] = fmt.Sprintf("%s (%s)", p.Name, p.RepoPath)
	}
	sel := promptui.Select{Label: "Select focus project", Items: names}
	idx, _, err := sel.Run()
	if err != nil {
		return nil, err
	}
	return &projects[idx], nil
}

func init() {
	rootCmd.AddCommand(focusCmd)
	focusCmd.AddCommand(focusSetCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudharness/commander/internal/rules"
)

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Suggest the single next action",
	Long: `Apply the priority rules to the reconciled state and print one
imperative action, why it is next, and what done looks like.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		view, err := a.rec.View()
		if err != nil {
			return err
		}
		action := rules.ComputeNextAction(view, readWorktreeHandoff)
		fmt.Printf("%s\n", titleStyle.Render(action.Action))
		fmt.Printf("why:  %s\n", action.Why)
		fmt.Printf("done: %s\n", action.Done)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nextCmd)
}

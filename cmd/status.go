package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cockpit: focus project, runs, and drift",
	Long: `Render the current state of every project and run, reconciled
against Git reality. Read-only; a fresh-enough cached view is reused.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		view, err := a.rec.View()
		if err != nil {
			return err
		}
		fmt.Print(renderCockpit(view))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

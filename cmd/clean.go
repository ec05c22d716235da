package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cleanDeleteBranch bool
	cleanForce        bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean <run-name>",
	Short: "Remove a run's worktree and drop it from the registry",
	Long: `Remove the worktree of a finished or parked run. The path must pass
the safety gate (canonical, under a registered project, carrying the
worktree marker) or nothing is deleted. With --delete-branch the local
run branch is removed too.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.withLease(false, func() error {
			if err := a.engine.Clean(args[0], cleanDeleteBranch, cleanForce); err != nil {
				return err
			}
			fmt.Printf("Run %q cleaned.\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolVar(&cleanDeleteBranch, "delete-branch", false, "also delete the local run branch")
	cleanCmd.Flags().BoolVar(&cleanForce, "force", false, "clean a run that is not finished or parked")
}

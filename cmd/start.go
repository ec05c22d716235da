package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudharness/commander/internal/lifecycle"
)

var (
	startRepoPath    string
	startHandoffPath string
	startMode        string
)

var startCmd = &cobra.Command{
	Use:   "start <run-name>",
	Short: "Create an isolated worktree and branch for a new run",
	Long: `Create a branch run/<run-name> from the repository HEAD, add a
worktree at <repo>/runs/<run-name>, drop the worktree marker, and install
the handoff for the agent. The target repository must be clean.`,
	Example: `  c-harness start feat-x --repo-path ~/src/app
  c-harness start feat-x --repo-path ~/src/app --handoff-path plan.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.withLease(false, func() error {
			run, err := a.engine.Start(lifecycle.StartOptions{
				RunName:     args[0],
				RepoPath:    startRepoPath,
				HandoffPath: startHandoffPath,
				Mode:        startMode,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Run %q created.\n", run.RunName)
			fmt.Printf("  worktree: %s\n", run.WorktreePath)
			fmt.Printf("  branch:   %s\n", run.BranchName)
			fmt.Printf("Next: c-harness run %s --repo-path %s\n", run.RunName, startRepoPath)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVar(&startRepoPath, "repo-path", "", "path to the target git repository")
	startCmd.Flags().StringVar(&startHandoffPath, "handoff-path", "", "handoff file to install in the worktree (default: starter template)")
	startCmd.Flags().StringVar(&startMode, "mode", "brownfield", "run mode: greenfield or brownfield")
	_ = startCmd.MarkFlagRequired("repo-path")
}

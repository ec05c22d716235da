package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloudharness/commander/internal/git"
	"github.com/cloudharness/commander/internal/lifecycle"
	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/store"
	"github.com/cloudharness/commander/types"
)

var (
	bootstrapApply    bool
	bootstrapRepoPath string
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Propose a starter handoff for a repository",
	Long: `Inspect a repository and print a starter handoff seeded from its
recent history. With --apply the handoff is written to the repository
root, ready to be passed to 'start'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repoPath, err := filepath.Abs(bootstrapRepoPath)
		if err != nil {
			return err
		}
		gc := git.NewClient(repoPath)
		if !gc.IsRepository() {
			return types.Errorf(types.KindGitError, "%s is not a git repository", repoPath)
		}

		handoff := models.TemplateHandoff(filepath.Base(repoPath), "bootstrap")
		if commits, err := gc.Log("HEAD", 5); err == nil && len(commits) > 0 {
			handoff.Meta.Phase = "Phase 1"
			handoff.Tasks[0].Description = fmt.Sprintf(
				"Continue from %q. Replace this task with the first concrete change the agent should make.",
				commits[0].Subject)
		}

		if !bootstrapApply {
			data, err := handoff.Marshal()
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		}

		dest := filepath.Join(repoPath, lifecycle.HandoffFileName)
		if _, err := os.Stat(dest); err == nil {
			return types.Errorf(types.KindConflict, "%s already exists", dest)
		}
		if err := store.WriteHandoff(handoff, dest); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", dest)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)

	bootstrapCmd.Flags().BoolVar(&bootstrapApply, "apply", false, "write the handoff to the repository root")
	bootstrapCmd.Flags().StringVar(&bootstrapRepoPath, "repo-path", ".", "repository to inspect")
}

package cmd

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/cloudharness/commander/internal/doccheck"
	"github.com/cloudharness/commander/internal/lifecycle"
)

var (
	finishRepoPath    string
	finishHandoffPath string
	finishDocStrict   bool
)

var finishCmd = &cobra.Command{
	Use:   "finish <run-name>",
	Short: "Verify a run's contract and push its branch",
	Long: `Finish a run: the worktree must be clean, every handoff task must
pass, and documentation drift must be resolved (with --doc-strict,
unresolved drift aborts). The run branch is then pushed to origin and
the run marked finished.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.withLease(false, func() error {
			prURL, err := a.engine.Finish(lifecycle.FinishOptions{
				RunName:      args[0],
				RepoPath:     finishRepoPath,
				HandoffPath:  finishHandoffPath,
				DocStrict:    finishDocStrict,
				DocFlags:     CollectFlags(),
				ResolveDrift: resolveDriftInteractive,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Run %q finished and pushed.\n", args[0])
			if prURL != "" {
				fmt.Printf("Open a pull request: %s\n", prURL)
			}
			return nil
		})
	},
}

// resolveDriftInteractive walks the user through each unresolved drift
// item with the four standard options. Items the user passes on stay
// unresolved.
func resolveDriftInteractive(unresolved []doccheck.Drift, store *doccheck.DecisionStore) ([]doccheck.Drift, error) {
	var remaining []doccheck.Drift
	for i, d := range unresolved {
		fmt.Printf("\nUndocumented change: %s\n  %s\n", d.Item, d.Context)

		sel := promptui.Select{
			Label: "How should this be handled",
			Items: []string{
				"Update docs (record a description)",
				"Mark internal (never ask again)",
				"Defer (ask again in 7 days)",
				"Continue without deciding",
			},
		}
		idx, _, err := sel.Run()
		if err != nil {
			// Prompt aborted: everything left stays unresolved.
			remaining = append(remaining, unresolved[i:]...)
			break
		}
		switch idx {
		case 0:
			p := promptui.Prompt{Label: fmt.Sprintf("Describe %s for the docs", d.Item)}
			desc, err := p.Run()
			if err != nil {
				remaining = append(remaining, d)
				continue
			}
			if err := store.Set(d.ItemID(), doccheck.DecisionDocumented, desc); err != nil {
				return nil, err
			}
		case 1:
			if err := store.Set(d.ItemID(), doccheck.DecisionInternal, ""); err != nil {
				return nil, err
			}
		case 2:
			if err := store.Set(d.ItemID(), doccheck.DecisionDeferred, ""); err != nil {
				return nil, err
			}
		default:
			remaining = append(remaining, d)
		}
	}
	return remaining, nil
}

func init() {
	rootCmd.AddCommand(finishCmd)

	finishCmd.Flags().StringVar(&finishRepoPath, "repo-path", "", "path to the target git repository")
	finishCmd.Flags().StringVar(&finishHandoffPath, "handoff-path", "", "handoff file to verify (default: the worktree copy)")
	finishCmd.Flags().BoolVar(&finishDocStrict, "doc-strict", false, "abort when documentation drift is unresolved")
}

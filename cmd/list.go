package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		view, err := a.rec.View()
		if err != nil {
			return err
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view.State.Runs)
		}

		if len(view.State.Runs) == 0 {
			fmt.Println("No runs.")
			return nil
		}
		for _, run := range view.State.Runs {
			fmt.Printf("%-20s %-10s %s\n", run.RunName, run.State, run.WorktreePath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolVar(&listJSON, "json", false, "machine-readable output")
}

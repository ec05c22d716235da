package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudharness/commander/internal/agent"
)

var (
	runRepoPath string
	runAgentCmd string
)

var runCmd = &cobra.Command{
	Use:   "run <run-name>",
	Short: "Spawn the coding agent inside a run's worktree",
	Long: `Launch the external agent process with its working directory set to
the run's worktree and wait for it. Exit 0 moves the run to finished;
any other exit leaves it running with the result recorded.

The agent command comes from --agent-cmd or the agent.command config
key; agent credentials are the agent's own concern.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.withLease(false, func() error {
			// The runner is built here, not at startup: read-only
			// commands never touch agent configuration.
			command := runAgentCmd
			if command == "" {
				command = viper.GetString("agent.command")
			}
			if command == "" {
				command = "claude"
			}
			runner := agent.NewProcessRunner(command, viper.GetStringSlice("agent.args")...)

			exitCode, err := a.engine.Run(cmd.Context(), args[0], runner)
			if err != nil {
				return err
			}
			if exitCode == 0 {
				fmt.Printf("Agent finished run %q cleanly.\n", args[0])
			} else {
				fmt.Printf("Agent exited %d; run %q stays running.\n", exitCode, args[0])
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runRepoPath, "repo-path", "", "path to the target git repository")
	runCmd.Flags().StringVar(&runAgentCmd, "agent-cmd", "", "agent executable to spawn in the worktree")
}

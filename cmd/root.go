// Package cmd implements the c-harness command surface.
package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cloudharness/commander/internal/config"
	"github.com/cloudharness/commander/internal/logger"
	"github.com/cloudharness/commander/types"
)

var (
	// homeFlag overrides the harness home directory.
	homeFlag string
	// verbose enables technical error output.
	verbose bool
	// version is the application version.
	version = "0.3.0"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "c-harness",
	Short: "Control plane for autonomous coding agent runs",
	Long: `c-harness supervises long-lived autonomous coding agents working
against real Git repositories. Each run gets an isolated worktree on a
dedicated branch; the registry is kept honest against Git reality, and a
controller lease keeps concurrent mutators from corrupting shared state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetCommand(cmd.Name())
		if home, err := config.ResolveHome(); err == nil {
			logger.SetBasePath(home)
		}
	},
}

// Execute runs the root command and maps errors to documented exit codes.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	printError(err)
	code := types.ExitCodeFor(err)
	if code == 1 && strings.Contains(err.Error(), "unknown command") {
		code = 2
	}
	os.Exit(code)
}

func printError(err error) {
	var he *types.Error
	if errors.As(err, &he) {
		os.Stderr.WriteString("Error: " + he.Message + "\n")
		if he.Hint != "" {
			os.Stderr.WriteString(he.Hint + "\n")
		}
		if verbose && he.Err != nil {
			os.Stderr.WriteString("Detail: " + he.Err.Error() + "\n")
		}
		return
	}
	os.Stderr.WriteString("Error: " + err.Error() + "\n")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "harness home directory (default is $HOME/.cloud-harness)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	_ = viper.BindPFlag("home", rootCmd.PersistentFlags().Lookup("home"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindEnv("home", "C_HARNESS_HOME")
}

// GetVersion returns the application version.
func GetVersion() string {
	return version
}

// CollectFlags enumerates every flag declared across the command tree,
// in --name form. This is the input surface for the doc-drift checker.
func CollectFlags() []string {
	seen := map[string]bool{}
	var flags []string
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		c.LocalFlags().VisitAll(func(f *pflag.Flag) {
			name := "--" + f.Name
			if !seen[name] {
				seen[name] = true
				flags = append(flags, name)
			}
		})
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
	return flags
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/cloudharness/commander/internal/events"
	"github.com/cloudharness/commander/internal/reconcile"
	"github.com/cloudharness/commander/models"
)

var sessionInterval time.Duration

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run the long-lived interactive controller session",
	Long: `Hold the controller lease, heartbeat every minute, and redraw the
cockpit on an interval. Branch drift found while the session runs is
surfaced as a prompt; a cancel signal stops the heartbeat, releases the
lease, and exits cleanly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.withLease(false, func() error {
			a.events.Log(events.SessionStarted, map[string]any{"mode": "controller"})
			defer a.events.Log(events.SessionEnded, nil)

			// The heartbeat task owns the heartbeat file; cancelling the
			// context stops it before the lease is released.
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go a.lease.RunHeartbeat(ctx)

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ticker := time.NewTicker(sessionInterval)
			defer ticker.Stop()

			handled := map[string]bool{}
			for {
				a.rec.Invalidate()
				view, err := a.rec.View()
				if err != nil {
					return err
				}
				fmt.Print("\n" + renderCockpit(view))

				if err := engageBranchDrift(a, view, handled); err != nil {
					return err
				}

				select {
				case sig := <-sigs:
					fmt.Printf("\nReceived %v, ending session.\n", sig)
					cancel()
					return nil
				case <-ticker.C:
				}
			}
		})
	},
}

// engageBranchDrift prompts once per drifted run: adopt what Git shows,
// or keep the registry's branch. Never adopted silently.
func engageBranchDrift(a *app, view *reconcile.ReconciledView, handled map[string]bool) error {
	for _, d := range view.Drifts {
		if d.Kind != reconcile.DriftBranchChanged || handled[d.RunID] {
			continue
		}
		handled[d.RunID] = true

		sel := promptui.Select{
			Label: fmt.Sprintf("Run %q: %s", d.RunName, d.Detail),
			Items: []string{
				fmt.Sprintf("Adopt branch %s into the registry", d.Branch),
				"Keep the registry as recorded",
			},
		}
		idx, _, err := sel.Run()
		if err != nil || idx != 0 {
			continue
		}
		runID, branch := d.RunID, d.Branch
		if _, err := a.store.Mutate(func(st *models.State) error {
			if run := st.Run(runID); run != nil {
				run.BranchName = branch
			}
			return nil
		}); err != nil {
			return err
		}
		a.rec.Invalidate()
	}
	return nil
}

func init() {
	rootCmd.AddCommand(sessionCmd)

	sessionCmd.Flags().DurationVar(&sessionInterval, "interval", 30*time.Second, "cockpit refresh interval")
}

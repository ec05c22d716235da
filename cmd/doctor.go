package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudharness/commander/internal/events"
	"github.com/cloudharness/commander/internal/lock"
	"github.com/cloudharness/commander/internal/reconcile"
	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/types"
)

var doctorRepairState bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose registry, lock, and worktree health",
	Long: `Check the registry for corruption, the lock files for staleness,
and every run for missing worktrees. With --repair-state, a corrupt
registry is backed up and reset and drift is persisted (missing
worktrees park their runs).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		healthy := true

		// Registry.
		st, loadErr := a.store.Load()
		switch {
		case loadErr == nil:
			fmt.Printf("registry: ok (%d projects, %d runs)\n", len(st.Projects), len(st.Runs))
		case types.KindOf(loadErr) == types.KindStateCorrupt:
			healthy = false
			fmt.Println("registry: CORRUPT")
		default:
			return loadErr
		}

		// Lock files.
		if holder, err := a.lease.ReadLock(); err == nil && holder != nil {
			alive := a.lease.PIDAlive(holder.PID)
			hb, _ := a.lease.ReadHeartbeat()
			switch {
			case !alive:
				healthy = false
				fmt.Printf("lock: STALE (pid %d is dead)\n", holder.PID)
			case hb == nil || hb.SessionID != holder.SessionID:
				healthy = false
				fmt.Printf("lock: INCONSISTENT (heartbeat does not match pid %d)\n", holder.PID)
			case time.Since(hb.LastBeatAt) > lock.HeartbeatTimeout:
				healthy = false
				fmt.Printf("lock: HUNG (pid %d, last beat %s ago)\n", holder.PID, time.Since(hb.LastBeatAt).Round(time.Second))
			default:
				fmt.Printf("lock: held by pid %d (healthy)\n", holder.PID)
			}
		} else {
			fmt.Println("lock: free")
		}

		// Drift.
		var view *reconcile.ReconciledView
		if loadErr == nil {
			view, err = a.rec.View()
			if err != nil {
				return err
			}
			if len(view.Drifts) == 0 {
				fmt.Println("drift: none")
			} else {
				healthy = false
				for _, d := range view.Drifts {
					fmt.Println("drift: " + driftLine(d))
				}
			}
		}

		if !doctorRepairState {
			if !healthy {
				fmt.Println("\nRun 'c-harness doctor --repair-state' to remediate.")
			}
			return nil
		}

		return a.withLease(false, func() error {
			if types.KindOf(loadErr) == types.KindStateCorrupt {
				_, backup, err := a.store.Repair()
				if err != nil {
					return err
				}
				a.events.Log(events.StateUpdated, map[string]any{"repaired": true, "backup": backup})
				fmt.Printf("registry repaired; corrupt file backed up to %s\n", backup)
				return nil
			}

			// Persist the parking the reconciler observed.
			a.rec.Invalidate()
			view, err := a.rec.View()
			if err != nil {
				return err
			}
			parked := map[string]bool{}
			for _, d := range view.Drifts {
				if d.Kind == reconcile.DriftMissingWorktree && d.RunID != "" {
					parked[d.RunID] = true
				}
			}
			if len(parked) == 0 {
				fmt.Println("Nothing to repair.")
				return nil
			}
			if _, err := a.store.Mutate(func(st *models.State) error {
				for id := range parked {
					if run := st.Run(id); run != nil {
						run.State = models.RunParked
					}
				}
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("Parked %d run(s) with missing worktrees.\n", len(parked))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().BoolVar(&doctorRepairState, "repair-state", false, "repair a corrupt registry and persist drift")
}

package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/manifoldco/promptui"

	"github.com/cloudharness/commander/internal/config"
	"github.com/cloudharness/commander/internal/events"
	"github.com/cloudharness/commander/internal/git"
	"github.com/cloudharness/commander/internal/lifecycle"
	"github.com/cloudharness/commander/internal/lock"
	"github.com/cloudharness/commander/internal/reconcile"
	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/store"
)

// app bundles the wired components for one command invocation.
type app struct {
	home   string
	store  *store.StateStore
	events *events.Logger
	rec    *reconcile.Reconciler
	engine *lifecycle.Engine
	lease  *lock.Manager
}

// newApp resolves the harness home and wires the components. The lease
// manager's session ID stamps every event this process emits.
func newApp() (*app, error) {
	home, err := config.ResolveHome()
	if err != nil {
		return nil, fmt.Errorf("resolve harness home: %w", err)
	}

	lease := lock.NewManager(config.LocksDir(home))
	lease.Confirm = confirmTakeover

	ev := events.NewLogger(config.EventsPath(home), lease.SessionID())
	st := store.NewStateStore(home)
	rec := reconcile.New(st, git.NewClient, ev)
	engine := lifecycle.NewEngine(st, ev, rec, git.NewClient)

	return &app{
		home:   home,
		store:  st,
		events: ev,
		rec:    rec,
		engine: engine,
		lease:  lease,
	}, nil
}

// confirmTakeover asks the user to approve taking over a hung
// controller.
func confirmTakeover(holder lock.Info, age time.Duration) bool {
	prompt := promptui.Prompt{
		Label: fmt.Sprintf("Controller pid %d has not heartbeat for %s. Take over",
			holder.PID, age.Round(time.Second)),
		IsConfirm: true,
	}
	_, err := prompt.Run()
	return err == nil
}

// withLease acquires the controller lease for the duration of fn.
// Mutating commands route through here; on denial the observer exits
// with the lease-denied code.
func (a *app) withLease(force bool, fn func() error) error {
	reason, err := a.lease.Acquire(force)
	if err != nil {
		a.events.Log(events.LockDenied, map[string]any{"error": err.Error()})
		return err
	}
	if reason != lock.Acquired {
		a.events.Log(events.LockStaleTakeover, map[string]any{"reason": string(reason)})
	}
	a.events.Log(events.LockAcquired, nil)
	defer func() {
		_ = a.lease.Release()
		a.events.Log(events.LockReleased, nil)
	}()
	return fn()
}

// readWorktreeHandoff loads the handoff inside a run worktree. Used as
// the rule engine's injected reader.
func readWorktreeHandoff(worktreePath string) (*models.Handoff, error) {
	return store.LoadHandoff(filepath.Join(worktreePath, lifecycle.HandoffFileName))
}

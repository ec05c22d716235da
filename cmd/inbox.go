package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudharness/commander/models"
	"github.com/cloudharness/commander/types"
)

var (
	inboxList    bool
	inboxPromote string
	inboxDismiss string
)

var inboxCmd = &cobra.Command{
	Use:   `inbox ["text"]`,
	Short: "Capture, list, and triage inbox items",
	Long: `Capture a thought without interrupting anything: plain capture is
lease-free (observers may capture too) and lands in an append-only spool
the controller drains on its next save. Promotion turns an item into a
task on the focus project's board; dismissal keeps it in the visible
history.`,
	Example: `  c-harness inbox "rotate the deploy keys"
  c-harness inbox --list
  c-harness inbox --promote 3f1a2b9c`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		switch {
		case inboxPromote != "":
			return a.withLease(false, func() error { return promoteInboxItem(a, inboxPromote) })
		case inboxDismiss != "":
			return a.withLease(false, func() error { return dismissInboxItem(a, inboxDismiss) })
		case inboxList:
			return listInbox(a)
		case len(args) == 1:
			item := models.InboxItem{
				ID:        models.NewID(),
				Text:      args[0],
				CreatedAt: time.Now().UTC(),
			}
			if err := a.store.AppendInboxSpool(item); err != nil {
				return err
			}
			fmt.Printf("Captured %s\n", item.ID[:8])
			return nil
		default:
			return cmd.Help()
		}
	},
}

func listInbox(a *app) error {
	st, err := a.store.Load()
	if err != nil {
		return err
	}
	shown := 0
	for _, it := range st.Inbox {
		status := string(it.TriageStatus)
		if status == "" {
			status = "pending"
		}
		fmt.Printf("%s  %-9s  %s\n", it.ID[:8], status, it.Text)
		shown++
	}
	spooled, err := a.store.PendingSpool()
	if err != nil {
		return err
	}
	for _, it := range spooled {
		fmt.Printf("%s  %-9s  %s\n", it.ID[:8], "spooled", it.Text)
		shown++
	}
	if shown == 0 {
		fmt.Println("Inbox is empty.")
	}
	return nil
}

func promoteInboxItem(a *app, id string) error {
	_, err := a.store.Mutate(func(st *models.State) error {
		item := st.InboxItemByID(id)
		if item == nil {
			return types.Errorf(types.KindConflict, "no inbox item %q", id)
		}
		if item.TriageStatus != "" {
			return types.Errorf(types.KindConflict, "inbox item %s is already %s", id, item.TriageStatus)
		}
		if st.FocusProjectID == "" || st.Project(st.FocusProjectID) == nil {
			return types.NewError(types.KindConflict, "no focus project to promote into").
				WithHint("Set one with 'c-harness focus set'.")
		}
		st.Tasks = append(st.Tasks, models.BoardTask{
			ID:        models.NewID(),
			ProjectID: st.FocusProjectID,
			Title:     item.Text,
			Column:    "todo",
			CreatedAt: time.Now().UTC(),
		})
		item.TriageStatus = models.TriagePromoted
		fmt.Printf("Promoted %s to a task on the focus project.\n", item.ID[:8])
		return nil
	})
	return err
}

func dismissInboxItem(a *app, id string) error {
	_, err := a.store.Mutate(func(st *models.State) error {
		item := st.InboxItemByID(id)
		if item == nil {
			return types.Errorf(types.KindConflict, "no inbox item %q", id)
		}
		item.TriageStatus = models.TriageDismissed
		fmt.Printf("Dismissed %s\n", item.ID[:8])
		return nil
	})
	return err
}

func init() {
	rootCmd.AddCommand(inboxCmd)

	inboxCmd.Flags().BoolVar(&inboxList, "list", false, "list inbox items")
	inboxCmd.Flags().StringVar(&inboxPromote, "promote", "", "promote an item to a task on the focus project")
	inboxCmd.Flags().StringVar(&inboxDismiss, "dismiss", "", "dismiss an item")
}

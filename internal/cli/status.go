package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/me/taskbroker/pkg/model"
)

func newStatusCmd() *cobra.Command {
	var showAttempts bool

	cmd := &cobra.Command{
		Use:   "status <item_id>",
		Short: "Show the state of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/items/" + id)
			if err != nil {
				return fmt.Errorf("get item: %w", err)
			}
			var item model.WorkItem
			if err := decode(resp, &item); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Item: %s\n", item.ID)
			fmt.Fprintf(out, "  Task:     %s\n", item.TaskType)
			fmt.Fprintf(out, "  Owner:    %s\n", item.OwnerID)
			fmt.Fprintf(out, "  Band:     %s (%s)\n", item.Band, item.Queue())
			fmt.Fprintf(out, "  State:    %s\n", item.State)
			fmt.Fprintf(out, "  Attempts: %d/%d\n", item.AttemptCount, item.MaxAttempts)
			if item.ClaimedBy != "" && item.State.IsClaimed() {
				fmt.Fprintf(out, "  Worker:   %s\n", item.ClaimedBy)
			}
			if item.Provider != "" {
				fmt.Fprintf(out, "  Provider: %s\n", item.Provider)
			}
			if item.CancelRequested {
				fmt.Fprintf(out, "  Cancel requested\n")
			}
			if item.LastError != "" {
				fmt.Fprintf(out, "  Error:    %s\n", item.LastError)
			}
			fmt.Fprintf(out, "  Enqueued: %s\n", item.EnqueuedAt.Format("2006-01-02 15:04:05"))
			if item.CompletedAt != nil {
				fmt.Fprintf(out, "  Completed: %s\n", item.CompletedAt.Format("2006-01-02 15:04:05"))
			}

			if !showAttempts {
				return nil
			}
			resp, err = client.Get("/api/v1/items/" + id + "/attempts")
			if err != nil {
				return fmt.Errorf("get attempts: %w", err)
			}
			var attempts []model.Attempt
			if err := decode(resp, &attempts); err != nil {
				return err
			}
			printAttempts(out, attempts)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showAttempts, "attempts", "a", false, "Include the attempt history")
	return cmd
}

func printAttempts(out io.Writer, attempts []model.Attempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(out, "  No attempts yet.")
		return
	}
	fmt.Fprintln(out, "  Attempts:")
	for _, a := range attempts {
		fmt.Fprintf(out, "    #%d %-16s providers=%v", a.Number, a.Outcome, a.Providers)
		if a.Error != "" {
			fmt.Fprintf(out, " error=%q", a.Error)
		}
		fmt.Fprintln(out)
	}
}

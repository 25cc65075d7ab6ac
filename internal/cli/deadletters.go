package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/taskbroker/pkg/model"
)

func newDeadLettersCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List dead-lettered work items",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/dead-letters/?limit=" + strconv.Itoa(limit))
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			var letters []model.DeadLetter
			if err := decode(resp, &letters); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(letters) == 0 {
				fmt.Fprintln(out, "Dead-letter queue is empty.")
				return nil
			}
			for _, dl := range letters {
				fmt.Fprintf(out, "%s  %s  owner=%s  reason=%s\n", dl.Item.ID, dl.Item.TaskType, dl.Item.OwnerID, dl.Item.FailureKind)
				if dl.Item.LastError != "" {
					fmt.Fprintf(out, "  Error: %s\n", dl.Item.LastError)
				}
				printAttempts(out, dl.Attempts)
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(letters), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum items to show")
	cmd.AddCommand(newReplayCmd())
	return cmd
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <item_id>",
		Short: "Requeue a dead-lettered item with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/dead-letters/"+args[0]+"/replay", nil)
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			var item model.WorkItem
			if err := decode(resp, &item); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Item %s requeued on %s\n", item.ID, item.Queue())
			return nil
		},
	}
}

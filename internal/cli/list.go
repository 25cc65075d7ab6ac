package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/taskbroker/pkg/model"
)

func newListCmd() *cobra.Command {
	var (
		state string
		queue string
		owner string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if queue != "" {
				q.Set("queue", queue)
			}
			if owner != "" {
				q.Set("owner", owner)
			}
			q.Set("limit", strconv.Itoa(limit))

			resp, err := client.Get("/api/v1/items/?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list items: %w", err)
			}
			var items []model.WorkItem
			if err := decode(resp, &items); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "No work items found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-14s  %-18s  %-12s  %s\n", "ID", "STATE", "TASK", "OWNER", "ENQUEUED")
			fmt.Fprintf(out, "%-40s  %-14s  %-18s  %-12s  %s\n", "----", "-----", "----", "-----", "--------")
			for _, it := range items {
				fmt.Fprintf(out, "%-40s  %-14s  %-18s  %-12s  %s\n",
					it.ID, it.State, it.TaskType, it.OwnerID, it.EnqueuedAt.Format("2006-01-02 15:04:05"))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(items), resp.Pagination.Total)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (QUEUED, PROCESSING, ...)")
	cmd.Flags().StringVar(&queue, "queue", "", "Filter by queue (interactive, background)")
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum items to show")
	return cmd
}

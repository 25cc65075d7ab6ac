package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/me/taskbroker/pkg/model"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <item_id>",
		Short: "Cancel a work item",
		Long:  "Cancel a queued item right away. A claimed item is flagged and stops at its worker's next check.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Delete("/api/v1/items/" + id)
			if err != nil {
				return fmt.Errorf("cancel item: %w", err)
			}
			var item model.WorkItem
			if err := decode(resp, &item); err != nil {
				return err
			}

			if resp.StatusCode == http.StatusAccepted {
				fmt.Fprintf(cmd.OutOrStdout(), "Item %s: cancel requested (currently %s)\n", id, item.State)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Item %s: %s\n", id, item.State)
			return nil
		},
	}
}

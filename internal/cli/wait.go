package cli

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/taskbroker/pkg/model"
)

// resultPollWindow is how long each result request may block on the server.
const resultPollWindow = 10 * time.Second

func newWaitCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <item_id>",
		Short: "Wait for a work item's result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := waitForResult(args[0], timeout)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")
	return cmd
}

// waitForResult long-polls the result endpoint until the item is terminal or
// timeout passes.
func waitForResult(id string, timeout time.Duration) (model.Result, error) {
	deadline := time.Now().Add(timeout)
	for {
		window := min(time.Until(deadline), resultPollWindow)
		if window <= 0 {
			return model.Result{}, fmt.Errorf("timed out after %s waiting for %s", timeout, id)
		}
		resp, err := client.Get(fmt.Sprintf("/api/v1/items/%s/result?wait=%s", id, window.Round(time.Millisecond)))
		if err != nil {
			return model.Result{}, fmt.Errorf("get result: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			var res model.Result
			if err := decode(resp, &res); err != nil {
				return model.Result{}, err
			}
			return res, nil
		}
		logger.Debug("result pending", "item_id", id)
	}
}

func printResult(out io.Writer, res model.Result) {
	fmt.Fprintf(out, "Result: %s\n", res.Status)
	fmt.Fprintf(out, "  Attempts: %d\n", res.AttemptCount)
	if res.Provider != "" {
		fmt.Fprintf(out, "  Provider: %s\n", res.Provider)
	}
	if res.Error != "" {
		fmt.Fprintf(out, "  Error:    %s\n", res.Error)
	}
	if len(res.Output) > 0 {
		fmt.Fprintf(out, "  Output:\n%s\n", res.Output)
	}
}

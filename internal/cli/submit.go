package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/taskbroker/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var (
		taskType    string
		owner       string
		band        string
		payload     string
		payloadFile string
		maxAttempts int
		wait        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a work item",
		Long: "Submit a work item to the broker. The payload is taken from --payload (JSON, or a plain string)\n" +
			"or from --payload-file (YAML or JSON). With --wait the command blocks until the result is ready.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildPayload(payload, payloadFile)
			if err != nil {
				return err
			}
			req := model.SubmitRequest{
				TaskType:     model.TaskType(taskType),
				Payload:      body,
				OwnerID:      owner,
				PriorityBand: band,
				MaxAttempts:  maxAttempts,
			}
			if errs := req.Validate(); len(errs) > 0 {
				return model.NewValidationError("invalid submission", errs...)
			}

			resp, err := client.Post("/api/v1/items/", req)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			var sub model.SubmitResponse
			if err := decode(resp, &sub); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Item submitted: %s\n", sub.ID)
			fmt.Fprintf(out, "  State: %s\n", sub.State)
			fmt.Fprintf(out, "  Queue: %s\n", sub.Queue)

			if wait <= 0 {
				return nil
			}
			res, err := waitForResult(sub.ID, wait)
			if err != nil {
				return err
			}
			printResult(out, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "task-type", string(model.TaskSimpleQuery), "Task type (simple_query, complex_reasoning, privacy_sensitive, summarization, embedding)")
	cmd.Flags().StringVar(&owner, "owner", os.Getenv("USER"), "Owner ID the spend is charged to")
	cmd.Flags().StringVar(&band, "band", "P1", "Priority band (P0..P3 or INTERACTIVE, NEAR_INTERACTIVE, SCHEDULED, BULK)")
	cmd.Flags().StringVar(&payload, "payload", "", "Inline payload")
	cmd.Flags().StringVarP(&payloadFile, "payload-file", "f", "", "Payload file (YAML or JSON)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt limit (0 uses the server default)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the result")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

// buildPayload turns the payload flags into a JSON document. Inline text that
// is not JSON is sent as a JSON string.
func buildPayload(inline, file string) (json.RawMessage, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse payload %s: %w", file, err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode payload %s: %w", file, err)
		}
		logger.Debug("parsed payload file", "path", file, "size", len(out))
		return out, nil
	}
	if inline == "" {
		return nil, nil
	}
	if json.Valid([]byte(inline)) {
		return json.RawMessage(inline), nil
	}
	return json.Marshal(inline)
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatcher"
)

// dispatchCmd represents the dispatch command
var dispatchCmd = &cobra.Command{
	Use:   "dispatch [delivery-id]",
	Short: "Run one delivery attempt through the dispatch API",
	Long: `Send a trigger for a single delivery to POST /v1/dispatch and print the outcome.

Authentication uses --secret (X-Internal-Secret) when set, otherwise --token.

Examples:
  dispatchctl dispatch 7b0e4c1a-0f7e-4a53-9d0f-3c2d8f1e6a10 --secret $INTERNAL_SECRET
  dispatchctl dispatch 7b0e4c1a-0f7e-4a53-9d0f-3c2d8f1e6a10 --token $JWT_TOKEN --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		out, err := dispatchOne(ctx, args[0])
		if err != nil {
			return err
		}
		printOutcome(cmd.OutOrStdout(), out)
		return nil
	},
}

func dispatchOne(ctx context.Context, id string) (dispatcher.Outcome, error) {
	resp, err := makeHTTPRequest(ctx, http.MethodPost, "/v1/dispatch", delivery.NewTrigger(id))
	if err != nil {
		return dispatcher.Outcome{}, fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatcher.Outcome{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return dispatcher.Outcome{}, fmt.Errorf("dispatch failed (HTTP %d): %s", resp.StatusCode, e.Error)
		}
		return dispatcher.Outcome{}, fmt.Errorf("dispatch failed (HTTP %d)", resp.StatusCode)
	}

	var out dispatcher.Outcome
	if err := json.Unmarshal(body, &out); err != nil {
		return dispatcher.Outcome{}, fmt.Errorf("failed to decode outcome: %w", err)
	}
	if out.DeliveryID == "" {
		out.DeliveryID = id
	}
	return out, nil
}

func printOutcome(w io.Writer, out dispatcher.Outcome) {
	if outputJSON {
		printOutput(w, out)
		return
	}
	switch {
	case !out.Processed && out.Reason != "":
		fmt.Fprintf(w, "- %s skipped: %s\n", out.DeliveryID, out.Reason)
	case out.Success:
		fmt.Fprintf(w, "✓ %s delivered (HTTP %d, attempts %d)\n", out.DeliveryID, deref(out.ResponseStatus), out.Attempts)
	default:
		fmt.Fprintf(w, "✗ %s attempt failed: %s\n", out.DeliveryID, out.Reason)
		if out.Error != "" {
			fmt.Fprintf(w, "  response: %s\n", out.Error)
		}
		fmt.Fprintf(w, "  status: %s, attempts: %d\n", out.Status, out.Attempts)
	}
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_dispatch/internal/db"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/signature"
	"github.com/austindbirch/harbor_dispatch/internal/store"
	"github.com/austindbirch/harbor_dispatch/internal/trigger"
)

// createCmd represents the create command
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Insert a pending delivery",
	Long: `Insert a delivery row in pending state with zero attempts.

The payload may be inline JSON, @path to read a file, or - to read stdin.

Examples:
  dispatchctl create --endpoint ep-1 --event order.paid --payload '{"order":"o-1"}'
  dispatchctl create --endpoint ep-1 --event order.paid --payload @order.json --dispatch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		endpointID, _ := cmd.Flags().GetString("endpoint")
		eventType, _ := cmd.Flags().GetString("event")
		payloadArg, _ := cmd.Flags().GetString("payload")
		id, _ := cmd.Flags().GetString("id")
		thenDispatch, _ := cmd.Flags().GetBool("dispatch")

		payload, err := readPayload(cmd.InOrStdin(), payloadArg)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		// Rejecting here keeps the row from failing as a configuration error on first attempt.
		if _, err := signature.Canonicalize(payload); err != nil {
			return fmt.Errorf("payload: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		st, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		d, err := st.Create(ctx, store.NewDelivery{
			ID:         id,
			EndpointID: endpointID,
			EventType:  eventType,
			Payload:    payload,
		})
		if err != nil {
			return fmt.Errorf("create delivery: %w", err)
		}
		printDelivery(cmd.OutOrStdout(), d)

		if thenDispatch {
			out, err := dispatchOne(ctx, d.ID)
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
		}
		return nil
	},
}

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show a delivery row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		st, closeDB, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		d, err := st.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get delivery %s: %w", args[0], err)
		}
		printDelivery(cmd.OutOrStdout(), d)
		return nil
	},
}

// enqueueCmd represents the enqueue command
var enqueueCmd = &cobra.Command{
	Use:   "enqueue [delivery-id...]",
	Short: "Publish delivery triggers to NSQ",
	Long: `Publish one trigger per delivery id to the dispatcher's NSQ topic.

Examples:
  dispatchctl enqueue 7b0e4c1a-0f7e-4a53-9d0f-3c2d8f1e6a10
  dispatchctl enqueue id-1 id-2 --nsqd nsqd:4150 --topic deliveries`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")

		producer, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer: %w", err)
		}
		defer producer.Stop()

		return enqueueAll(cmd.Context(), cmd.OutOrStdout(), producer, topic, args)
	},
}

func enqueueAll(ctx context.Context, w io.Writer, p trigger.Producer, topic string, ids []string) error {
	logger := logging.NewWithWriter("dispatchctl", io.Discard, logging.LevelError)
	pub := trigger.NewPublisher(p, topic, "", logger)
	for _, id := range ids {
		if err := pub.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
		fmt.Fprintf(w, "✓ enqueued %s on %s\n", id, topic)
	}
	return nil
}

func openStore(ctx context.Context) (store.Store, func(), error) {
	dsn, err := requireDatabaseURL()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	return store.NewPostgres(pool), pool.Close, nil
}

func printDelivery(w io.Writer, d delivery.Delivery) {
	if outputJSON {
		printOutput(w, d)
		return
	}
	fmt.Fprintf(w, "Delivery %s\n", d.ID)
	fmt.Fprintf(w, "  Endpoint: %s\n", d.EndpointID)
	fmt.Fprintf(w, "  Event: %s\n", d.EventType)
	fmt.Fprintf(w, "  Status: %s (attempts %d)\n", d.Status, d.Attempts)
	if d.ResponseStatus != nil {
		fmt.Fprintf(w, "  Last response: HTTP %d\n", *d.ResponseStatus)
	}
	if d.ResponseBody != "" {
		fmt.Fprintf(w, "  Last body: %s\n", d.ResponseBody)
	}
	if d.LastAttemptAt != nil {
		fmt.Fprintf(w, "  Last attempt: %s\n", d.LastAttemptAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	fmt.Fprintf(w, "  Created: %s\n", d.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(enqueueCmd)

	createCmd.Flags().String("endpoint", "", "webhook endpoint id (required)")
	createCmd.Flags().String("event", "", "event type, sent as X-Event (required)")
	createCmd.Flags().String("payload", "{}", "JSON payload, @file, or - for stdin")
	createCmd.Flags().String("id", "", "delivery id (default: generated UUID)")
	createCmd.Flags().Bool("dispatch", false, "dispatch the new delivery immediately")
	_ = createCmd.MarkFlagRequired("endpoint")
	_ = createCmd.MarkFlagRequired("event")

	enqueueCmd.Flags().String("topic", "deliveries", "NSQ trigger topic")
}

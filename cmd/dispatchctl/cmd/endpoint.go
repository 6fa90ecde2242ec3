package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/registry"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage the dispatcher's endpoint cache",
}

// endpointInvalidateCmd represents the endpoint invalidate command
var endpointInvalidateCmd = &cobra.Command{
	Use:   "invalidate [endpoint-id...]",
	Short: "Drop cached endpoints from Redis",
	Long: `Drop endpoints from the dispatcher's Redis cache so the next delivery reads
them from Postgres. Run this after rotating an endpoint secret, changing its URL
or deactivating it, instead of waiting for REDIS_ENDPOINT_TTL.

Examples:
  dispatchctl endpoint invalidate ep-1
  dispatchctl endpoint invalidate ep-1 ep-2 --redis-url redis://cache:6379/0`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		redisURL, _ := cmd.Flags().GetString("redis-url")
		redisURL = firstNonEmpty(redisURL, os.Getenv("REDIS_URL"))
		if redisURL == "" {
			return errors.New("redis URL required: set --redis-url or REDIS_URL")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		client, err := registry.Connect(ctx, redisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		logger := logging.NewWithWriter("dispatchctl", io.Discard, logging.LevelError)
		return invalidateEndpoints(ctx, cmd.OutOrStdout(), registry.NewCached(nil, client, 0, logger), args)
	},
}

type invalidator interface {
	Invalidate(ctx context.Context, endpointID string) error
}

func invalidateEndpoints(ctx context.Context, w io.Writer, c invalidator, ids []string) error {
	for _, id := range ids {
		if id == "" {
			return errors.New("endpoint id must not be empty")
		}
		if err := c.Invalidate(ctx, id); err != nil {
			return fmt.Errorf("invalidate %s: %w", id, err)
		}
		fmt.Fprintf(w, "✓ invalidated %s\n", id)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(endpointInvalidateCmd)

	endpointInvalidateCmd.Flags().String("redis-url", "", "Redis URL of the endpoint cache (overrides REDIS_URL env var)")
}

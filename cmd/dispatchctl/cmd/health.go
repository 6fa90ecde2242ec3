package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_dispatch/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the dispatcher",
	Long: `Check the dispatcher's health over HTTP (GET /healthz) or, with --use-grpc, through
the standard gRPC health service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		useGRPC, _ := cmd.Flags().GetBool("use-grpc")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		w := cmd.OutOrStdout()
		if useGRPC {
			status, err := checkGRPC(ctx, grpcAddr)
			if err != nil {
				fmt.Fprintf(w, "✗ Service is unhealthy: %v\n", err)
				return nil
			}
			if status != healthpb.HealthCheckResponse_SERVING {
				fmt.Fprintf(w, "✗ Service is unhealthy (gRPC %s)\n", status)
				return nil
			}
			fmt.Fprintln(w, "✓ Service is healthy (gRPC)")
			return nil
		}

		st, code, err := checkHTTP(ctx)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			printOutput(w, st)
			return nil
		}
		if code == http.StatusOK {
			fmt.Fprintln(w, "✓ Service is healthy (HTTP)")
		} else {
			fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d): %s\n", code, st.Message)
		}
		return nil
	},
}

func checkHTTP(ctx context.Context) (health.Status, int, error) {
	resp, err := makeHTTPRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return health.Status{}, 0, err
	}
	defer resp.Body.Close()

	var st health.Status
	body, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(body, &st)
	return st, resp.StatusCode, nil
}

func checkGRPC(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("use-grpc", false, "use the gRPC health service instead of HTTP")
}

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewHealthCommand constructs `health`, which queries a running node's gRPC
// health service.
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			service, _ := cmd.Flags().GetString("service")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return withConn(ctx, addr, func(ctx context.Context, conn *grpc.ClientConn) error {
				res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "status:", res.GetStatus())
				if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
					return fmt.Errorf("server is %s", res.GetStatus())
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", grpcAddrFromEnv(), "gRPC address (env FLOMQ_GRPC)")
	cmd.Flags().String("service", "", "Health service name (empty for the whole server)")
	cmd.Flags().Duration("timeout", 3*time.Second, "Request timeout")
	return cmd
}

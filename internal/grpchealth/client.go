package grpchealth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/spoof-detector/internal/logging"
)

// Dial returns a health client for the service listening on addr.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (healthpb.HealthClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpchealth.dial", "", err)
		logger.Error("failed to dial health service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return healthpb.NewHealthClient(conn), conn, nil
}

// Probe reports whether the remote detector service is serving.
func Probe(ctx context.Context, client healthpb.HealthClient) (bool, error) {
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, logging.NewOperationError("grpchealth.check", "", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Package grpchealth exposes model readiness over the standard
// grpc.health.v1 protocol and provides a matching probe client.
package grpchealth

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name registered next to the overall ("")
// status.
const ServiceName = "spoofdetector.Detector"

// NewServer builds a gRPC server with the health service registered. The
// reported status mirrors modelLoaded and never changes since the model is
// not reloaded.
func NewServer(modelLoaded bool, logger *zap.Logger) *grpc.Server {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if modelLoaded {
		status = healthpb.HealthCheckResponse_SERVING
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", status)
	healthServer.SetServingStatus(ServiceName, status)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	logger.Named("grpchealth").Info("health service configured", zap.String("status", status.String()))
	return server
}

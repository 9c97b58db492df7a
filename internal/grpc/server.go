// Package grpc hosts the internal gRPC endpoint used by orchestrators and
// sibling services for health checks.
package grpc

import (
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"messaging-service/internal/observability"
)

// ServiceName is the name reported by the health service.
const ServiceName = "messaging.v1.Messaging"

// Server wraps a grpc.Server exposing the standard health service.
type Server struct {
	server *grpc.Server
	health *health.Server
}

// NewServer builds a server with tracing and request metrics.
func NewServer() *Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{server: srv, health: h}
}

// SetServing flips the reported status of the service and of the server as
// a whole.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks accepting connections on lis.
func (s *Server) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop marks the service as not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

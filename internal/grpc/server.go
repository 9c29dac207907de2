// Package grpc serves the standard gRPC health service for the login
// service so load balancers can probe its dependencies.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

type Server struct {
	port   string
	checks map[string]Check
	health *health.Server
	srv    *grpc.Server
	log    hclog.Logger
}

// NewServer registers the health service. Each check is reported as its
// own service name; the empty name is SERVING only while every check
// passes.
func NewServer(port string, checks map[string]Check, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		port:   port,
		checks: checks,
		health: health.NewServer(),
		srv:    grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		log:    logger,
	}
	healthpb.RegisterHealthServer(s.srv, s.health)

	// Enable reflection for tools like grpcurl
	reflection.Register(s.srv)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for name := range checks {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Start listens on the configured port and blocks until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.log.Info("gRPC health service listening", "port", s.port)
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}

// Refresh runs every check once and publishes the results.
func (s *Server) Refresh(ctx context.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		status := healthpb.HealthCheckResponse_SERVING
		if err := s.checks[name](ctx); err != nil {
			s.log.Warn("health check failed", "check", name, "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Monitor refreshes immediately and then every interval until ctx ends.
func (s *Server) Monitor(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

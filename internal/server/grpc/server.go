// Package grpc exposes the standard gRPC health service so orchestrators can
// probe the process next to the HTTP surface.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/hashledger/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health entry reported for the ingestion service in
// addition to the overall ("") entry.
const ServiceName = "hashledger.Ingest"

type GRPCServer struct {
	address string
	logger  logging.Logger
	health  *health.Server
}

// NewGRPCServer returns a server whose health entries start as NOT_SERVING.
func NewGRPCServer(a string, l logging.Logger) *GRPCServer {
	s := &GRPCServer{
		address: a,
		logger:  l.With("module", "grpc_server"),
		health:  health.NewServer(),
	}
	s.SetServing(false)
	return s
}

// SetServing flips both health entries.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done. On the way out every
// health entry turns NOT_SERVING before the server drains.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor))
	healthpb.RegisterHealthServer(srv, s.health)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(lis); err != nil {
		return err
	}

	return nil
}

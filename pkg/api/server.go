package api

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server serves the admin service on a TCP address with every method and
// on a unix socket restricted to read-only methods
type Server struct {
	admin  AdminServer
	logger zerolog.Logger

	tcp    *grpc.Server
	socket *grpc.Server
	health *health.Server

	wg sync.WaitGroup
}

// NewServer creates the admin gRPC servers around admin
func NewServer(admin AdminServer, logger zerolog.Logger) *Server {
	s := &Server{
		admin:  admin,
		logger: logger,
		health: health.NewServer(),
		tcp: grpc.NewServer(
			grpc.ChainUnaryInterceptor(MetricsInterceptor()),
		),
		socket: grpc.NewServer(
			grpc.ChainUnaryInterceptor(MetricsInterceptor(), ReadOnlyInterceptor()),
		),
	}
	for _, g := range []*grpc.Server{s.tcp, s.socket} {
		g.RegisterService(&ServiceDesc, admin)
		healthpb.RegisterHealthServer(g, s.health)
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Start listens on addr and socket. Either may be empty to skip that
// listener. A stale socket file is removed first.
func (s *Server) Start(addr, socket string) error {
	if addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.serve(s.tcp, lis)
		s.logger.Info().Str("addr", lis.Addr().String()).Msg("Admin API listening")
	}
	if socket != "" {
		if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.Stop()
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
		lis, err := net.Listen("unix", socket)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to listen on %s: %w", socket, err)
		}
		if err := os.Chmod(socket, 0o660); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to set socket permissions")
		}
		s.serve(s.socket, lis)
		s.logger.Info().Str("socket", socket).Msg("Read-only admin API listening")
	}
	return nil
}

// Serve serves the full admin service on lis until Stop
func (s *Server) Serve(lis net.Listener) {
	s.serve(s.tcp, lis)
}

// ServeReadOnly serves the read-only admin service on lis until Stop
func (s *Server) ServeReadOnly(lis net.Listener) {
	s.serve(s.socket, lis)
}

func (s *Server) serve(g *grpc.Server, lis net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Str("addr", lis.Addr().String()).Msg("Admin API stopped")
		}
	}()
}

// Stop drains in-flight calls and stops both listeners
func (s *Server) Stop() {
	s.health.Shutdown()
	s.tcp.GracefulStop()
	s.socket.GracefulStop()
	s.wg.Wait()
}

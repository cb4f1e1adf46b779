// Package health serves the standard gRPC health protocol for the execution core.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service key reported next to the overall ("") status.
const ServiceName = "execution-core"

// Server wraps a grpc.Server exposing only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server

	mu  sync.Mutex
	lis net.Listener
}

// NewServer returns a server reporting NOT_SERVING until SetServing is called.
func NewServer() *Server {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, h)
	return &Server{grpc: g, health: h}
}

// SetServing flips both the overall and the named service status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Listen binds addr. Serve must be called afterwards.
func (s *Server) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	return lis.Addr(), nil
}

// Serve blocks until Stop. It returns nil after a clean stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	if lis == nil {
		return errors.New("health: Serve called before Listen")
	}
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop reports NOT_SERVING, lets watchers see it, then stops the server.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("health: graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}

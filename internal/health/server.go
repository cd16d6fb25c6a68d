package health

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/status"
)

// Server exposes the standard gRPC health service on the session's unix
// socket so tallyctl can check a running client without touching the
// backend. Serving tracks the status machine: READY and DEGRADED serve,
// everything else does not.
type Server struct {
	socketPath string
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger

	grpc   *grpc.Server
	hs     *health.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a health server bound to socketPath.
func New(socketPath string, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Server {
	return &Server{socketPath: socketPath, machine: machine, bus: b, logger: logger}
}

// Start listens and serves. A stale socket from a crashed run is
// removed; the session lock already guarantees no live process owns it.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = lis.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.grpc = grpc.NewServer()
	s.hs = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.hs)
	s.setServing(s.machine.Serving())

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	events, unsub := s.bus.Subscribe(bus.KindStatusChanged, 16)

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
				s.setServing(s.machine.Serving())
			}
		}
	}()

	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Warn("health server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("health endpoint up", zap.String("socket", s.socketPath))
	return nil
}

// Stop drains in-flight checks and removes the socket.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	_ = os.Remove(s.socketPath)
}

func (s *Server) setServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus("", st)
}

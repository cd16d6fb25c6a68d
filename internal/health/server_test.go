package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/status"
)

func check(t *testing.T, socketPath string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return resp.Status
}

func TestServingFollowsStatusMachine(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	socketPath := filepath.Join(t.TempDir(), "tally.sock")

	s := New(socketPath, machine, b, zap.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if got := check(t, socketPath); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("booting status = %v", got)
	}

	if err := machine.Transition(status.Locked); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := machine.Transition(status.Ready); err != nil {
		t.Fatalf("transition: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for check(t, socketPath) != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("never reached SERVING after READY transition")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Degraded still serves; the client is usable on the fallback path.
	if err := machine.Transition(status.Degraded); err != nil {
		t.Fatalf("transition: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := check(t, socketPath); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("degraded status = %v", got)
	}

	if err := machine.Transition(status.Offline); err != nil {
		t.Fatalf("transition: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for check(t, socketPath) != healthpb.HealthCheckResponse_NOT_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("never left SERVING after OFFLINE transition")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStaleSocketReplaced(t *testing.T) {
	b := bus.New()
	socketPath := filepath.Join(t.TempDir(), "tally.sock")

	first := New(socketPath, status.NewMachine(b), b, zap.NewNop())
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	// Simulate a crash: stop serving but leave the socket file behind.
	first.grpc.Stop()
	first.cancel()
	<-first.done

	second := New(socketPath, status.NewMachine(b), b, zap.NewNop())
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second start over stale socket: %v", err)
	}
	defer second.Stop()

	if got := check(t, socketPath); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v", got)
	}
}

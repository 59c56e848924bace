package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health reports process readiness over the gRPC health protocol. It starts
// NOT_SERVING and flips once MarkReady is called.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{srv: hs}
}

func (h *Health) MarkReady() {
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Shutdown marks every service NOT_SERVING so clients see the drain.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

// Serve runs a gRPC server carrying only the health service on lis until
// ctx is done.
func (h *Health) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, h.srv)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("grpc health listening", "addr", lis.Addr().String())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		h.Shutdown()
		grpcServer.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc health server: %w", err)
		}
		return nil
	}
}

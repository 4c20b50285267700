package worker

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService name workers register under in the gRPC health service
const HealthService = "gpuq.Worker"

// Health reports worker liveness over the standard gRPC health protocol
type Health struct {
	srv *health.Server
}

// NewHealth starts NOT_SERVING
func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.SetServing(false)
	return h
}

// SetServing implements StatusReporter
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(HealthService, status)
	h.srv.SetServingStatus("", status)
}

// Serve answers health checks on lis until ctx is done
func (h *Health) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, h.srv)

	go func() {
		<-ctx.Done()
		h.srv.Shutdown()
		gs.GracefulStop()
	}()

	logrus.WithField("addr", lis.Addr().String()).Info("serving health checks")
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "health server")
	}
	return nil
}

// ListenAndServe Serve on a TCP address
func (h *Health) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "health listen on %s", addr)
	}
	return h.Serve(ctx, lis)
}

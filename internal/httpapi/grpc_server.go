package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"hisadmin.org/internal/obs"
)

// HealthServer mirrors readiness into the standard grpc.health.v1 service,
// both for the overall server ("") and under serviceName.
type HealthServer struct {
	srv       *health.Server
	readiness Readiness
	logger    *zap.Logger
}

// NewHealthServer starts NOT_SERVING until the first Refresh.
func NewHealthServer(r Readiness, logger *zap.Logger) *HealthServer {
	h := &HealthServer{srv: health.NewServer(), readiness: r, logger: obs.OrNop(logger)}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(serviceName, st)
}

// Refresh runs the readiness checks once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	var err error
	if h.readiness != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = h.readiness.Check(ctx)
		cancel()
	}
	if err != nil {
		h.logger.Warn("not ready", zap.Error(err))
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return true
}

// Run refreshes every interval until ctx ends, then reports shutdown.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Refresh(ctx)
		}
	}
}

// NewGRPCServer returns a server with the health service registered.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.srv)
	return s
}

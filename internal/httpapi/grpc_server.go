package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/SibhatG/betterauth/internal/obs"
)

// ServiceName is the gRPC health service name reported for the API.
const ServiceName = "betterauth"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCHealth serves grpc.health.v1 for orchestrators. Checks of the overall
// server ("") or ServiceName run the readiness probe; watchers are notified
// when the outcome changes.
type GRPCHealth struct {
	*health.Server
	readiness readinessChecker
}

func NewGRPCHealth(r readinessChecker) *GRPCHealth {
	return &GRPCHealth{Server: health.NewServer(), readiness: r}
}

// Register attaches the health service to srv.
func (h *GRPCHealth) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h)
}

func (h *GRPCHealth) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	svc := req.GetService()
	if svc != "" && svc != ServiceName {
		return h.Server.Check(ctx, req)
	}
	st := healthpb.HealthCheckResponse_SERVING
	if err := h.readiness.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
	h.SetServingStatus("", st)
	h.SetServingStatus(ServiceName, st)
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

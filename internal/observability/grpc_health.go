package observability

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard grpc.health.v1 service, mirroring the
// readiness checks of the HTTP /ready endpoint
type GRPCHealth struct {
	server   *grpc.Server
	health   *health.Server
	checks   []HealthCheck
	interval time.Duration
}

// NewGRPCHealth creates a health server that re-runs checks every interval
func NewGRPCHealth(interval time.Duration, checks ...HealthCheck) *GRPCHealth {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	hs := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	return &GRPCHealth{
		server:   s,
		health:   hs,
		checks:   checks,
		interval: interval,
	}
}

// Refresh runs the checks once and publishes the result under both the
// overall ("") and the service name
func (g *GRPCHealth) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, ok := RunChecks(ctx, g.checks)

	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(serviceName, status)
	return ok
}

// Check answers a health query directly, without a network round trip
func (g *GRPCHealth) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve listens on addr until ctx is cancelled
func (g *GRPCHealth) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen on %s: %w", addr, err)
	}

	logger := GetLogger()
	g.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				g.health.Shutdown()
				g.server.GracefulStop()
				return
			case <-ticker.C:
				if !g.Refresh(ctx) {
					logger.Warn().Msg("Readiness checks failing, gRPC health set to NOT_SERVING")
				}
			}
		}
	}()

	logger.Info().Str("addr", addr).Msg("gRPC health service listening")
	if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health serve: %w", err)
	}
	return nil
}

// ABOUTME: gRPC health service reflecting lifecycle state and supervisor classification
// ABOUTME: SERVING while RUNNING and not CRITICAL; NOT_SERVING otherwise

package gateway

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/reciprocity-gateway/internal/lifecycle"
	"github.com/2389/reciprocity-gateway/internal/store"
)

// ServiceName is the gRPC health service name for the gateway.
const ServiceName = "reciprocity.Gateway"

func registerHealth(server *grpc.Server, hs *health.Server) {
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
}

// servingStatus combines lifecycle state and the latest classification.
func servingStatus(state lifecycle.State, health store.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	if state != lifecycle.StateRunning || health == store.HealthCritical {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (g *Gateway) publishServingStatus(health store.HealthStatus) {
	st := servingStatus(g.lifecycle.State(), health)
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(ServiceName, st)
}

func (g *Gateway) onHealthStatus(status store.HealthStatus) {
	g.publishServingStatus(status)
}

func (g *Gateway) onLifecycleState(lifecycle.State) {
	var latest store.HealthStatus
	if snap := g.supervisor.Latest(); snap != nil {
		latest = snap.Status
	}
	g.publishServingStatus(latest)
}

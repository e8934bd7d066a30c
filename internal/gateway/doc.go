// Package gateway wires the reciprocity-gateway components together.
//
// # Overview
//
// Gateway owns the storage gateway, the exchange coordinator, the action
// executor, the conversation engine, the chat transport and the supervisor.
// It registers each one as a lifecycle step and serves a small operational
// surface over HTTP and gRPC.
//
// # Startup and Shutdown
//
// Steps start in dependency order:
//
//	storage -> events -> api -> executor -> exchanges -> conversation -> transport -> supervisor
//
// and stop in this order, sharing the configured grace period:
//
//	transport -> supervisor -> exchanges -> executor -> conversation -> api -> events -> storage
//
// The transport stops first so no new chat messages arrive while in-flight
// work drains. A step that overruns its budget is force-stopped and logged.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 while RUNNING and not CRITICAL
//   - GET /api/exchanges/{exchange_id} - Exchange record (JWT required)
//   - GET /api/health/latest - Most recent health snapshot (JWT required)
//   - GET /api/queue - Executor queue statistics (JWT required)
//
// # gRPC
//
// Only the standard grpc.health.v1 service is registered. Its status follows
// the lifecycle state and the supervisor's latest classification.
//
// # Usage
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // returns after ctx is canceled and shutdown completes
package gateway

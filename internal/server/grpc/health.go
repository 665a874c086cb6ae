// Package grpcserver runs the ops gRPC listener: standard health checking driven by a
// database ping.
package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall ("") status.
const ServiceName = "offlinekeeper.Backend"

// Pinger is a dependency whose reachability decides serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ops is the gRPC ops server.
type Ops struct {
	srv      *grpc.Server
	health   *health.Server
	db       Pinger
	interval time.Duration
	log      *zap.Logger
}

// NewOps constructs the ops server. Status starts NOT_SERVING until the first check.
func NewOps(db Pinger, interval time.Duration, log *zap.Logger) *Ops {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	o := &Ops{srv: srv, health: hs, db: db, interval: interval, log: log}
	o.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return o
}

// Server returns the underlying grpc.Server for Serve.
func (o *Ops) Server() *grpc.Server { return o.srv }

// Check pings the dependency once and publishes the result.
func (o *Ops) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, o.interval)
	defer cancel()
	if err := o.db.Ping(ctx); err != nil {
		o.log.Warn("health check failed", zap.Error(err))
		o.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	o.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch re-checks every interval until ctx is done.
func (o *Ops) Watch(ctx context.Context) {
	t := time.NewTicker(o.interval)
	defer t.Stop()
	o.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.Check(ctx)
		}
	}
}

// Stop marks everything NOT_SERVING and drains the server.
func (o *Ops) Stop() {
	o.health.Shutdown()
	o.srv.GracefulStop()
}

func (o *Ops) set(st healthpb.HealthCheckResponse_ServingStatus) {
	o.health.SetServingStatus("", st)
	o.health.SetServingStatus(ServiceName, st)
}

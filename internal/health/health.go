package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall "" status.
const ServiceName = "harbordispatch.Dispatcher"

const pingTimeout = time.Second

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

func check(ctx context.Context, db Pinger) Status {
	st := Status{OK: true, Message: "ok", Database: true}
	if db == nil {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		st.OK = false
		st.Message = "db ping failed"
		st.Database = false
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := check(r.Context(), db)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Checker mirrors the database ping into a gRPC health server.
type Checker struct {
	db     Pinger
	server *grpchealth.Server

	mu   sync.Mutex
	last Status
}

func NewChecker(db Pinger) *Checker {
	return &Checker{db: db, server: grpchealth.NewServer()}
}

// Server returns the grpc_health_v1 implementation.
func (c *Checker) Server() *grpchealth.Server { return c.server }

// Refresh pings once and updates the serving status.
func (c *Checker) Refresh(ctx context.Context) Status {
	st := check(ctx, c.db)
	serving := healthpb.HealthCheckResponse_SERVING
	if !st.OK {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.server.SetServingStatus("", serving)
	c.server.SetServingStatus(ServiceName, serving)

	c.mu.Lock()
	c.last = st
	c.mu.Unlock()
	return st
}

// Last returns the result of the most recent Refresh.
func (c *Checker) Last() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Run refreshes every interval until ctx is done, then marks the service as shutting down.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.server.Shutdown()
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// NewGRPCServer builds a traced gRPC server with the health service registered.
func NewGRPCServer(c *Checker, interceptors ...grpc.UnaryServerInterceptor) *grpc.Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	healthpb.RegisterHealthServer(srv, c.Server())
	return srv
}

// Package health tracks whether the session store is reachable and reports it to gRPC health
// clients and HTTP readiness probes.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sinhamajestic/3device-app/internal/server/respond"
)

// ServiceName is the gRPC health service name reported alongside the overall ("") status.
const ServiceName = "ndevice.sessions.v1.SessionService"

const pingTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ready(ctx context.Context) error
}

// Checker pings the store and mirrors the result into a gRPC health server.
type Checker struct {
	pinger Pinger
	grpc   *health.Server
	logger zerolog.Logger
	ready  atomic.Bool
}

// NewChecker returns a Checker whose status is NOT_SERVING until the first successful Check.
func NewChecker(p Pinger, logger zerolog.Logger) *Checker {
	c := &Checker{
		pinger: p,
		grpc:   health.NewServer(),
		logger: logger.With().Str("component", "health").Logger(),
	}
	c.set(false)
	return c
}

// GRPCServer returns the health server to register on a grpc.Server.
func (c *Checker) GRPCServer() *health.Server { return c.grpc }

// Check pings the store once and updates the reported status.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	err := c.pinger.Ready(ctx)
	ok := err == nil
	if c.ready.Swap(ok) != ok {
		if ok {
			c.logger.Info().Msg("session store reachable")
		} else {
			c.logger.Warn().Err(err).Msg("session store unreachable")
		}
	}
	c.set(ok)
	return err
}

// Run checks every interval until ctx is done, then marks everything NOT_SERVING.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_ = c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			c.grpc.Shutdown()
			return
		case <-ticker.C:
			_ = c.Check(ctx)
		}
	}
}

// Readyz is an HTTP readiness handler: 200 when the store answers a ping, otherwise 503.
func (c *Checker) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := c.Check(r.Context()); err != nil {
		w.Header().Set("Retry-After", "1")
		respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Healthz is an HTTP liveness handler; it never touches the store.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Checker) set(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	c.grpc.SetServingStatus("", status)
	c.grpc.SetServingStatus(ServiceName, status)
}

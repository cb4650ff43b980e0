package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gridline/powermeter/internal/auth"
	"github.com/gridline/powermeter/internal/cache"
	"github.com/gridline/powermeter/internal/logging"
	"github.com/gridline/powermeter/internal/metrics"
	"github.com/gridline/powermeter/internal/observability"
	"github.com/gridline/powermeter/internal/query"
)

// nowFunc is overridden in tests; production always uses wall time.
var nowFunc = func() time.Time { return time.Now().UTC() }

// apiMetrics is the narrow metrics surface the HTTP layer emits
// against.
type apiMetrics interface {
	IncAPIRequest(endpoint, status string)
	ObserveAPILatency(endpoint string, seconds float64)
	ObserveAPIPoints(endpoint string, n int)
}

// FacadeStore is the union of narrow persistence interfaces the
// façade's handler groups need. *store.Store satisfies it
// structurally; tests substitute smaller fakes per handler group
// instead of this composite.
type FacadeStore interface {
	OwnerDeviceStore
	AdminDeviceStore
	Pinger
}

// ServerConfig collects every dependency StartHTTPServer wires into
// the façade, following the teacher's ServerConfig-struct-of-deps
// pattern (oriys-nova/internal/api/server.go).
type ServerConfig struct {
	Store        FacadeStore
	Pool         DevicePublisher
	Subscription DeviceApplier
	Aggregator   ElectricityAggregator
	AuthService  *auth.Service
	Signer       *auth.Signer
	Metrics      metrics.Metrics
	Cache        cache.Cache // optional L2 cache for hot device-list reads; nil disables caching
	Prometheus   http.Handler // GET /metrics exposition handler, nil disables the route
	StartedAt    time.Time
}

// ElectricityAggregator is the narrow dependency the electricity
// handler needs; both query.InMemoryAggregator and
// query.SQLAggregator satisfy it.
type ElectricityAggregator interface {
	Query(ctx context.Context, deviceID, userID, windowKey string) (*query.Result, error)
}

// StartHTTPServer builds the façade's http.Handler chain and starts
// serving on addr. Mirrors the teacher's StartHTTPServer(addr, cfg)
// shape: build mux, register each resource group's routes, wrap with
// middleware, hand back the *http.Server so the caller owns shutdown.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	m := cfg.Metrics
	if m == nil {
		m = metrics.NoOp{}
	}

	authHandler := &authHandlerGroup{authService: cfg.AuthService}
	authHandler.RegisterRoutes(mux)

	deviceHandler := &deviceHandlerGroup{store: cfg.Store, aggregator: cfg.Aggregator, cache: cfg.Cache}
	deviceHandler.RegisterRoutes(mux)

	adminHandler := &adminHandlerGroup{store: cfg.Store, pool: cfg.Pool, subscription: cfg.Subscription}
	adminHandler.RegisterRoutes(mux)

	opsHandler := &opsHandlerGroup{store: cfg.Store, startedAt: cfg.StartedAt}
	opsHandler.RegisterRoutes(mux)

	if cfg.Prometheus != nil {
		mux.Handle("GET /metrics", cfg.Prometheus)
	}

	publicPaths := map[string]bool{
		"/v1/auth/login": true,
		"/v1/ops/health": true,
		"/metrics":       true,
	}

	var handler http.Handler = mux
	handler = authMiddleware(cfg.Signer, publicPaths)(handler)
	handler = accessLogMiddleware(m)(handler)
	handler = observability.HTTPMiddleware(handler)

	server := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()
	return server
}

package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the narrow connectivity-check dependency the health
// endpoint needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

type opsHandlerGroup struct {
	store     Pinger
	startedAt time.Time
}

func (h *opsHandlerGroup) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/ops/health", h.Health)
}

type healthData struct {
	Status  string  `json:"status"`
	DB      string  `json:"db"`
	UptimeS float64 `json:"uptime_s"`
}

// Health implements GET /v1/ops/health. SPEC_FULL.md §8 property 9
// requires this to report db:"down" rather than panic or 500 when
// Postgres is unreachable, so Ping's error is folded into the
// response body instead of propagated.
func (h *opsHandlerGroup) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "up"
	if err := h.store.Ping(r.Context()); err != nil {
		dbStatus = "down"
	}
	status := "ok"
	if dbStatus == "down" {
		status = "degraded"
	}
	writeData(w, http.StatusOK, healthData{
		Status:  status,
		DB:      dbStatus,
		UptimeS: nowFunc().Sub(h.startedAt).Seconds(),
	})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gridline/powermeter/internal/cache"
	"github.com/gridline/powermeter/internal/domain"
)

var errInvalidParam = errors.New("invalid query parameter")

// OwnerDeviceStore is the narrow read dependency the end-user device
// listing needs.
type OwnerDeviceStore interface {
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]domain.Device, error)
}

// deviceListCacheTTL is the TTL passed to cache.Set for a cached owner
// device list. Admin mutations do not invalidate the entry, so a change
// shows up once it expires; a TieredCache keeps its L1 copy for its own
// l1TTL instead of this value.
const deviceListCacheTTL = 5 * time.Second

type deviceHandlerGroup struct {
	store      OwnerDeviceStore
	aggregator ElectricityAggregator
	cache      cache.Cache // optional; nil disables caching
}

// ownerDevices fetches the owner's devices, consulting the cache first.
// A cache error (miss or backend failure) always falls through to the
// store rather than failing the request.
func (h *deviceHandlerGroup) ownerDevices(ctx context.Context, userID string) ([]domain.Device, error) {
	if h.cache == nil {
		return h.store.ListDevicesByOwner(ctx, userID)
	}

	key := "devices:owner:" + userID
	if raw, err := h.cache.Get(ctx, key); err == nil {
		var devices []domain.Device
		if err := json.Unmarshal(raw, &devices); err == nil {
			return devices, nil
		}
	}

	devices, err := h.store.ListDevicesByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(devices); err == nil {
		_ = h.cache.Set(ctx, key, raw, deviceListCacheTTL)
	}
	return devices, nil
}

func (h *deviceHandlerGroup) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/devices", h.ListDevices)
	mux.HandleFunc("GET /v1/devices/{id}/electricity", h.Electricity)
}

type deviceSummary struct {
	ID             string `json:"id"`
	MAC            string `json:"mac"`
	Status         string `json:"status"`
	RuntimeStatus  string `json:"runtime_status"`
	CollectEnabled bool   `json:"collect_enabled"`
	IngressType    string `json:"ingress_type"`
	Description    string `json:"description"`
}

type devicesListData struct {
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Total    int             `json:"total"`
	Items    []deviceSummary `json:"items"`
}

// ListDevices implements GET /v1/devices: page/page_size/status
// filtering over the caller's own devices, deriving runtime_status the
// way spec.md §4.10 requires (no "last reading" lookup table exists
// yet for the façade, so an unknown last-reading time is treated as
// "never seen" -- consistent with DeriveRuntimeStatus's zero-time
// handling).
func (h *deviceHandlerGroup) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	page, err := parsePositiveIntParam(r, "page", 1)
	if err != nil {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION", "page must be a positive integer")
		return
	}
	pageSize, err := parsePositiveIntParam(r, "page_size", 20)
	if err != nil || pageSize > 100 {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION", "page_size must be in [1,100]")
		return
	}
	statusFilter := r.URL.Query().Get("status")
	if statusFilter == "" {
		statusFilter = "all"
	}
	switch statusFilter {
	case "online", "offline", "maintenance", "all":
	default:
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION", "status must be one of online, offline, maintenance, all")
		return
	}

	devices, err := h.ownerDevices(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// No per-device "latest reading" index backs this endpoint yet, so
	// runtime status collapses to whatever DeriveRuntimeStatus reports
	// for a device that has never been seen (maintenance when admin
	// state says so, offline otherwise); /v1/devices/{id}/electricity
	// remains the source of truth for actual reading freshness.
	now := nowFunc()
	filtered := make([]domain.Device, 0, len(devices))
	for _, d := range devices {
		runtime := domain.DeriveRuntimeStatus(d, time.Time{}, now)
		if statusFilter != "all" && string(runtime) != statusFilter {
			continue
		}
		filtered = append(filtered, d)
	}

	total := len(filtered)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	pageItems := filtered[start:end]

	items := make([]deviceSummary, 0, len(pageItems))
	for _, d := range pageItems {
		runtime := domain.DeriveRuntimeStatus(d, time.Time{}, now)
		items = append(items, deviceSummary{
			ID:             d.ID,
			MAC:            d.MAC,
			Status:         string(d.Status),
			RuntimeStatus:  string(runtime),
			CollectEnabled: d.CollectEnabled,
			IngressType:    string(d.IngressType),
			Description:    d.Description,
		})
	}

	writeData(w, http.StatusOK, devicesListData{Page: page, PageSize: pageSize, Total: total, Items: items})
}

type electricityData struct {
	DeviceID  string        `json:"device_id"`
	StartTime string        `json:"start_time"`
	EndTime   string        `json:"end_time"`
	Interval  string        `json:"interval"`
	Points    []pointFields `json:"points"`
}

type pointFields struct {
	TS        string   `json:"ts"`
	EnergyKWh float64  `json:"energy_kwh"`
	PowerKW   *float64 `json:"power_kw,omitempty"`
	VoltageV  *float64 `json:"voltage_v,omitempty"`
	CurrentA  *float64 `json:"current_a,omitempty"`
}

// Electricity implements GET /v1/devices/{id}/electricity (spec.md
// §4.9/§8 S3).
func (h *deviceHandlerGroup) Electricity(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	deviceID := r.PathValue("id")
	windowKey := r.URL.Query().Get("window")
	if windowKey == "" {
		windowKey = "24h"
	}

	result, err := h.aggregator.Query(r.Context(), deviceID, userID, windowKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	points := make([]pointFields, 0, len(result.Points))
	for _, p := range result.Points {
		points = append(points, pointFields{
			TS:        p.TS.UTC().Format(rfc3339Z),
			EnergyKWh: p.EnergyKWh,
			PowerKW:   p.PowerKW,
			VoltageV:  p.VoltageV,
			CurrentA:  p.CurrentA,
		})
	}

	writeData(w, http.StatusOK, electricityData{
		DeviceID:  deviceID,
		StartTime: result.StartTime.UTC().Format(rfc3339Z),
		EndTime:   result.EndTime.UTC().Format(rfc3339Z),
		Interval:  result.Interval,
		Points:    points,
	})
}

const rfc3339Z = "2006-01-02T15:04:05Z"

func parsePositiveIntParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errInvalidParam
	}
	return n, nil
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gridline/powermeter/internal/cache"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/query"
)

type fakeOwnerStore struct {
	devices []domain.Device
	calls   int
}

func (s *fakeOwnerStore) ListDevicesByOwner(ctx context.Context, ownerID string) ([]domain.Device, error) {
	s.calls++
	var out []domain.Device
	for _, d := range s.devices {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	return out, nil
}

func requestWithUser(method, target, userID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), userIDKey, userID)
	return req.WithContext(ctx)
}

func TestListDevicesFiltersByOwnerAndStatus(t *testing.T) {
	store := &fakeOwnerStore{devices: []domain.Device{
		{ID: "d1", MAC: "AA0000000001", OwnerID: "u1", Status: domain.DeviceEnabled, CollectEnabled: true},
		{ID: "d2", MAC: "AA0000000002", OwnerID: "u1", Status: domain.DeviceDisabled, CollectEnabled: false},
		{ID: "d3", MAC: "AA0000000003", OwnerID: "u2", Status: domain.DeviceEnabled, CollectEnabled: true},
	}}
	h := &deviceHandlerGroup{store: store}

	req := requestWithUser(http.MethodGet, "/v1/devices?status=maintenance", "u1")
	rec := httptest.NewRecorder()
	h.ListDevices(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool            `json:"success"`
		Data    devicesListData `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Total != 1 || len(resp.Data.Items) != 1 || resp.Data.Items[0].ID != "d2" {
		t.Fatalf("expected only d2 (disabled -> maintenance) for u1, got %+v", resp.Data)
	}
}

func TestListDevicesRejectsOversizedPageSize(t *testing.T) {
	h := &deviceHandlerGroup{store: &fakeOwnerStore{}}
	req := requestWithUser(http.MethodGet, "/v1/devices?page_size=500", "u1")
	rec := httptest.NewRecorder()

	h.ListDevices(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestListDevicesServesFromCacheOnSecondCall(t *testing.T) {
	store := &fakeOwnerStore{devices: []domain.Device{
		{ID: "d1", MAC: "AA0000000001", OwnerID: "u1", Status: domain.DeviceEnabled, CollectEnabled: true},
	}}
	h := &deviceHandlerGroup{store: store, cache: cache.NewInMemoryCache()}

	for i := 0; i < 2; i++ {
		req := requestWithUser(http.MethodGet, "/v1/devices", "u1")
		rec := httptest.NewRecorder()
		h.ListDevices(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, rec.Code)
		}
	}

	if store.calls != 1 {
		t.Fatalf("expected store hit once with cache populated, got %d calls", store.calls)
	}
}

type fakeAggregator struct {
	result *query.Result
	err    error
}

func (a *fakeAggregator) Query(ctx context.Context, deviceID, userID, windowKey string) (*query.Result, error) {
	return a.result, a.err
}

func TestElectricityHandlerReturnsPoints(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	power := 1.7
	agg := &fakeAggregator{result: &query.Result{
		Interval:  "pt5m",
		StartTime: now.Add(-24 * time.Hour),
		EndTime:   now,
		Points:    []query.Point{{TS: now, EnergyKWh: 0.5, PowerKW: &power}},
	}}
	h := &deviceHandlerGroup{aggregator: agg}

	req := requestWithUser(http.MethodGet, "/v1/devices/d1/electricity?window=24h", "u1")
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()

	h.Electricity(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data electricityData `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Interval != "pt5m" || len(resp.Data.Points) != 1 || resp.Data.Points[0].EnergyKWh != 0.5 {
		t.Fatalf("unexpected electricity response: %+v", resp.Data)
	}
}

func TestElectricityHandlerMapsDeviceNotFound(t *testing.T) {
	h := &deviceHandlerGroup{aggregator: &fakeAggregator{err: domain.ErrDeviceNotFound}}
	req := requestWithUser(http.MethodGet, "/v1/devices/missing/electricity?window=24h", "u1")
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()

	h.Electricity(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

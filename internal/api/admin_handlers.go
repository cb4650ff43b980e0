package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/mqttpool"
	"github.com/gridline/powermeter/internal/store"
)

// AdminDeviceStore is the narrow persistence dependency the
// device-admin CRUD handlers need.
type AdminDeviceStore interface {
	InsertDevice(ctx context.Context, d domain.Device) (domain.Device, error)
	ListDevices(ctx context.Context, status domain.DeviceStatus) ([]domain.Device, error)
	GetDeviceByMAC(ctx context.Context, mac string) (domain.Device, error)
	UpdateDevice(ctx context.Context, mac string, u store.DeviceUpdate) (domain.Device, error)
	ListDeadLetters(ctx context.Context, reason string, page, pageSize int) ([]domain.DeadLetter, int, error)
}

// DevicePublisher is the narrow MQTT dependency the publish handler
// needs.
type DevicePublisher interface {
	Publish(ctx context.Context, key mqttpool.ConnKey, topic string, payload any) error
}

// DeviceApplier is the narrow subscription-manager dependency admin
// mutations reconcile against.
type DeviceApplier interface {
	ApplyDevice(ctx context.Context, device domain.Device)
}

type adminHandlerGroup struct {
	store        AdminDeviceStore
	pool         DevicePublisher
	subscription DeviceApplier
}

func (h *adminHandlerGroup) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/device-admin/macs", h.CreateDevice)
	mux.HandleFunc("GET /v1/device-admin/macs", h.ListDevices)
	mux.HandleFunc("PATCH /v1/device-admin/macs/{mac}", h.UpdateDevice)
	mux.HandleFunc("POST /v1/device-admin/macs/{mac}/publish", h.PublishSettings)
	mux.HandleFunc("GET /v1/device-admin/dead-letters", h.ListDeadLetters)
}

type deviceRequest struct {
	MAC            string `json:"mac"`
	OwnerID        string `json:"owner_id"`
	Status         string `json:"status"`
	CollectEnabled bool   `json:"collect_enabled"`
	IngressType    string `json:"ingress_type"`
	Broker         string `json:"broker"`
	Port           int    `json:"port"`
	SubTopic       string `json:"sub_topic"`
	PubTopic       string `json:"pub_topic"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Host           string `json:"host"`
	TCPPort        int    `json:"tcp_port"`
	Description    string `json:"description"`
}

type deviceResponse struct {
	ID             string `json:"id"`
	MAC            string `json:"mac"`
	OwnerID        string `json:"owner_id"`
	Status         string `json:"status"`
	CollectEnabled bool   `json:"collect_enabled"`
	IngressType    string `json:"ingress_type"`
	Broker         string `json:"broker,omitempty"`
	Port           int    `json:"port,omitempty"`
	SubTopic       string `json:"sub_topic,omitempty"`
	PubTopic       string `json:"pub_topic,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Host           string `json:"host,omitempty"`
	TCPPort        int    `json:"tcp_port,omitempty"`
	Description    string `json:"description"`
	CreatedAt      string `json:"created_at"`
}

func toDeviceResponse(d domain.Device) deviceResponse {
	return deviceResponse{
		ID: d.ID, MAC: d.MAC, OwnerID: d.OwnerID, Status: string(d.Status),
		CollectEnabled: d.CollectEnabled, IngressType: string(d.IngressType),
		Broker: d.Broker, Port: d.Port, SubTopic: d.SubTopic, PubTopic: d.PubTopic,
		ClientID: d.ClientID, Host: d.Host, TCPPort: d.TCPPort, Description: d.Description,
		CreatedAt: d.CreatedAt.UTC().Format(rfc3339Z),
	}
}

// CreateDevice implements POST /v1/device-admin/macs. MAC is
// normalized to 12 uppercase hex characters, matching
// original_source/apps/schemas/devices.py's _upper_mac validator.
func (h *adminHandlerGroup) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}
	mac := strings.ToUpper(req.MAC)
	if _, err := hex.DecodeString(mac); err != nil || len(mac) != 12 || req.OwnerID == "" {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "mac (12 hex chars) and owner_id are required")
		return
	}
	status := domain.DeviceStatus(req.Status)
	if status == "" {
		status = domain.DeviceEnabled
	}
	ingress := domain.IngressType(req.IngressType)
	if ingress == "" {
		ingress = domain.IngressMQTT
	}

	d := domain.Device{
		ID: uuid.NewString(), MAC: mac, OwnerID: req.OwnerID, Status: status,
		CollectEnabled: req.CollectEnabled, IngressType: ingress,
		Broker: req.Broker, Port: req.Port, SubTopic: req.SubTopic, PubTopic: req.PubTopic,
		ClientID: req.ClientID, Username: req.Username, Password: req.Password,
		Host: req.Host, TCPPort: req.TCPPort, Description: req.Description,
	}
	if err := d.ValidateForMQTT(); err != nil {
		writeDomainError(w, err)
		return
	}

	created, err := h.store.InsertDevice(r.Context(), d)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.subscription.ApplyDevice(r.Context(), created)
	writeData(w, http.StatusCreated, toDeviceResponse(created))
}

type deviceListData struct {
	Items []deviceResponse `json:"items"`
	Total int              `json:"total"`
}

// ListDevices implements GET /v1/device-admin/macs: every device,
// optionally filtered by status, not scoped to an owner (unlike
// /v1/devices).
func (h *adminHandlerGroup) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices(r.Context(), domain.DeviceStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		items = append(items, toDeviceResponse(d))
	}
	writeData(w, http.StatusOK, deviceListData{Items: items, Total: len(items)})
}

// UpdateDevice implements PATCH /v1/device-admin/macs/{mac}: a
// partial update that re-applies the device to the subscription
// manager afterward (spec.md §8's apply_device idempotence property).
func (h *adminHandlerGroup) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	mac := strings.ToUpper(r.PathValue("mac"))
	body, err := io.ReadAll(r.Body)
	var req deviceRequest
	var present map[string]json.RawMessage
	if err != nil || json.Unmarshal(body, &req) != nil || json.Unmarshal(body, &present) != nil {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}

	u := store.DeviceUpdate{}
	if req.Status != "" {
		s := domain.DeviceStatus(req.Status)
		u.Status = &s
	}
	if _, ok := present["collect_enabled"]; ok {
		u.CollectEnabled = &req.CollectEnabled
	}
	if req.Broker != "" {
		u.Broker = &req.Broker
	}
	if req.Port != 0 {
		u.Port = &req.Port
	}
	if req.SubTopic != "" {
		u.SubTopic = &req.SubTopic
	}
	if req.PubTopic != "" {
		u.PubTopic = &req.PubTopic
	}
	if req.ClientID != "" {
		u.ClientID = &req.ClientID
	}
	if req.Username != "" {
		u.Username = &req.Username
	}
	if req.Password != "" {
		u.Password = &req.Password
	}
	if req.Host != "" {
		u.Host = &req.Host
	}
	if req.TCPPort != 0 {
		u.TCPPort = &req.TCPPort
	}
	if req.Description != "" {
		u.Description = &req.Description
	}

	updated, err := h.store.UpdateDevice(r.Context(), mac, u)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.subscription.ApplyDevice(r.Context(), updated)
	writeData(w, http.StatusOK, toDeviceResponse(updated))
}

type publishRequest struct {
	TimerEnable   int `json:"timerEnable"`
	TimerInterval int `json:"timerInterval"`
}

// PublishSettings implements POST /v1/device-admin/macs/{mac}/publish
// (spec.md §6's outbound MQTT publish contract).
func (h *adminHandlerGroup) PublishSettings(w http.ResponseWriter, r *http.Request) {
	mac := strings.ToUpper(r.PathValue("mac"))
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}
	if req.TimerEnable < 0 || req.TimerEnable > 1 || req.TimerInterval < 5 || req.TimerInterval > 86400 {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION", "timerEnable must be 0/1 and timerInterval in [5,86400]")
		return
	}

	d, err := h.store.GetDeviceByMAC(r.Context(), mac)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := d.ValidateForMQTT(); err != nil {
		writeDomainError(w, err)
		return
	}
	if d.PubTopic == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_MQTT_CONFIG", "device has no pub_topic configured")
		return
	}

	key := mqttpool.ConnKey{Host: d.Broker, Port: d.Port, Username: d.Username, Password: d.Password, ClientID: d.ClientID}
	payload := map[string]any{"timerEnable": req.TimerEnable, "timerInterval": req.TimerInterval}
	if err := h.pool.Publish(r.Context(), key, d.PubTopic, payload); err != nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "MQTT_UNAVAILABLE", err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}

type deadLetterItem struct {
	ID            string         `json:"id"`
	DeviceID      string         `json:"device_id,omitempty"`
	MAC           string         `json:"mac"`
	Payload       map[string]any `json:"payload"`
	FailureReason string         `json:"failure_reason"`
	OccurredAt    string         `json:"occurred_at"`
	Retryable     bool           `json:"retryable"`
}

type deadLetterListData struct {
	Items []deadLetterItem `json:"items"`
	Total int              `json:"total"`
}

// ListDeadLetters implements GET /v1/device-admin/dead-letters
// (SPEC_FULL.md §6 ambient addition, grounded on
// original_source/apps/api/routes/dead_letters.py).
func (h *adminHandlerGroup) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	page, err := parsePositiveIntParam(r, "page", 1)
	if err != nil {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION", "page must be a positive integer")
		return
	}
	pageSize, err := parsePositiveIntParam(r, "page_size", 50)
	if err != nil || pageSize > 200 {
		writeErrorCode(w, http.StatusUnprocessableEntity, "VALIDATION", "page_size must be in [1,200]")
		return
	}

	items, total, err := h.store.ListDeadLetters(r.Context(), r.URL.Query().Get("reason"), page, pageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]deadLetterItem, 0, len(items))
	for _, dl := range items {
		out = append(out, deadLetterItem{
			ID: dl.ID, DeviceID: dl.DeviceID, MAC: dl.MAC, Payload: dl.Payload,
			FailureReason: dl.FailureReason, OccurredAt: dl.OccurredAt.UTC().Format(rfc3339Z),
			Retryable: dl.Retryable,
		})
	}
	writeData(w, http.StatusOK, deadLetterListData{Items: out, Total: total})
}

// Package api is the HTTP façade (C11): login, device listing,
// bucketed electricity queries, device-admin CRUD and publish, and the
// ambient operator endpoints (health, dead-letters, Prometheus
// exposition) SPEC_FULL.md §6 adds on top of spec.md's table. Routing
// follows the teacher's oriys-nova/internal/api/server.go style —
// http.ServeMux with Go 1.22+ method patterns, one Handler struct per
// resource group registering its own routes, middleware chained
// around the mux — adapted to this service's own
// {success, data, error_code, message} envelope rather than the
// teacher's.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gridline/powermeter/internal/auth"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/mqttpool"
	"github.com/gridline/powermeter/internal/query"
)

// envelope is the wire shape every handler responds with, per spec.md
// §6.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, ErrorCode: code, Message: message})
}

// writeDomainError maps the error kinds this service's lower layers
// return to the HTTP status/error_code pairs spec.md §6/§7 name. Any
// error it doesn't recognize becomes a 500 INTERNAL.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		writeErrorCode(w, http.StatusNotFound, "DEVICE_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrDeviceConflict):
		writeErrorCode(w, http.StatusConflict, "DEVICE_CONFLICT", err.Error())
	case errors.Is(err, domain.ErrInvalidTimeRange), errors.Is(err, query.ErrUnknownWindow):
		writeErrorCode(w, http.StatusBadRequest, "INVALID_TIME_RANGE", err.Error())
	case errors.Is(err, domain.ErrMissingClientID), errors.Is(err, domain.ErrIncompleteMQTTConfig):
		writeErrorCode(w, http.StatusBadRequest, "INVALID_MQTT_CONFIG", err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, auth.ErrAccountLocked):
		writeErrorCode(w, http.StatusForbidden, "ACCOUNT_LOCKED", err.Error())
	case errors.Is(err, auth.ErrInvalidToken):
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, auth.ErrTokenExpired):
		writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, mqttpool.ErrBindingConflict):
		writeErrorCode(w, http.StatusConflict, "DEVICE_CONFLICT", err.Error())
	default:
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

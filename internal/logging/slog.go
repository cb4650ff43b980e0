// Package logging provides the operational structured logger used
// throughout the ingestion runtime and façade.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger shared by ingestion workers, the
// MQTT pool, and the HTTP façade.
func Op() *slog.Logger {
	return opLogger.Load()
}

// Init replaces the operational logger with one using the requested
// format ("json" or "text") and level.
func Init(format, level string) {
	SetLevelFromString(level)
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	opLogger.Store(slog.New(handler))
}

// SetLevelFromString sets the log level from a config string. Unknown
// values are ignored, leaving the previous level in place.
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO", "":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}

// Fields are the common slog attribute keys used across ingestion log
// lines, kept in one place so grep-ability survives refactors.
const (
	FieldMAC      = "mac"
	FieldDeviceID = "device_id"
	FieldTopic    = "topic"
	FieldReason   = "reason"
)

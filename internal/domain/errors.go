package domain

import "errors"

var (
	ErrMissingClientID      = errors.New("mqtt client_id is required")
	ErrIncompleteMQTTConfig = errors.New("broker, port and sub_topic are required when mqtt collection is enabled")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrDeviceConflict       = errors.New("device with this mac already exists")
	ErrInvalidTimeRange     = errors.New("window must be one of 24h, 7d, 30d")
)

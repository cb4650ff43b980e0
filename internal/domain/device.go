// Package domain holds the plain data types shared across the
// ingestion runtime and the HTTP façade: devices, readings,
// dead-letters, and the in-memory runtime records that never touch
// storage.
package domain

import "time"

// DeviceStatus is the admin-controlled lifecycle state of a device.
type DeviceStatus string

const (
	DeviceEnabled  DeviceStatus = "ENABLED"
	DeviceDisabled DeviceStatus = "DISABLED"
)

// IngressType selects which adapter a device's worker constructs.
type IngressType string

const (
	IngressMQTT IngressType = "MQTT"
	IngressTCP  IngressType = "TCP"
)

// Device is the identity and ingress configuration of a metering
// endpoint. MAC is always normalized to 12 uppercase hex characters by
// the admin-CRUD layer before it reaches storage.
type Device struct {
	ID             string
	MAC            string
	Status         DeviceStatus
	CollectEnabled bool
	IngressType    IngressType

	// MQTT ingress config.
	Broker      string
	Port        int
	SubTopic    string
	PubTopic    string
	ClientID    string
	Username    string
	Password    string

	// TCP ingress config.
	Host string
	TCPPort int

	OwnerID     string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ShouldCollect reports whether the subscription manager should run a
// worker for this device.
func (d Device) ShouldCollect() bool {
	return d.Status == DeviceEnabled && d.CollectEnabled
}

// ValidateForMQTT checks the invariants spec.md §3 requires before a
// device may be handed to the MQTT pool: client_id is always required
// for MQTT ingress, and broker/port/sub_topic are required only when
// collection is actually enabled.
func (d Device) ValidateForMQTT() error {
	if d.IngressType != IngressMQTT {
		return nil
	}
	if d.ClientID == "" {
		return ErrMissingClientID
	}
	if d.CollectEnabled {
		if d.Broker == "" || d.Port == 0 || d.SubTopic == "" {
			return ErrIncompleteMQTTConfig
		}
	}
	return nil
}

// RuntimeStatus is the derived online/offline/maintenance state used
// by the device-list endpoint (spec.md §4.10), never persisted.
type RuntimeStatus string

const (
	RuntimeOnline      RuntimeStatus = "online"
	RuntimeOffline     RuntimeStatus = "offline"
	RuntimeMaintenance RuntimeStatus = "maintenance"
)

// OnlineThreshold is the maximum age of a device's latest reading
// before it is considered offline.
const OnlineThreshold = 10 * time.Minute

// DeriveRuntimeStatus implements spec.md §4.10: maintenance takes
// precedence over the reading-age check whenever the device is
// administratively disabled or collection is off.
func DeriveRuntimeStatus(d Device, lastReadingAt time.Time, now time.Time) RuntimeStatus {
	if d.Status == DeviceDisabled || !d.CollectEnabled {
		return RuntimeMaintenance
	}
	if lastReadingAt.IsZero() || now.Sub(lastReadingAt) > OnlineThreshold {
		return RuntimeOffline
	}
	return RuntimeOnline
}

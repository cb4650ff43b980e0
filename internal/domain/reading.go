package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reading is one persisted meter sample. The triple (MAC, TS,
// PayloadHash) is unique; readings are otherwise immutable.
type Reading struct {
	ID          string
	DeviceID    string
	MAC         string
	TS          time.Time
	EnergyKWh   decimal.Decimal
	Power       *decimal.Decimal
	Voltage     *decimal.Decimal
	Current     *decimal.Decimal
	Key         string
	Payload     map[string]any
	PayloadHash string
	IngestedAt  time.Time
}

// DeadLetter is a rejected payload, kept for operator inspection.
type DeadLetter struct {
	ID            string
	DeviceID      string
	MAC           string
	Payload       map[string]any
	FailureReason string
	OccurredAt    time.Time
	Retryable     bool
	Meta          map[string]any
}

// Envelope is the in-transit record passed from adapters (MQTT pool,
// TCP adapter) to the normalizer. Modeled as a concrete type per
// spec.md §9 ("duck-typed envelope" design note) rather than an
// interface, since both fields are always present and concrete.
type Envelope struct {
	MAC     string
	Payload map[string]any
}

// SubscriberRecord is the in-memory, per-MAC runtime state tracked by
// the subscriber registry (C3). Never persisted.
type SubscriberRecord struct {
	Device     Device
	LastSeenAt time.Time
	LagSeconds float64
	Active     bool
}

// User is an operator/dashboard account.
type User struct {
	ID               string
	Username         string
	PasswordHash     string
	OwnerID          string
	LastLoginAt      time.Time
	FailedLoginCount int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubscriptionCheckpoint records the last reading timestamp processed
// for a MAC, purely informational (no replay semantics — see
// SPEC_FULL.md §3 Non-goals).
type SubscriptionCheckpoint struct {
	MAC        string
	LastTS     time.Time
	UpdatedAt  time.Time
}

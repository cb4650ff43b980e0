// Package store is the Postgres-backed persistence layer for devices,
// readings, dead-letters, users, and subscription checkpoints (C4,
// C5, C14 of SPEC_FULL.md).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridline/powermeter/internal/domain"
)

// Store is the full persistence surface. Narrower interfaces declared
// in internal/reading, internal/deadletter, internal/subscription,
// internal/query and internal/api are satisfied structurally by
// *Store — each consumer only names the methods it uses.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool against dsn, verifies connectivity, and ensures
// the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

// EnsureSchema creates every table this service needs if it does not
// already exist. It is safe to call on every boot.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			mac TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			collect_enabled BOOLEAN NOT NULL DEFAULT false,
			ingress_type TEXT NOT NULL,
			broker TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			sub_topic TEXT NOT NULL DEFAULT '',
			pub_topic TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL DEFAULT '',
			tcp_port INTEGER NOT NULL DEFAULT 0,
			owner_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS readings (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id),
			mac TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			energy_kwh NUMERIC NOT NULL,
			power NUMERIC,
			voltage NUMERIC,
			current NUMERIC,
			key TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			payload_hash TEXT NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL,
			UNIQUE (mac, ts, payload_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_device_ts ON readings (device_id, ts)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			device_id TEXT REFERENCES devices(id),
			mac TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			failure_reason TEXT NOT NULL,
			occured_at TIMESTAMPTZ NOT NULL,
			retryable BOOLEAN NOT NULL DEFAULT false,
			meta JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_checkpoints (
			mac TEXT PRIMARY KEY,
			last_ts TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			last_login_at TIMESTAMPTZ,
			failed_login_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// --- Devices ---

func (s *Store) InsertDevice(ctx context.Context, d domain.Device) (domain.Device, error) {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, mac, status, collect_enabled, ingress_type, broker, port,
			sub_topic, pub_topic, client_id, username, password, host, tcp_port, owner_id,
			description, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		d.ID, d.MAC, string(d.Status), d.CollectEnabled, string(d.IngressType), d.Broker, d.Port,
		d.SubTopic, d.PubTopic, d.ClientID, d.Username, d.Password, d.Host, d.TCPPort, d.OwnerID,
		d.Description, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Device{}, domain.ErrDeviceConflict
		}
		return domain.Device{}, fmt.Errorf("insert device: %w", err)
	}
	return d, nil
}

func (s *Store) GetDeviceByMAC(ctx context.Context, mac string) (domain.Device, error) {
	row := s.pool.QueryRow(ctx, deviceSelectSQL+` WHERE mac = $1`, mac)
	return scanDevice(row)
}

func (s *Store) GetDeviceByID(ctx context.Context, id string) (domain.Device, error) {
	row := s.pool.QueryRow(ctx, deviceSelectSQL+` WHERE id = $1`, id)
	return scanDevice(row)
}

// ListDevicesByOwner returns every device owned by ownerID, most
// recently created first.
func (s *Store) ListDevicesByOwner(ctx context.Context, ownerID string) ([]domain.Device, error) {
	rows, err := s.pool.Query(ctx, deviceSelectSQL+` WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var out []domain.Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDevicesEligible returns devices with status=ENABLED and
// collect_enabled=true, used by the subscription manager's startup().
func (s *Store) ListDevicesEligible(ctx context.Context) ([]domain.Device, error) {
	rows, err := s.pool.Query(ctx, deviceSelectSQL+` WHERE status = 'ENABLED' AND collect_enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("list eligible devices: %w", err)
	}
	defer rows.Close()
	var out []domain.Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDevices returns every device in the system (the device-admin
// surface is not owner-scoped, unlike /v1/devices), optionally
// filtered by status.
func (s *Store) ListDevices(ctx context.Context, status domain.DeviceStatus) ([]domain.Device, error) {
	query := deviceSelectSQL
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var out []domain.Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeviceUpdate carries the optional fields an admin PATCH may set.
type DeviceUpdate struct {
	Status         *domain.DeviceStatus
	CollectEnabled *bool
	Broker         *string
	Port           *int
	SubTopic       *string
	PubTopic       *string
	ClientID       *string
	Username       *string
	Password       *string
	Host           *string
	TCPPort        *int
	Description    *string
}

func (s *Store) UpdateDevice(ctx context.Context, mac string, u DeviceUpdate) (domain.Device, error) {
	d, err := s.GetDeviceByMAC(ctx, mac)
	if err != nil {
		return domain.Device{}, err
	}
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.CollectEnabled != nil {
		d.CollectEnabled = *u.CollectEnabled
	}
	if u.Broker != nil {
		d.Broker = *u.Broker
	}
	if u.Port != nil {
		d.Port = *u.Port
	}
	if u.SubTopic != nil {
		d.SubTopic = *u.SubTopic
	}
	if u.PubTopic != nil {
		d.PubTopic = *u.PubTopic
	}
	if u.ClientID != nil {
		d.ClientID = *u.ClientID
	}
	if u.Username != nil {
		d.Username = *u.Username
	}
	if u.Password != nil {
		d.Password = *u.Password
	}
	if u.Host != nil {
		d.Host = *u.Host
	}
	if u.TCPPort != nil {
		d.TCPPort = *u.TCPPort
	}
	if u.Description != nil {
		d.Description = *u.Description
	}
	d.UpdatedAt = time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		UPDATE devices SET status=$2, collect_enabled=$3, broker=$4, port=$5, sub_topic=$6,
			pub_topic=$7, client_id=$8, username=$9, password=$10, host=$11, tcp_port=$12,
			description=$13, updated_at=$14
		WHERE mac = $1`,
		d.MAC, string(d.Status), d.CollectEnabled, d.Broker, d.Port, d.SubTopic, d.PubTopic,
		d.ClientID, d.Username, d.Password, d.Host, d.TCPPort, d.Description, d.UpdatedAt)
	if err != nil {
		return domain.Device{}, fmt.Errorf("update device: %w", err)
	}
	return d, nil
}

const deviceSelectSQL = `SELECT id, mac, status, collect_enabled, ingress_type, broker, port,
	sub_topic, pub_topic, client_id, username, password, host, tcp_port, owner_id, description,
	created_at, updated_at FROM devices`

type scannable interface {
	Scan(dest ...any) error
}

func scanDevice(row pgx.Row) (domain.Device, error) {
	return scanDeviceRows(row)
}

func scanDeviceRows(row scannable) (domain.Device, error) {
	var d domain.Device
	var status, ingress string
	err := row.Scan(&d.ID, &d.MAC, &status, &d.CollectEnabled, &ingress, &d.Broker, &d.Port,
		&d.SubTopic, &d.PubTopic, &d.ClientID, &d.Username, &d.Password, &d.Host, &d.TCPPort,
		&d.OwnerID, &d.Description, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Device{}, domain.ErrDeviceNotFound
		}
		return domain.Device{}, fmt.Errorf("scan device: %w", err)
	}
	d.Status = domain.DeviceStatus(status)
	d.IngressType = domain.IngressType(ingress)
	return d, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (pgxErrCode(err) == "23505")
}

// pgxErrCode extracts the Postgres SQLSTATE from a pgx error, or ""
// when err isn't a *pgconn.PgError. Kept as a tiny indirection so
// callers don't need to import pgconn directly.
func pgxErrCode(err error) string {
	type pgErrorLike interface{ SQLState() string }
	var pe pgErrorLike
	if errors.As(err, &pe) {
		return pe.SQLState()
	}
	return ""
}

// --- Decimal scanning helper ---

// nullDecimal adapts *decimal.Decimal to database/sql's scanning
// convention for nullable NUMERIC columns.
type nullDecimal struct {
	Valid bool
	Dec   decimal.Decimal
}

func (n *nullDecimal) Scan(src any) error {
	if src == nil {
		n.Valid = false
		return nil
	}
	switch v := src.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		n.Dec, n.Valid = d, true
	case float64:
		n.Dec, n.Valid = decimal.NewFromFloat(v), true
	default:
		return fmt.Errorf("unsupported decimal scan source %T", src)
	}
	return nil
}

func (n nullDecimal) Ptr() *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Dec
	return &d
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Device is a row in the device registry.
type Device struct {
	ID         string
	Name       string
	OS         string
	Version    string
	IPAddress  string
	UUID       []byte
	PublicKey  []byte
	LastOnline time.Time
	OwnerID    string
	Enabled    bool
}

// RegisterDevice upserts a device record, refreshing its address, identity
// material, and last-online timestamp.
func (db *DB) RegisterDevice(ctx context.Context, dev *Device) error {
	if dev.Name == "" {
		dev.Name = dev.ID
	}
	if dev.OS == "" {
		dev.OS = "Unknown"
	}
	if dev.Version == "" {
		dev.Version = "Unknown"
	}
	if dev.OwnerID == "" {
		dev.OwnerID = "system"
	}
	_, err := db.conn.ExecContext(ctx, `
INSERT INTO devices (id, name, os, version, ip_address, uuid, public_key, last_online, owner_id, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  ip_address  = excluded.ip_address,
  uuid        = COALESCE(excluded.uuid, devices.uuid),
  public_key  = COALESCE(excluded.public_key, devices.public_key),
  last_online = excluded.last_online,
  version     = excluded.version
`, dev.ID, dev.Name, dev.OS, dev.Version, dev.IPAddress, dev.UUID, dev.PublicKey,
		toUnix(dev.LastOnline), dev.OwnerID, dev.Enabled)
	if err != nil {
		return fmt.Errorf("register device %s: %w", dev.ID, err)
	}
	return nil
}

// LoadDevice fetches a device by id; the cold punch-hole lookup path.
// Returns (nil, nil) when the device is unknown.
func (db *DB) LoadDevice(ctx context.Context, id string) (*Device, error) {
	row := db.conn.QueryRowContext(ctx, `
SELECT id, name, os, version, ip_address, uuid, public_key, last_online, owner_id, enabled
FROM devices WHERE id = ?`, id)

	var dev Device
	var lastOnline sql.NullInt64
	err := row.Scan(&dev.ID, &dev.Name, &dev.OS, &dev.Version, &dev.IPAddress,
		&dev.UUID, &dev.PublicKey, &lastOnline, &dev.OwnerID, &dev.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", id, err)
	}
	dev.LastOnline = fromUnix(lastOnline)
	return &dev, nil
}

// DevicesByOwner lists devices belonging to an owner, for the management
// console collaborator.
func (db *DB) DevicesByOwner(ctx context.Context, ownerID string) ([]*Device, error) {
	rows, err := db.conn.QueryContext(ctx, `
SELECT id, name, os, version, ip_address, uuid, public_key, last_online, owner_id, enabled
FROM devices WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list devices for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		var dev Device
		var lastOnline sql.NullInt64
		if err := rows.Scan(&dev.ID, &dev.Name, &dev.OS, &dev.Version, &dev.IPAddress,
			&dev.UUID, &dev.PublicKey, &lastOnline, &dev.OwnerID, &dev.Enabled); err != nil {
			return nil, err
		}
		dev.LastOnline = fromUnix(lastOnline)
		out = append(out, &dev)
	}
	return out, rows.Err()
}

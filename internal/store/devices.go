package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Device is one row of the device directory.
type Device struct {
	UserID       string
	DeviceID     string
	DeviceType   string
	DeviceName   string
	LastActiveAt time.Time
}

// DeviceRepo maintains the device directory that drives offline fan-out.
type DeviceRepo struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewDeviceRepo creates a new PostgreSQL-backed device repository.
func NewDeviceRepo(db *pgxpool.Pool, logger zerolog.Logger) *DeviceRepo {
	return &DeviceRepo{db: db, log: logger}
}

// Upsert records a device at login, refreshing last_active_at on revisit.
func (r *DeviceRepo) Upsert(ctx context.Context, userID, deviceID, deviceType, deviceName string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO devices (user_id, device_id, device_type, device_name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, device_id) DO UPDATE
		     SET device_type = EXCLUDED.device_type,
		         device_name = EXCLUDED.device_name,
		         last_active_at = now()`,
		userID, deviceID, deviceType, deviceName,
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// ListByUser returns every device the user has logged in from, most recently
// active first.
func (r *DeviceRepo) ListByUser(ctx context.Context, userID string) ([]Device, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, device_id, device_type, device_name, last_active_at
		 FROM devices WHERE user_id = $1
		 ORDER BY last_active_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.DeviceType, &d.DeviceName, &d.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// Delete removes a device-directory entry. Deleting an absent entry is a
// no-op.
func (r *DeviceRepo) Delete(ctx context.Context, userID, deviceID string) error {
	_, err := r.db.Exec(ctx,
		"DELETE FROM devices WHERE user_id = $1 AND device_id = $2", userID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

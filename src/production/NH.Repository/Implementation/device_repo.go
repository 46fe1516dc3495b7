package implementation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

type PostgresDeviceRepository struct {
	db *sql.DB
}

func NewPostgresDeviceRepository(db *sql.DB) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

// UpdateStatus writes status and lastSeen unless the stored lastSeen is newer
func (r *PostgresDeviceRepository) UpdateStatus(ctx context.Context, deviceID string, status nhmodels.DeviceStatus, lastSeen time.Time) error {
	query := `
		UPDATE devices
		SET status = $2, "lastSeen" = $3, "updatedAt" = NOW()
		WHERE id::text = $1 AND ("lastSeen" IS NULL OR "lastSeen" <= $3)
	`
	if _, err := r.db.ExecContext(ctx, query, deviceID, string(status), lastSeen.UTC()); err != nil {
		return fmt.Errorf("update status of device %s: %w", deviceID, err)
	}
	return nil
}

func (r *PostgresDeviceRepository) Exists(ctx context.Context, deviceID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM devices WHERE id::text = $1)`, deviceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("look up device %s: %w", deviceID, err)
	}
	return exists, nil
}

// CreateTables creates the subset of the devices table the relay relies on.
// The full table is owned by the device management service.
func (r *PostgresDeviceRepository) CreateTables(ctx context.Context) error {
	queries := []string{
		`DO $$ BEGIN
			CREATE TYPE enum_devices_status AS ENUM ('online', 'offline');
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$`,
		`CREATE TABLE IF NOT EXISTS devices (
			id          TEXT PRIMARY KEY,
			status      enum_devices_status NOT NULL DEFAULT 'offline',
			"lastSeen"  TIMESTAMPTZ,
			"createdAt" TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			"updatedAt" TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, q := range queries {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create devices schema: %w", err)
		}
	}
	return nil
}

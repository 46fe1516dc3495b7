package interfaces

import (
	"context"
	"time"

	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

// DeviceRepository is the relay's narrow view of the device registry. Only
// status and lastSeen are ever written.
type DeviceRepository interface {
	// UpdateStatus never moves lastSeen backwards
	UpdateStatus(ctx context.Context, deviceID string, status nhmodels.DeviceStatus, lastSeen time.Time) error

	// Exists reports whether the device is registered
	Exists(ctx context.Context, deviceID string) (bool, error)
}

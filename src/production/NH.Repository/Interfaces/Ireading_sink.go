package interfaces

import (
	"context"

	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

// ReadingSink is an append-only time-series store for sensor readings
type ReadingSink interface {
	Append(ctx context.Context, r nhmodels.SensorReading) error
}

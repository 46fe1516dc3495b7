package ingestor

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

// ForwardEvent relays a device event to its subscribers. Events are not
// stored but prove the device is alive.
func (i *Ingestor) ForwardEvent(ctx context.Context, deviceID string, raw []byte) (nhmodels.DeviceEvent, error) {
	received := i.now()

	var payload nhmodels.EventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nhmodels.DeviceEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := i.validate.Struct(payload); err != nil {
		return nhmodels.DeviceEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := i.checkDevice(ctx, deviceID); err != nil {
		return nhmodels.DeviceEvent{}, err
	}

	event := payload.ToEvent(deviceID, received)
	i.markOnline(ctx, deviceID, received)
	i.publisher.Publish(deviceID, nhmodels.EventDeviceEvent, event)
	i.metrics.EventForwarded()

	i.logger.Logger.Info().Str("device_id", deviceID).Str("type", event.Type).Msg("Device event forwarded")
	return event, nil
}

package ingestor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	liveness "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Liveness"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	metrics "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Metrics"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
	interfaces "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Repository/Interfaces"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrStorageFailure = errors.New("storage failure")
	ErrUnknownDevice  = errors.New("unknown device")
)

// Publisher multicasts an event to the subscribers of a device
type Publisher interface {
	Publish(deviceID, event string, payload interface{}) int
}

type Config struct {
	// EnforceRanges rejects percentages outside [0,100] and negative light levels
	EnforceRanges bool
	// ValidateDevices rejects readings from devices missing in the registry
	ValidateDevices bool
}

// sensorRanges holds the documented bounds of the sensor fields
type sensorRanges struct {
	SoilMoisture float64 `validate:"gte=0,lte=100"`
	AirHumidity  float64 `validate:"gte=0,lte=100"`
	WaterLevel   float64 `validate:"gte=0,lte=100"`
	LightLevel   float64 `validate:"gte=0"`
}

// Ingestor turns raw device payloads into stored readings, liveness updates
// and subscriber notifications.
type Ingestor struct {
	cfg       Config
	sink      interfaces.ReadingSink
	devices   interfaces.DeviceRepository
	tracker   *liveness.Tracker
	publisher Publisher
	validate  *validator.Validate
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
}

// New builds an Ingestor. devices may be nil when no registry is configured.
func New(cfg Config, sink interfaces.ReadingSink, devices interfaces.DeviceRepository, tracker *liveness.Tracker, publisher Publisher, m *metrics.Metrics, log *logger.Logger) *Ingestor {
	return &Ingestor{
		cfg:       cfg,
		sink:      sink,
		devices:   devices,
		tracker:   tracker,
		publisher: publisher,
		validate:  validator.New(),
		metrics:   m,
		logger:    log.WithComponent("ingestor"),
		now:       time.Now,
	}
}

// Ingest handles one sensor payload. A storage failure still marks the
// device online and notifies subscribers; the returned error then wraps
// ErrStorageFailure together with the sink error.
func (i *Ingestor) Ingest(ctx context.Context, deviceID string, raw []byte) (nhmodels.SensorReading, error) {
	start := i.now()

	var payload nhmodels.SensorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		i.metrics.IngestResult(metrics.ResultInvalid, i.now().Sub(start))
		return nhmodels.SensorReading{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := i.validate.Struct(payload); err != nil {
		i.metrics.IngestResult(metrics.ResultInvalid, i.now().Sub(start))
		return nhmodels.SensorReading{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if i.cfg.EnforceRanges {
		if err := i.validate.Struct(sensorRanges{
			SoilMoisture: *payload.SoilMoisture,
			AirHumidity:  *payload.AirHumidity,
			WaterLevel:   *payload.WaterLevel,
			LightLevel:   *payload.LightLevel,
		}); err != nil {
			i.metrics.IngestResult(metrics.ResultInvalid, i.now().Sub(start))
			return nhmodels.SensorReading{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := i.checkDevice(ctx, deviceID); err != nil {
		i.metrics.IngestResult(metrics.ResultUnknownDevice, i.now().Sub(start))
		return nhmodels.SensorReading{}, err
	}

	reading := payload.ToReading(deviceID, i.now())

	storeErr := i.sink.Append(ctx, reading)
	if storeErr != nil {
		i.logger.Logger.Error().Err(storeErr).Str("device_id", deviceID).Msg("Failed to store sensor reading")
	}

	i.markOnline(ctx, deviceID, start)
	i.publisher.Publish(deviceID, nhmodels.EventSensorData, reading)

	if storeErr != nil {
		i.metrics.IngestResult(metrics.ResultStorageFailure, i.now().Sub(start))
		return reading, fmt.Errorf("%w: %w", ErrStorageFailure, storeErr)
	}

	i.metrics.IngestResult(metrics.ResultOK, i.now().Sub(start))
	i.logger.Logger.Debug().Str("device_id", deviceID).Time("timestamp", reading.Timestamp).Msg("Sensor reading ingested")
	return reading, nil
}

func (i *Ingestor) checkDevice(ctx context.Context, deviceID string) error {
	if !i.cfg.ValidateDevices || i.devices == nil {
		return nil
	}
	exists, err := i.devices.Exists(ctx, deviceID)
	if err != nil {
		// Registry outages must not drop telemetry
		i.logger.Logger.Warn().Err(err).Str("device_id", deviceID).Msg("Device lookup failed, accepting message")
		return nil
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return nil
}

// markOnline updates the tracker, writes through to the registry and
// announces the transition to subscribers. at is the receive time; device
// clocks are not trusted for liveness.
func (i *Ingestor) markOnline(ctx context.Context, deviceID string, at time.Time) {
	entry, changed := i.tracker.MarkOnline(deviceID, at)

	if i.devices != nil {
		if err := i.devices.UpdateStatus(ctx, deviceID, nhmodels.DeviceOnline, entry.LastSeen); err != nil {
			i.logger.Logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to persist device status")
		}
	}

	if changed {
		i.metrics.SetDevicesOnline(i.tracker.OnlineCount())
		i.publisher.Publish(deviceID, nhmodels.EventDeviceStatus, nhmodels.DeviceStatusUpdate{ID: deviceID, Status: nhmodels.DeviceOnline})
		i.logger.Logger.Info().Str("device_id", deviceID).Msg("Device is online")
	}
}

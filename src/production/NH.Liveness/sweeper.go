package liveness

import (
	"context"
	"time"

	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	metrics "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Metrics"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
	interfaces "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Repository/Interfaces"
)

// StatusPublisher multicasts to a device's subscribers
type StatusPublisher interface {
	Publish(deviceID, event string, payload interface{}) int
}

// Sweeper periodically marks devices offline that have not been seen for
// offlineAfter. Devices is optional.
type Sweeper struct {
	tracker      *Tracker
	devices      interfaces.DeviceRepository
	publisher    StatusPublisher
	metrics      *metrics.Metrics
	logger       *logger.Logger
	interval     time.Duration
	offlineAfter time.Duration
	now          func() time.Time
}

func NewSweeper(tracker *Tracker, devices interfaces.DeviceRepository, publisher StatusPublisher, interval, offlineAfter time.Duration, m *metrics.Metrics, log *logger.Logger) *Sweeper {
	return &Sweeper{
		tracker:      tracker,
		devices:      devices,
		publisher:    publisher,
		metrics:      m,
		logger:       log.WithComponent("liveness_sweeper"),
		interval:     interval,
		offlineAfter: offlineAfter,
		now:          time.Now,
	}
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Logger.Info().Dur("interval", s.interval).Dur("offline_after", s.offlineAfter).Msg("Liveness sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the devices it marked offline
func (s *Sweeper) Sweep(ctx context.Context) []nhmodels.DeviceLiveness {
	expired := s.tracker.ExpireBefore(s.now().Add(-s.offlineAfter))
	for _, d := range expired {
		if s.devices != nil {
			if err := s.devices.UpdateStatus(ctx, d.DeviceID, nhmodels.DeviceOffline, d.LastSeen); err != nil {
				s.logger.Logger.Warn().Err(err).Str("device_id", d.DeviceID).Msg("Failed to persist offline status")
			}
		}
		if s.publisher != nil {
			s.publisher.Publish(d.DeviceID, nhmodels.EventDeviceStatus, nhmodels.DeviceStatusUpdate{ID: d.DeviceID, Status: nhmodels.DeviceOffline})
		}
		s.logger.Logger.Info().Str("device_id", d.DeviceID).Time("last_seen", d.LastSeen).Msg("Device marked offline")
	}
	if len(expired) > 0 {
		s.metrics.SetDevicesOnline(s.tracker.OnlineCount())
	}
	return expired
}

package implementation

import (
	"context"
	"errors"
	"fmt"

	metrics "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Metrics"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
	interfaces "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Repository/Interfaces"
)

// NamedSink is a ReadingSink that can be identified in errors and metrics
type NamedSink interface {
	interfaces.ReadingSink
	Name() string
}

// MultiSink appends every reading to all sinks in order. Every sink is
// attempted; failures are joined.
type MultiSink struct {
	sinks   []NamedSink
	metrics *metrics.Metrics
}

func NewMultiSink(m *metrics.Metrics, sinks ...NamedSink) *MultiSink {
	return &MultiSink{sinks: sinks, metrics: m}
}

func (s *MultiSink) Append(ctx context.Context, r nhmodels.SensorReading) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Append(ctx, r); err != nil {
			s.metrics.SinkError(sink.Name())
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	metrics "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Metrics"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
	transport "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Transport"
)

var (
	ErrNotConnected   = errors.New("broker not connected")
	ErrDeliveryFailed = errors.New("control delivery failed")
	ErrInvalidCommand = errors.New("invalid control command")
)

// Control commands are acknowledged by the broker (at least once)
const controlQoS byte = 1

// Broker is the part of the transport client the publisher needs
type Broker interface {
	State() transport.State
	Namespace() string
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
}

// Publisher sends client control commands to devices. Commands are never
// queued or retried: a command that cannot be published now fails now.
type Publisher struct {
	broker  Broker
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

func New(broker Broker, m *metrics.Metrics, log *logger.Logger) *Publisher {
	return &Publisher{
		broker:  broker,
		metrics: m,
		logger:  log.WithComponent("control"),
		now:     time.Now,
	}
}

// SendControl publishes value as JSON to <ns>/<deviceID>/control/<control>
func (p *Publisher) SendControl(ctx context.Context, deviceID, control string, value interface{}) (nhmodels.ControlCommand, error) {
	cmd := nhmodels.ControlCommand{
		DeviceID:  deviceID,
		Control:   control,
		Value:     value,
		Timestamp: p.now().UTC(),
	}

	if err := validateSegment("deviceId", deviceID); err != nil {
		p.metrics.ControlResult("invalid")
		return cmd, err
	}
	if err := validateSegment("control", control); err != nil {
		p.metrics.ControlResult("invalid")
		return cmd, err
	}
	if value == nil {
		p.metrics.ControlResult("invalid")
		return cmd, fmt.Errorf("%w: value is required", ErrInvalidCommand)
	}

	body, err := json.Marshal(value)
	if err != nil {
		p.metrics.ControlResult("invalid")
		return cmd, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	if p.broker.State() != transport.StateConnected {
		p.metrics.ControlResult("not_connected")
		return cmd, ErrNotConnected
	}

	topic := transport.ControlTopic(p.broker.Namespace(), deviceID, control)
	if err := p.broker.Publish(ctx, topic, body, controlQoS); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			p.metrics.ControlResult("not_connected")
			return cmd, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		p.metrics.ControlResult("delivery_failed")
		p.logger.Logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish control command")
		return cmd, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	p.metrics.ControlResult(metrics.ResultOK)
	p.logger.Logger.Info().Str("topic", topic).RawJSON("value", body).Msg("Control command sent")
	return cmd, nil
}

// Reason maps a SendControl error to the code reported to clients
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	default:
		return "delivery_failed"
	}
}

func validateSegment(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidCommand, name)
	}
	if strings.ContainsAny(v, "/+#") {
		return fmt.Errorf("%w: %s %q contains topic separators or wildcards", ErrInvalidCommand, name, v)
	}
	return nil
}

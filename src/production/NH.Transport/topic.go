package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the last topic segment(s) that identify what a device published
type Kind string

const (
	KindSensors Kind = "sensors"
	KindEvents  Kind = "events"
	KindControl Kind = "control"
)

var ErrInvalidTopic = errors.New("invalid topic")

// Message is an inbound broker message with its topic already decoded
type Message struct {
	Topic      string
	DeviceID   string
	Kind       Kind
	Control    string
	Payload    []byte
	ReceivedAt time.Time
}

// ParseTopic decodes <ns>/<deviceId>/<kind>[/<control>]. Unknown kinds are
// returned as-is so the caller can decide what to do with them.
func ParseTopic(namespace, topic string) (Message, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if parts[0] != namespace {
		return Message{}, fmt.Errorf("%w: %q outside namespace %q", ErrInvalidTopic, topic, namespace)
	}
	if parts[1] == "" {
		return Message{}, fmt.Errorf("%w: %q has empty device id", ErrInvalidTopic, topic)
	}

	msg := Message{Topic: topic, DeviceID: parts[1], Kind: Kind(parts[2])}
	switch msg.Kind {
	case KindSensors, KindEvents:
		if len(parts) != 3 {
			return Message{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
	case KindControl:
		if len(parts) != 4 || parts[3] == "" {
			return Message{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
		msg.Control = parts[3]
	}
	return msg, nil
}

func SensorTopic(namespace, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", namespace, deviceID, KindSensors)
}

func EventTopic(namespace, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", namespace, deviceID, KindEvents)
}

func ControlTopic(namespace, deviceID, control string) string {
	return fmt.Sprintf("%s/%s/%s/%s", namespace, deviceID, KindControl, control)
}

// SubscriptionFilters returns the wildcard filters the relay listens on, at QoS 1
func SubscriptionFilters(namespace string) map[string]byte {
	return map[string]byte{
		SensorTopic(namespace, "+"): 1,
		EventTopic(namespace, "+"):  1,
	}
}

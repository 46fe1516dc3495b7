package nhmodels

import "time"

// DeviceEvent is a transient notification raised by a device (alarm, pump
// started, tank low...). It is forwarded to subscribers and never stored.
type DeviceEvent struct {
	DeviceID  string    `json:"deviceId"`
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPayload is the wire form published on <ns>/<deviceId>/events.
type EventPayload struct {
	Type      string    `json:"type" validate:"required"`
	Message   string    `json:"message"`
	Timestamp Timestamp `json:"timestamp"`
}

func (p EventPayload) ToEvent(deviceID string, now time.Time) DeviceEvent {
	ts := p.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}
	return DeviceEvent{
		DeviceID:  deviceID,
		Type:      p.Type,
		Message:   p.Message,
		Timestamp: ts.UTC(),
	}
}

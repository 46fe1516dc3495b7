package nhmodels

import (
	json "github.com/goccy/go-json"
)

// Real-time event names
const (
	EventSensorData    = "sensor-data"
	EventDeviceEvent   = "device-event"
	EventDeviceStatus  = "device-status"
	EventControlSent   = "control-sent"
	EventControlFailed = "control-failed"
	EventError         = "error"

	EventSubscribe     = "subscribe"
	EventUnsubscribe   = "unsubscribe"
	EventDeviceControl = "device-control"
)

// Envelope is a single real-time frame
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data into a frame ready to be written to a connection
func NewEnvelope(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// SubscriptionRequest is sent by clients with subscribe/unsubscribe
type SubscriptionRequest struct {
	DeviceID string `json:"deviceId"`
}

// ControlRequest is sent by clients with device-control
type ControlRequest struct {
	DeviceID string      `json:"deviceId"`
	Control  string      `json:"control"`
	Value    interface{} `json:"value"`
}

// ControlFailure is the payload of control-failed
type ControlFailure struct {
	DeviceID string `json:"deviceId"`
	Control  string `json:"control"`
	Reason   string `json:"reason"`
}

// ErrorMessage is the payload of error
type ErrorMessage struct {
	Message string `json:"message"`
}

package nhmodels

import "time"

// ControlCommand is an instruction sent from a client to a device. It is
// published at most once per request.
type ControlCommand struct {
	DeviceID  string      `json:"deviceId"`
	Control   string      `json:"control"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

package nhmodels

import "time"

// DeviceStatus mirrors the status enum of the devices table
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// DeviceLiveness is the tracker's view of a single device
type DeviceLiveness struct {
	DeviceID string       `json:"id"`
	Status   DeviceStatus `json:"status"`
	LastSeen time.Time    `json:"lastSeen"`
}

// DeviceStatusUpdate is the payload of the device-status event
type DeviceStatusUpdate struct {
	ID     string       `json:"id"`
	Status DeviceStatus `json:"status"`
}

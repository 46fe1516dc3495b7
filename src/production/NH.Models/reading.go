package nhmodels

import (
	"time"
)

// SensorReading is one accepted sample from a field device. It is stored as a
// document of the time-series collection, metaField deviceId, timeField timestamp.
type SensorReading struct {
	DeviceID     string    `bson:"deviceId" json:"deviceId"`
	SoilMoisture float64   `bson:"soilMoisture" json:"soilMoisture"`
	Temperature  float64   `bson:"temperature" json:"temperature"`
	AirHumidity  float64   `bson:"airHumidity" json:"airHumidity"`
	LightLevel   float64   `bson:"lightLevel" json:"lightLevel"`
	WaterLevel   float64   `bson:"waterLevel" json:"waterLevel"`
	Timestamp    time.Time `bson:"timestamp" json:"timestamp"`
}

// SensorPayload is the wire form of a reading as published by devices on
// <ns>/<deviceId>/sensors. All five measurements are required.
type SensorPayload struct {
	SoilMoisture *float64  `json:"soilMoisture" validate:"required"`
	Temperature  *float64  `json:"temperature" validate:"required"`
	AirHumidity  *float64  `json:"airHumidity" validate:"required"`
	LightLevel   *float64  `json:"lightLevel" validate:"required"`
	WaterLevel   *float64  `json:"waterLevel" validate:"required"`
	Timestamp    Timestamp `json:"timestamp"`
}

// ToReading builds the immutable reading. Missing timestamps fall back to now.
func (p SensorPayload) ToReading(deviceID string, now time.Time) SensorReading {
	ts := p.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}
	return SensorReading{
		DeviceID:     deviceID,
		SoilMoisture: *p.SoilMoisture,
		Temperature:  *p.Temperature,
		AirHumidity:  *p.AirHumidity,
		LightLevel:   *p.LightLevel,
		WaterLevel:   *p.WaterLevel,
		Timestamp:    ts.UTC(),
	}
}

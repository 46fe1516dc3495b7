package implementation

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

const influxMeasurement = "sensor_data"

// InfluxReadingSink mirrors readings into an InfluxDB bucket, one point per
// reading tagged with device_id.
type InfluxReadingSink struct {
	writeAPI api.WriteAPIBlocking
}

func NewInfluxReadingSink(client influxdb2.Client, org, bucket string) *InfluxReadingSink {
	return &InfluxReadingSink{writeAPI: client.WriteAPIBlocking(org, bucket)}
}

func (s *InfluxReadingSink) Name() string { return "influx" }

func (s *InfluxReadingSink) Append(ctx context.Context, r nhmodels.SensorReading) error {
	p := influxdb2.NewPoint(
		influxMeasurement,
		map[string]string{"device_id": r.DeviceID},
		map[string]interface{}{
			"soil_moisture": r.SoilMoisture,
			"temperature":   r.Temperature,
			"air_humidity":  r.AirHumidity,
			"light_level":   r.LightLevel,
			"water_level":   r.WaterLevel,
		},
		r.Timestamp,
	)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write point for %s: %w", r.DeviceID, err)
	}
	return nil
}

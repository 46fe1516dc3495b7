package implementation

import (
	"context"
	"fmt"
	"time"

	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoReadingSink struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoReadingSink(coll *mongo.Collection, timeout time.Duration) *MongoReadingSink {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MongoReadingSink{coll: coll, timeout: timeout}
}

func (s *MongoReadingSink) Name() string { return "mongo" }

func (s *MongoReadingSink) Append(ctx context.Context, r nhmodels.SensorReading) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("insert reading for %s: %w", r.DeviceID, err)
	}
	return nil
}

// EnsureTimeSeriesCollection creates the readings collection as a time-series
// collection (timeField timestamp, metaField deviceId) with a per-device
// recency index. Existing collections are left as they are.
func EnsureTimeSeriesCollection(ctx context.Context, db *mongo.Database, name string) (*mongo.Collection, error) {
	names, err := db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	if len(names) == 0 {
		ts := options.TimeSeries().
			SetTimeField("timestamp").
			SetMetaField("deviceId").
			SetGranularity("minutes")
		if err := db.CreateCollection(ctx, name, options.CreateCollection().SetTimeSeriesOptions(ts)); err != nil {
			return nil, fmt.Errorf("create time-series collection %s: %w", name, err)
		}
	}

	coll := db.Collection(name)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "deviceId", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create index on %s: %w", name, err)
	}
	return coll, nil
}

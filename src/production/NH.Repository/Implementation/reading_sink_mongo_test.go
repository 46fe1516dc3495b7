package implementation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoReadingSink_Append(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	reading := nhmodels.SensorReading{DeviceID: "dev-1", Temperature: 22, Timestamp: time.Now().UTC()}

	mt.Run("inserts", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		sink := NewMongoReadingSink(mt.Coll, time.Second)

		assert.NoError(mt, sink.Append(context.Background(), reading))
	})

	mt.Run("surfaces write errors", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    121,
			Message: "Document failed validation",
		}))
		sink := NewMongoReadingSink(mt.Coll, time.Second)

		err := sink.Append(context.Background(), reading)
		assert.Error(mt, err)
		assert.Contains(mt, err.Error(), "dev-1")
	})
}

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
	transport "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Transport"
)

type recorder struct {
	mu      sync.Mutex
	sensors []string
	events  []string
	block   chan struct{}
	fail    map[string]error
	panicOn string
}

func (r *recorder) Ingest(_ context.Context, deviceID string, raw []byte) (nhmodels.SensorReading, error) {
	if r.block != nil {
		<-r.block
	}
	if string(raw) == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors = append(r.sensors, deviceID+":"+string(raw))
	return nhmodels.SensorReading{DeviceID: deviceID}, r.fail[string(raw)]
}

func (r *recorder) ForwardEvent(_ context.Context, deviceID string, raw []byte) (nhmodels.DeviceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, deviceID+":"+string(raw))
	return nhmodels.DeviceEvent{DeviceID: deviceID}, nil
}

func (r *recorder) sensorCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sensors...)
}

func sensorMsg(device, body string) transport.Message {
	return transport.Message{DeviceID: device, Kind: transport.KindSensors, Payload: []byte(body)}
}

func TestRoute_DispatchesByKind(t *testing.T) {
	rec := &recorder{}
	r := New(Config{Workers: 1, QueueSize: 1}, rec, rec, nil, logger.NewNop())

	require.NoError(t, r.Route(context.Background(), sensorMsg("d1", "s")))
	require.NoError(t, r.Route(context.Background(), transport.Message{DeviceID: "d1", Kind: transport.KindEvents, Payload: []byte("e")}))
	require.NoError(t, r.Route(context.Background(), transport.Message{DeviceID: "d1", Kind: "diagnostics"}))

	assert.Equal(t, []string{"d1:s"}, rec.sensors)
	assert.Equal(t, []string{"d1:e"}, rec.events)
}

func TestRoute_RecoversPanics(t *testing.T) {
	rec := &recorder{panicOn: "bad"}
	r := New(Config{Workers: 1, QueueSize: 1}, rec, rec, nil, logger.NewNop())

	err := r.Route(context.Background(), sensorMsg("d1", "bad"))
	assert.ErrorIs(t, err, ErrHandlerPanic)

	require.NoError(t, r.Route(context.Background(), sensorMsg("d1", "good")))
}

func TestWorkers_ContinueAfterFailures(t *testing.T) {
	rec := &recorder{panicOn: "bad", fail: map[string]error{"err": errors.New("storage down")}}
	r := New(Config{Workers: 2, QueueSize: 8}, rec, rec, nil, logger.NewNop())
	r.Start(context.Background())

	assert.True(t, r.Enqueue(sensorMsg("d1", "bad")))
	assert.True(t, r.Enqueue(sensorMsg("d1", "err")))
	assert.True(t, r.Enqueue(sensorMsg("d1", "ok")))
	r.Stop()

	assert.Equal(t, []string{"d1:err", "d1:ok"}, rec.sensorCalls())
}

func TestWorkers_PreserveOrderPerDevice(t *testing.T) {
	rec := &recorder{}
	r := New(Config{Workers: 4, QueueSize: 256}, rec, rec, nil, logger.NewNop())
	r.Start(context.Background())

	for i := 0; i < 50; i++ {
		for _, d := range []string{"a", "b", "c"} {
			require.True(t, r.Enqueue(sensorMsg(d, fmt.Sprint(i))))
		}
	}
	r.Stop()

	perDevice := map[string][]string{}
	for _, call := range rec.sensorCalls() {
		perDevice[call[:1]] = append(perDevice[call[:1]], call[2:])
	}
	for _, d := range []string{"a", "b", "c"} {
		require.Len(t, perDevice[d], 50)
		for i, v := range perDevice[d] {
			assert.Equal(t, fmt.Sprint(i), v)
		}
	}
}

func TestEnqueue_DropsNewestWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	r := New(Config{Workers: 1, QueueSize: 1}, rec, rec, nil, logger.NewNop())
	r.Start(context.Background())

	require.True(t, r.Enqueue(sensorMsg("d1", "1")))
	// wait for the worker to pick up the first message and block in the handler
	require.Eventually(t, func() bool { return len(r.queues[0]) == 0 }, time.Second, time.Millisecond)
	require.True(t, r.Enqueue(sensorMsg("d1", "2")))
	assert.False(t, r.Enqueue(sensorMsg("d1", "3")))

	close(rec.block)
	r.Stop()
	assert.Equal(t, []string{"d1:1", "d1:2"}, rec.sensorCalls())
}

func TestEnqueue_AfterStop(t *testing.T) {
	rec := &recorder{}
	r := New(Config{Workers: 1, QueueSize: 1}, rec, rec, nil, logger.NewNop())
	r.Start(context.Background())
	r.Stop()
	r.Stop()

	assert.False(t, r.Enqueue(sensorMsg("d1", "late")))
}

func TestRoute_AppliesHandleTimeout(t *testing.T) {
	var deadline time.Time
	var ok bool
	ing := ingestFunc(func(ctx context.Context, _ string, _ []byte) (nhmodels.SensorReading, error) {
		deadline, ok = ctx.Deadline()
		return nhmodels.SensorReading{}, nil
	})
	r := New(Config{Workers: 1, QueueSize: 1, HandleTimeout: time.Minute}, ing, &recorder{}, nil, logger.NewNop())

	require.NoError(t, r.Route(context.Background(), sensorMsg("d1", "x")))
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

type ingestFunc func(ctx context.Context, deviceID string, raw []byte) (nhmodels.SensorReading, error)

func (f ingestFunc) Ingest(ctx context.Context, deviceID string, raw []byte) (nhmodels.SensorReading, error) {
	return f(ctx, deviceID, raw)
}

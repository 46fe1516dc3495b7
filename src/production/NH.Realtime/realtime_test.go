package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auth "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Auth"
	control "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Control"
	hub "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Hub"
	ingestor "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Ingestor"
	liveness "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Liveness"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
	router "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Router"
	transport "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Transport"
	"gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Transport/mqtttest"
)

const testSecret = "realtime-test-secret"

type memorySink struct {
	mu       sync.Mutex
	readings []nhmodels.SensorReading
}

func (s *memorySink) Append(_ context.Context, r nhmodels.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

// relay wires the whole pipeline against an in-memory broker
type relay struct {
	fake    *mqtttest.Client
	client  *transport.Client
	hub     *hub.Hub
	sink    *memorySink
	tracker *liveness.Tracker
	tokens  *auth.Service
	server  *Server
	http    *httptest.Server
}

func newRelay(t *testing.T, origins []string) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	r := &relay{
		fake:    mqtttest.New(nil),
		sink:    &memorySink{},
		tracker: liveness.NewTracker(),
		tokens:  auth.NewService(testSecret, ""),
	}
	r.hub = hub.New(16, nil, log)
	ing := ingestor.New(ingestor.Config{}, r.sink, nil, r.tracker, r.hub, nil, log)
	rt := router.New(router.Config{Workers: 2, QueueSize: 16, HandleTimeout: time.Second}, ing, ing, nil, log)
	rt.Start(context.Background())

	r.client = transport.NewClient(transport.Options{
		BrokerURL:      "tcp://broker.test:1883",
		ClientID:       "relay-test",
		Namespace:      "neurohome",
		ConnectTimeout: time.Second,
		PublishTimeout: time.Second,
		Backoff:        transport.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
		MaxAttempts:    3,
		NewMQTTClient:  mqtttest.Factory(r.fake),
	}, func(m transport.Message) { rt.Enqueue(m) }, log)

	r.server = NewServer(Config{
		Path:           "/ws",
		AllowedOrigins: origins,
		WriteTimeout:   time.Second,
		PingInterval:   time.Second,
		PongTimeout:    5 * time.Second,
		MaxMessageSize: 4096,
		ControlTimeout: time.Second,
	}, r.tokens, r.hub, control.New(r.client, nil, log), nil, log)

	engine := gin.New()
	r.server.RegisterRoutes(engine)
	r.http = httptest.NewServer(engine)

	t.Cleanup(func() {
		r.server.Shutdown()
		r.http.Close()
		r.hub.Close()
		rt.Stop()
		r.client.Disconnect()
	})

	require.NoError(t, r.client.Connect(context.Background()))
	return r
}

func (r *relay) url() string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
}

func (r *relay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	token, err := r.tokens.IssueAccessToken("user-1", "user@neurohome.test", time.Minute)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(r.url(), header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	frame, err := nhmodels.NewEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readUntil returns the first frame carrying event, skipping others
func readUntil(t *testing.T, conn *websocket.Conn, event string) nhmodels.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var env nhmodels.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == event {
			return env
		}
	}
}

func (r *relay) subscribe(t *testing.T, conn *websocket.Conn, deviceID string) {
	t.Helper()
	send(t, conn, nhmodels.EventSubscribe, nhmodels.SubscriptionRequest{DeviceID: deviceID})
	require.Eventually(t, func() bool {
		return len(r.hub.Members(deviceID)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRealtime_SensorReadingReachesSubscriber(t *testing.T) {
	r := newRelay(t, nil)
	conn := r.dial(t)
	r.subscribe(t, conn, "dev-1")

	payload := `{"soilMoisture":45,"temperature":22.5,"airHumidity":60,"lightLevel":8000,"waterLevel":85,"timestamp":"2024-01-01T00:00:00Z"}`
	require.True(t, r.fake.Deliver("neurohome/dev-1/sensors", []byte(payload)))

	status := readUntil(t, conn, nhmodels.EventDeviceStatus)
	var update nhmodels.DeviceStatusUpdate
	require.NoError(t, json.Unmarshal(status.Data, &update))
	assert.Equal(t, nhmodels.DeviceStatusUpdate{ID: "dev-1", Status: nhmodels.DeviceOnline}, update)

	env := readUntil(t, conn, nhmodels.EventSensorData)
	var reading nhmodels.SensorReading
	require.NoError(t, json.Unmarshal(env.Data, &reading))
	assert.Equal(t, "dev-1", reading.DeviceID)
	assert.Equal(t, 22.5, reading.Temperature)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), reading.Timestamp.UTC())

	assert.Equal(t, 1, r.sink.count())
	assert.Equal(t, nhmodels.DeviceOnline, r.tracker.Status("dev-1"))
}

func TestRealtime_DeviceEventReachesSubscriber(t *testing.T) {
	r := newRelay(t, nil)
	conn := r.dial(t)
	r.subscribe(t, conn, "dev-2")

	require.True(t, r.fake.Deliver("neurohome/dev-2/events", []byte(`{"type":"pump_started","message":"manual"}`)))

	env := readUntil(t, conn, nhmodels.EventDeviceEvent)
	var ev nhmodels.DeviceEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "dev-2", ev.DeviceID)
	assert.Equal(t, "pump_started", ev.Type)
	assert.Equal(t, "manual", ev.Message)
}

func TestRealtime_ControlSent(t *testing.T) {
	r := newRelay(t, nil)
	conn := r.dial(t)

	send(t, conn, nhmodels.EventDeviceControl, nhmodels.ControlRequest{DeviceID: "dev-1", Control: "pump", Value: true})

	env := readUntil(t, conn, nhmodels.EventControlSent)
	var cmd nhmodels.ControlCommand
	require.NoError(t, json.Unmarshal(env.Data, &cmd))
	assert.Equal(t, "dev-1", cmd.DeviceID)
	assert.Equal(t, "pump", cmd.Control)
	assert.Equal(t, true, cmd.Value)

	published := r.fake.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "neurohome/dev-1/control/pump", published[0].Topic)
	assert.Equal(t, byte(1), published[0].QoS)
	assert.JSONEq(t, `true`, string(published[0].Payload))
}

func TestRealtime_ControlFailedWhenBrokerDown(t *testing.T) {
	r := newRelay(t, nil)
	conn := r.dial(t)
	r.client.Disconnect()

	send(t, conn, nhmodels.EventDeviceControl, nhmodels.ControlRequest{DeviceID: "dev-1", Control: "pump", Value: 1})

	env := readUntil(t, conn, nhmodels.EventControlFailed)
	var failure nhmodels.ControlFailure
	require.NoError(t, json.Unmarshal(env.Data, &failure))
	assert.Equal(t, nhmodels.ControlFailure{DeviceID: "dev-1", Control: "pump", Reason: "not_connected"}, failure)
	assert.Empty(t, r.fake.Published())
}

func TestRealtime_ControlFailedForInvalidCommand(t *testing.T) {
	r := newRelay(t, nil)
	conn := r.dial(t)

	send(t, conn, nhmodels.EventDeviceControl, nhmodels.ControlRequest{DeviceID: "dev/1", Control: "pump", Value: 1})

	env := readUntil(t, conn, nhmodels.EventControlFailed)
	var failure nhmodels.ControlFailure
	require.NoError(t, json.Unmarshal(env.Data, &failure))
	assert.Equal(t, "invalid_command", failure.Reason)
	assert.Empty(t, r.fake.Published())
}

func TestRealtime_BadFramesGetErrorReplies(t *testing.T) {
	r := newRelay(t, nil)
	conn := r.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readUntil(t, conn, nhmodels.EventError)
	assert.Contains(t, string(env.Data), "malformed")

	send(t, conn, "reboot", nil)
	env = readUntil(t, conn, nhmodels.EventError)
	assert.Contains(t, string(env.Data), "unknown event")

	send(t, conn, nhmodels.EventSubscribe, nhmodels.SubscriptionRequest{})
	env = readUntil(t, conn, nhmodels.EventError)
	assert.Contains(t, string(env.Data), "deviceId")
}

func TestRealtime_UnsubscribeAndDisconnectLeaveGroups(t *testing.T) {
	r := newRelay(t, nil)
	conn := r.dial(t)
	r.subscribe(t, conn, "dev-1")
	r.subscribe(t, conn, "dev-2")

	send(t, conn, nhmodels.EventUnsubscribe, nhmodels.SubscriptionRequest{DeviceID: "dev-1"})
	require.Eventually(t, func() bool {
		return len(r.hub.Members("dev-1")) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, r.hub.Members("dev-2"), 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return len(r.hub.Members("dev-2")) == 0 && r.server.Sessions() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRealtime_RejectsMissingOrInvalidToken(t *testing.T) {
	r := newRelay(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(r.url(), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(r.url()+"?token=garbage", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other := auth.NewService("another-secret", "")
	token, err := other.IssueAccessToken("user-1", "", time.Minute)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(r.url()+"?token="+token, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRealtime_TokenQueryParameter(t *testing.T) {
	r := newRelay(t, nil)
	token, err := r.tokens.IssueAccessToken("user-1", "", time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(r.url()+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return r.server.Sessions() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRealtime_ChecksOrigin(t *testing.T) {
	r := newRelay(t, []string{"http://localhost:19006"})
	token, err := r.tokens.IssueAccessToken("user-1", "", time.Minute)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Origin", "http://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(r.url(), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:19006")
	conn, _, err := websocket.DefaultDialer.Dial(r.url(), header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestRealtime_ShutdownClosesSessions(t *testing.T) {
	r := newRelay(t, nil)
	conn := r.dial(t)
	require.Eventually(t, func() bool { return r.server.Sessions() == 1 }, 2*time.Second, 5*time.Millisecond)

	r.server.Shutdown()
	assert.Equal(t, 0, r.server.Sessions())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

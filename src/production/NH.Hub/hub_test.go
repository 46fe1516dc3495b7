package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	block  chan struct{}
	panics bool
	err    error
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	if c.block != nil {
		<-c.block
	}
	if c.panics {
		panic("write on closed socket")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return c.err
}

func (c *fakeConn) received() []nhmodels.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]nhmodels.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env nhmodels.Envelope
		_ = json.Unmarshal(f, &env)
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newHub(t *testing.T, outbox int) *Hub {
	h := New(outbox, nil, logger.NewNop())
	t.Cleanup(h.Close)
	return h
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	h := newHub(t, 8)
	c := newConn("c1")

	assert.True(t, h.Subscribe(c, "d1"))
	assert.False(t, h.Subscribe(c, "d1"))
	assert.Equal(t, []string{"c1"}, h.Members("d1"))

	assert.Equal(t, 1, h.Publish("d1", nhmodels.EventSensorData, map[string]int{"v": 1}))
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, c.count(), "double subscribe must not duplicate frames")
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := newHub(t, 8)
	c := newConn("c1")

	assert.False(t, h.Unsubscribe("c1", "d1"), "non-member")
	h.Subscribe(c, "d1")
	h.Subscribe(c, "d2")
	assert.True(t, h.Unsubscribe("c1", "d1"))
	assert.False(t, h.Unsubscribe("c1", "d1"))

	assert.Empty(t, h.Members("d1"))
	assert.Equal(t, []string{"d2"}, h.Subscriptions("c1"))
	assert.Equal(t, 0, h.Publish("d1", nhmodels.EventSensorData, 1))
}

func TestHub_PublishDeliversEnvelope(t *testing.T) {
	h := newHub(t, 8)
	c1, c2, other := newConn("c1"), newConn("c2"), newConn("c3")
	h.Subscribe(c1, "d1")
	h.Subscribe(c2, "d1")
	h.Subscribe(other, "d2")

	n := h.Publish("d1", nhmodels.EventDeviceStatus, nhmodels.DeviceStatusUpdate{ID: "d1", Status: nhmodels.DeviceOnline})
	assert.Equal(t, 2, n)

	for _, c := range []*fakeConn{c1, c2} {
		require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, time.Millisecond)
		env := c.received()[0]
		assert.Equal(t, nhmodels.EventDeviceStatus, env.Event)
		assert.JSONEq(t, `{"id":"d1","status":"online"}`, string(env.Data))
	}
	assert.Equal(t, 0, other.count())
}

func TestHub_PreservesOrderPerMember(t *testing.T) {
	h := newHub(t, 256)
	c := newConn("c1")
	h.Subscribe(c, "d1")

	for i := 0; i < 100; i++ {
		h.Publish("d1", nhmodels.EventSensorData, i)
	}
	require.Eventually(t, func() bool { return c.count() == 100 }, time.Second, time.Millisecond)
	for i, env := range c.received() {
		assert.Equal(t, fmt.Sprint(i), string(env.Data))
	}
}

func TestHub_BlockedMemberDoesNotStallOthers(t *testing.T) {
	h := newHub(t, 2)
	stuck := newConn("stuck")
	stuck.block = make(chan struct{})
	defer close(stuck.block)
	healthy := newConn("healthy")
	h.Subscribe(stuck, "d1")
	h.Subscribe(healthy, "d1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			h.Publish("d1", nhmodels.EventSensorData, i)
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stuck subscriber")
	}
	require.Eventually(t, func() bool { return healthy.count() == 20 }, time.Second, time.Millisecond)
}

func TestHub_PanickingMemberDoesNotAffectOthers(t *testing.T) {
	h := newHub(t, 8)
	bad := newConn("bad")
	bad.panics = true
	failing := newConn("failing")
	failing.err = errors.New("broken pipe")
	good := newConn("good")
	h.Subscribe(bad, "d1")
	h.Subscribe(failing, "d1")
	h.Subscribe(good, "d1")

	h.Publish("d1", nhmodels.EventSensorData, 1)
	h.Publish("d1", nhmodels.EventSensorData, 2)

	require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return failing.count() == 2 }, time.Second, time.Millisecond)
}

func TestHub_RemoveConnection(t *testing.T) {
	h := newHub(t, 8)
	c := newConn("c1")
	h.Subscribe(c, "d1")
	h.Subscribe(c, "d2")

	assert.Equal(t, 2, h.RemoveConnection("c1"))
	assert.Equal(t, 0, h.RemoveConnection("c1"))
	assert.Empty(t, h.Members("d1"))
	assert.Empty(t, h.Members("d2"))
	assert.Nil(t, h.Subscriptions("c1"))
}

func TestHub_ConcurrentAccess(t *testing.T) {
	h := newHub(t, 64)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newConn(fmt.Sprintf("c%d", i))
			for j := 0; j < 50; j++ {
				dev := fmt.Sprintf("d%d", j%3)
				h.Subscribe(c, dev)
				h.Publish(dev, nhmodels.EventSensorData, j)
				if j%2 == 0 {
					h.Unsubscribe(c.ID(), dev)
				}
			}
			h.RemoveConnection(c.ID())
		}(i)
	}
	wg.Wait()

	for _, d := range []string{"d0", "d1", "d2"} {
		assert.Empty(t, h.Members(d))
	}
}

// slowConn stalls on its first frame and records overlapping sends
type slowConn struct {
	fakeConn
	active    int32
	maxActive int32
	first     sync.Once
}

func (c *slowConn) Send(frame []byte) error {
	n := atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)
	for {
		old := atomic.LoadInt32(&c.maxActive)
		if n <= old || atomic.CompareAndSwapInt32(&c.maxActive, old, n) {
			break
		}
	}
	c.first.Do(func() { time.Sleep(100 * time.Millisecond) })
	return c.fakeConn.Send(frame)
}

func TestHub_ResubscribeKeepsOrderAndSingleSender(t *testing.T) {
	h := newHub(t, 8)
	c := &slowConn{fakeConn: fakeConn{id: "c1"}}

	h.Subscribe(c, "d1")
	h.Publish("d1", nhmodels.EventSensorData, 1)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&c.active) == 1 }, time.Second, time.Millisecond)

	h.Unsubscribe("c1", "d1")
	h.Subscribe(c, "d1")
	h.Publish("d1", nhmodels.EventSensorData, 2)

	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, time.Millisecond)
	got := c.received()
	assert.JSONEq(t, "1", string(got[0].Data))
	assert.JSONEq(t, "2", string(got[1].Data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&c.maxActive))
}

func TestHub_ReconnectWithSameIDWaitsForPreviousSender(t *testing.T) {
	h := newHub(t, 8)
	c := &slowConn{fakeConn: fakeConn{id: "c1"}}

	h.Subscribe(c, "d1")
	h.Publish("d1", nhmodels.EventSensorData, 1)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&c.active) == 1 }, time.Second, time.Millisecond)

	h.RemoveConnection("c1")
	h.Subscribe(c, "d1")
	h.Publish("d1", nhmodels.EventSensorData, 2)

	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&c.maxActive))
}

// Package mqtttest provides an in-memory stand-in for a paho MQTT client.
package mqtttest

import (
	"errors"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one message handed to Publish
type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Client implements mqtt.Client. Connect results can be scripted with
// FailConnects; inbound traffic is injected with Deliver.
type Client struct {
	mu            sync.Mutex
	opts          *mqtt.ClientOptions
	connected     bool
	connectCalls  int
	failConnects  int
	subscribeErr  error
	publishErr    error
	handler       mqtt.MessageHandler
	subscriptions []map[string]byte
	unsubscribed  []string
	published     []Published
}

var ErrRefused = errors.New("connection refused")

func New(opts *mqtt.ClientOptions) *Client {
	return &Client{opts: opts}
}

// Factory returns a constructor suitable for transport.Options.NewMQTTClient
// that always yields c.
func Factory(c *Client) func(*mqtt.ClientOptions) mqtt.Client {
	return func(o *mqtt.ClientOptions) mqtt.Client {
		c.mu.Lock()
		c.opts = o
		c.mu.Unlock()
		return c
	}
}

// FailConnects makes the next n Connect calls fail
func (c *Client) FailConnects(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failConnects = n
}

func (c *Client) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
}

func (c *Client) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

func (c *Client) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *Client) Subscriptions() []map[string]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]byte(nil), c.subscriptions...)
}

func (c *Client) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubscribed...)
}

func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Deliver pushes an inbound message through the subscription handler
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h := c.handler
	ok := c.connected && h != nil
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &message{topic: topic, payload: payload})
	return true
}

// DropConnection simulates the broker going away
func (c *Client) DropConnection(err error) {
	c.mu.Lock()
	c.connected = false
	var lost mqtt.ConnectionLostHandler
	if c.opts != nil {
		lost = c.opts.OnConnectionLost
	}
	c.mu.Unlock()
	if lost != nil {
		lost(c, err)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if c.failConnects > 0 {
		c.failConnects--
		return done(ErrRefused)
	}
	c.connected = true
	return done(nil)
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *Client) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return done(mqtt.ErrNotConnected)
	}
	if c.publishErr != nil {
		return done(c.publishErr)
	}
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Payload: body})
	return done(nil)
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return done(c.subscribeErr)
	}
	cp := make(map[string]byte, len(filters))
	for k, v := range filters {
		cp[k] = v
	}
	c.subscriptions = append(c.subscriptions, cp)
	c.handler = callback
	return done(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return done(nil)
}

func (c *Client) AddRoute(string, mqtt.MessageHandler) {}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mqtt.NewOptionsReader(c.opts)
}

// Broker URL as configured, for assertions
func (c *Client) BrokerURL() string {
	r := c.OptionsReader()
	servers := r.Servers()
	if len(servers) == 0 {
		return ""
	}
	return strings.TrimSuffix(servers[0].String(), "/")
}

type token struct {
	err error
	ch  chan struct{}
}

func done(err error) *token {
	t := &token{err: err, ch: make(chan struct{})}
	close(t.ch)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.ch }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 1 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
)

var (
	ErrNotConnected     = errors.New("mqtt client not connected")
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrPublishFailed    = errors.New("mqtt publish failed")
)

// Handler receives every decoded inbound message, on the paho delivery
// goroutine and in arrival order. It must not block.
type Handler func(Message)

// StateHook observes every machine change, including failed attempts that
// leave the state as it was
type StateHook func(from, to Machine)

// Options configures the broker connection
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TLSConfig      *tls.Config
	Namespace      string
	KeepAlive      time.Duration
	PingTimeout    time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Backoff        Backoff
	MaxAttempts    int

	// NewMQTTClient builds the underlying paho client; nil means mqtt.NewClient
	NewMQTTClient func(*mqtt.ClientOptions) mqtt.Client
	// OnStateChange runs with the client lock held and must not call back into the client
	OnStateChange StateHook
}

// Client owns the single broker connection of the relay. Reconnection is
// driven by Machine rather than by paho so attempts are bounded.
type Client struct {
	opts    Options
	handler Handler
	logger  *logger.Logger

	mu      sync.Mutex
	machine Machine
	conn    mqtt.Client
	life    context.Context
	stop    context.CancelFunc

	fatal chan error
	wg    sync.WaitGroup
}

func NewClient(opts Options, handler Handler, log *logger.Logger) *Client {
	if opts.NewMQTTClient == nil {
		opts.NewMQTTClient = mqtt.NewClient
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if handler == nil {
		handler = func(Message) {}
	}
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  log.WithComponent("mqtt"),
		machine: NewMachine(opts.MaxAttempts),
		fatal:   make(chan error, 1),
	}
}

// Namespace is the first topic segment of every device topic
func (c *Client) Namespace() string {
	return c.opts.Namespace
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State
}

// Machine returns a copy of the state machine
func (c *Client) Machine() Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Fatal delivers ErrConnectionFailed once reconnect attempts are exhausted
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

// Connect dials the broker and subscribes to the device topics, retrying with
// backoff until connected, attempts are exhausted, or ctx ends. ctx only bounds
// this initial connection; later reconnects run until Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if err := c.apply(EventConnect); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.conn == nil {
		c.conn = c.opts.NewMQTTClient(c.clientOptions())
	}
	c.life, c.stop = context.WithCancel(context.Background())
	life := c.life
	c.mu.Unlock()

	c.logger.Logger.Info().Str("broker", c.opts.BrokerURL).Str("client_id", c.opts.ClientID).Msg("Connecting to MQTT broker")

	err := c.retry(ctx, life)
	if err != nil && !errors.Is(err, ErrConnectionFailed) {
		// Connect gave up before the machine did; leave a clean state behind.
		c.Disconnect()
	}
	return err
}

// Publish sends payload and waits for the broker acknowledgment (for qos > 0)
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.machine.State
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	token := conn.Publish(topic, qos, false, payload)
	timer := time.NewTimer(c.opts.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: %s: timed out after %s", ErrPublishFailed, topic, c.opts.PublishTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			return fmt.Errorf("%w: %s", ErrNotConnected, topic)
		}
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, topic, err)
	}
	return nil
}

// Disconnect cancels any pending reconnect, unsubscribes and closes the
// connection. Safe to call in any state and more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.machine.State == StateDisconnected && c.stop == nil {
		c.mu.Unlock()
		return
	}
	wasConnected := c.machine.State == StateConnected
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	conn := c.conn
	_ = c.apply(EventDisconnect)
	c.mu.Unlock()

	c.wg.Wait()

	if conn != nil && conn.IsConnected() {
		if wasConnected {
			topics := c.filterTopics()
			if tk := conn.Unsubscribe(topics...); !tk.WaitTimeout(c.opts.ConnectTimeout) || tk.Error() != nil {
				c.logger.Logger.Warn().Err(tk.Error()).Strs("topics", topics).Msg("Failed to unsubscribe from MQTT topics")
			}
		}
		conn.Disconnect(250)
	}
	c.logger.Logger.Info().Msg("Disconnected from MQTT broker")
}

func (c *Client) retry(ctx context.Context, life context.Context) error {
	for {
		dialErr := c.dial()

		c.mu.Lock()
		if life.Err() != nil {
			c.mu.Unlock()
			if dialErr == nil {
				c.closeConn()
			}
			return fmt.Errorf("%w: disconnected", ErrNotConnected)
		}
		if dialErr == nil {
			_ = c.apply(EventConnected)
			c.mu.Unlock()
			c.logger.Logger.Info().Str("broker", c.opts.BrokerURL).Msg("MQTT connected, subscriptions established")
			return nil
		}
		_ = c.apply(EventConnectFailed)
		m := c.machine
		c.mu.Unlock()

		c.logger.Logger.Warn().Err(dialErr).Int("attempt", m.Attempt).Int("max_attempts", m.MaxAttempts).Msg("MQTT connection attempt failed")

		if m.State == StateFailed {
			err := fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, m.Attempt, dialErr)
			c.logger.Logger.Error().Err(err).Msg("Giving up on MQTT broker")
			select {
			case c.fatal <- err:
			default:
			}
			return err
		}

		timer := time.NewTimer(c.opts.Backoff.Delay(m.Attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-life.Done():
			timer.Stop()
			return fmt.Errorf("%w: disconnected", ErrNotConnected)
		}
	}
}

// dial connects and subscribes; a failed subscription counts as a failed attempt
func (c *Client) dial() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	tk := conn.Connect()
	if !tk.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("connect timed out after %s", c.opts.ConnectTimeout)
	}
	if err := tk.Error(); err != nil {
		return err
	}

	filters := SubscriptionFilters(c.opts.Namespace)
	st := conn.SubscribeMultiple(filters, c.onMessage)
	if !st.WaitTimeout(c.opts.ConnectTimeout) {
		conn.Disconnect(0)
		return fmt.Errorf("subscribe timed out after %s", c.opts.ConnectTimeout)
	}
	if err := st.Error(); err != nil {
		conn.Disconnect(0)
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	if e := c.apply(EventConnectionLost); e != nil {
		// Lost while disconnecting or already reconnecting
		c.mu.Unlock()
		return
	}
	life := c.life
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Logger.Error().Err(err).Msg("MQTT connection lost, reconnecting")

	go func() {
		defer c.wg.Done()
		m := c.Machine()
		timer := time.NewTimer(c.opts.Backoff.Delay(m.Attempt))
		select {
		case <-timer.C:
		case <-life.Done():
			timer.Stop()
			return
		}
		_ = c.retry(life, life)
	}()
}

func (c *Client) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg, err := ParseTopic(c.opts.Namespace, m.Topic())
	if err != nil {
		c.logger.Logger.Warn().Err(err).Str("topic", m.Topic()).Msg("Ignoring message on unexpected topic")
		return
	}
	msg.Payload = m.Payload()
	msg.ReceivedAt = time.Now().UTC()

	c.logger.Logger.Debug().Str("topic", m.Topic()).Int("bytes", len(msg.Payload)).Msg("Received MQTT message")
	c.handler(msg)
}

// apply must be called with mu held
func (c *Client) apply(ev Event) error {
	next, err := Transition(c.machine, ev)
	if err != nil {
		return err
	}
	prev := c.machine
	c.machine = next
	if prev != next && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(prev, next)
	}
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil && conn.IsConnected() {
		conn.Disconnect(0)
	}
}

func (c *Client) filterTopics() []string {
	filters := SubscriptionFilters(c.opts.Namespace)
	topics := make([]string, 0, len(filters))
	for t := range filters {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (c *Client) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.opts.BrokerURL).
		SetClientID(c.opts.ClientID).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectTimeout(c.opts.ConnectTimeout)

	if c.opts.KeepAlive > 0 {
		opts.SetKeepAlive(c.opts.KeepAlive)
	}
	if c.opts.PingTimeout > 0 {
		opts.SetPingTimeout(c.opts.PingTimeout)
	}
	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}
	if c.opts.TLSConfig != nil {
		opts.SetTLSConfig(c.opts.TLSConfig)
	}
	opts.SetConnectionLostHandler(c.onConnectionLost)
	return opts
}

// TLSConfig builds a client TLS configuration, trusting caFile when given
func TLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file %s", caFile)
	}
	cfg.RootCAs = cp
	return cfg, nil
}

package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	metrics "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Metrics"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
	transport "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Transport"
)

var ErrHandlerPanic = errors.New("message handler panicked")

// SensorIngestor handles <ns>/<id>/sensors messages
type SensorIngestor interface {
	Ingest(ctx context.Context, deviceID string, raw []byte) (nhmodels.SensorReading, error)
}

// EventForwarder handles <ns>/<id>/events messages
type EventForwarder interface {
	ForwardEvent(ctx context.Context, deviceID string, raw []byte) (nhmodels.DeviceEvent, error)
}

type Config struct {
	Workers       int
	QueueSize     int
	HandleTimeout time.Duration
}

// Router sits between the transport delivery goroutine and the handlers.
// Messages are sharded by device ID onto bounded queues, so messages of one
// device are handled in arrival order while devices proceed in parallel.
// When a queue is full the incoming message is dropped.
type Router struct {
	cfg     Config
	sensors SensorIngestor
	events  EventForwarder
	metrics *metrics.Metrics
	logger  *logger.Logger

	queues []chan transport.Message
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func New(cfg Config, sensors SensorIngestor, events EventForwarder, m *metrics.Metrics, log *logger.Logger) *Router {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	queues := make([]chan transport.Message, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan transport.Message, cfg.QueueSize)
	}
	return &Router{
		cfg:     cfg,
		sensors: sensors,
		events:  events,
		metrics: m,
		logger:  log.WithComponent("router"),
		queues:  queues,
	}
}

// Start launches one worker per queue. Workers exit once Stop has drained
// their queue.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	for i, q := range r.queues {
		r.wg.Add(1)
		go r.worker(ctx, i, q)
	}
	r.logger.Logger.Info().Int("workers", len(r.queues)).Int("queue_size", r.cfg.QueueSize).Msg("Message router started")
}

// Enqueue hands msg to its device's worker without blocking. It reports
// false when the message was dropped.
func (r *Router) Enqueue(msg transport.Message) bool {
	r.metrics.MessageReceived(string(msg.Kind))

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.MessageDropped("closed")
		return false
	}

	q := r.queues[r.shard(msg.DeviceID)]
	select {
	case q <- msg:
		return true
	default:
		r.metrics.MessageDropped("queue_full")
		r.logger.Logger.Warn().
			Str("device_id", msg.DeviceID).
			Str("kind", string(msg.Kind)).
			Int("queue_size", r.cfg.QueueSize).
			Msg("Router queue full, dropping message")
		return false
	}
}

// Route dispatches a single message by kind. Handler errors and panics are
// returned, never propagated as panics; unknown kinds are ignored.
func (r *Router) Route(ctx context.Context, msg transport.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
			r.logger.Logger.Error().
				Str("device_id", msg.DeviceID).
				Str("kind", string(msg.Kind)).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic while handling message")
		}
	}()

	if r.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandleTimeout)
		defer cancel()
	}

	switch msg.Kind {
	case transport.KindSensors:
		_, err = r.sensors.Ingest(ctx, msg.DeviceID, msg.Payload)
	case transport.KindEvents:
		_, err = r.events.ForwardEvent(ctx, msg.DeviceID, msg.Payload)
	default:
		r.logger.Logger.Debug().Str("topic", msg.Topic).Str("kind", string(msg.Kind)).Msg("Ignoring message of unhandled kind")
		return nil
	}
	return err
}

// Stop refuses new messages, drains the queues and waits for the workers
func (r *Router) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	started := r.started
	r.mu.Unlock()

	if started {
		r.wg.Wait()
	}
	r.logger.Logger.Info().Msg("Message router stopped")
}

func (r *Router) worker(ctx context.Context, id int, q <-chan transport.Message) {
	defer r.wg.Done()
	for msg := range q {
		if err := r.Route(ctx, msg); err != nil {
			r.metrics.RouteError(string(msg.Kind))
			r.logger.Logger.Warn().
				Err(err).
				Int("worker", id).
				Str("device_id", msg.DeviceID).
				Str("kind", string(msg.Kind)).
				Msg("Failed to handle message")
		}
	}
}

func (r *Router) shard(deviceID string) int {
	return int(xxhash.Sum64String(deviceID) % uint64(len(r.queues)))
}

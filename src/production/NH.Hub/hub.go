package hub

import (
	"sort"
	"sync"

	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	metrics "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Metrics"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

// Conn is a subscriber connection. Send may block or fail; the hub calls it
// from a goroutine dedicated to that connection.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

type member struct {
	conn   Conn
	outbox chan []byte
	done   chan struct{}
	exited chan struct{}
	groups map[string]struct{}
}

// Hub maps device IDs to the connections subscribed to them. A connection
// may be subscribed to any number of devices; frames for it are queued on a
// single bounded outbox so its delivery order matches publish order.
type Hub struct {
	mu      sync.RWMutex
	groups  map[string]map[string]*member
	members map[string]*member
	// retired members whose drain goroutine may still be inside Send
	retired map[string]*member

	outboxSize int
	metrics    *metrics.Metrics
	logger     *logger.Logger
	wg         sync.WaitGroup
}

func New(outboxSize int, m *metrics.Metrics, log *logger.Logger) *Hub {
	if outboxSize < 1 {
		outboxSize = 1
	}
	return &Hub{
		groups:     make(map[string]map[string]*member),
		members:    make(map[string]*member),
		retired:    make(map[string]*member),
		outboxSize: outboxSize,
		metrics:    m,
		logger:     log.WithComponent("hub"),
	}
}

// Subscribe adds conn to the device's group. It reports false if conn was
// already a member.
func (h *Hub) Subscribe(conn Conn, deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[conn.ID()]
	if !ok {
		m = &member{
			conn:   conn,
			outbox: make(chan []byte, h.outboxSize),
			done:   make(chan struct{}),
			exited: make(chan struct{}),
			groups: make(map[string]struct{}),
		}
		h.members[conn.ID()] = m
		h.wg.Add(1)
		go h.drain(m, h.retired[conn.ID()])
	}
	if _, ok := m.groups[deviceID]; ok {
		return false
	}

	group, ok := h.groups[deviceID]
	if !ok {
		group = make(map[string]*member)
		h.groups[deviceID] = group
	}
	group[conn.ID()] = m
	m.groups[deviceID] = struct{}{}
	h.metrics.SetSubscriptions(h.countLocked())
	return true
}

// Unsubscribe removes the connection from the device's group. It reports
// false if it was not a member. The connection keeps its outbox until
// RemoveConnection, even with no groups left.
func (h *Hub) Unsubscribe(connID, deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return false
	}
	if _, ok := m.groups[deviceID]; !ok {
		return false
	}
	h.leaveLocked(m, deviceID)
	h.metrics.SetSubscriptions(h.countLocked())
	return true
}

// RemoveConnection leaves every group and stops delivery to the connection.
// It returns the number of groups left.
func (h *Hub) RemoveConnection(connID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return 0
	}
	n := len(m.groups)
	for deviceID := range m.groups {
		h.leaveLocked(m, deviceID)
	}
	h.dropLocked(m)
	h.metrics.SetSubscriptions(h.countLocked())
	return n
}

// Publish encodes payload once and queues it for every current member of
// the device's group. It never blocks; members whose outbox is full miss the
// frame. It returns the number of members the frame was queued for.
func (h *Hub) Publish(deviceID, event string, payload interface{}) int {
	frame, err := nhmodels.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Logger.Error().Err(err).Str("device_id", deviceID).Str("event", event).Msg("Failed to encode frame")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	queued := 0
	for _, m := range h.groups[deviceID] {
		select {
		case m.outbox <- frame:
			queued++
		default:
			h.metrics.FrameDropped()
			h.logger.Logger.Warn().Str("conn_id", m.conn.ID()).Str("device_id", deviceID).Str("event", event).Msg("Subscriber outbox full, dropping frame")
		}
	}
	h.metrics.FramesQueued(event, queued)
	return queued
}

// Members returns the connection IDs subscribed to the device, sorted
func (h *Hub) Members(deviceID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.groups[deviceID]))
	for id := range h.groups[deviceID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscriptions returns the devices the connection is subscribed to, sorted
func (h *Hub) Subscriptions(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m, ok := h.members[connID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops delivery to every connection and waits for the delivery
// goroutines to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, m := range h.members {
		for deviceID := range m.groups {
			h.leaveLocked(m, deviceID)
		}
		h.dropLocked(m)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// drain delivers m's frames. prev is the retired member of the same
// connection, if any; its goroutine must exit first so sends never overlap.
func (h *Hub) drain(m *member, prev *member) {
	defer h.wg.Done()
	defer h.retire(m)
	if prev != nil {
		<-prev.exited
	}
	for {
		select {
		case <-m.done:
			return
		case frame := <-m.outbox:
			h.deliver(m, frame)
		}
	}
}

func (h *Hub) retire(m *member) {
	close(m.exited)
	h.mu.Lock()
	if h.retired[m.conn.ID()] == m {
		delete(h.retired, m.conn.ID())
	}
	h.mu.Unlock()
}

func (h *Hub) deliver(m *member, frame []byte) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Logger.Error().Interface("panic", p).Str("conn_id", m.conn.ID()).Msg("Recovered from panic in subscriber send")
		}
	}()
	if err := m.conn.Send(frame); err != nil {
		h.logger.Logger.Debug().Err(err).Str("conn_id", m.conn.ID()).Msg("Failed to send frame to subscriber")
	}
}

func (h *Hub) leaveLocked(m *member, deviceID string) {
	delete(m.groups, deviceID)
	if group, ok := h.groups[deviceID]; ok {
		delete(group, m.conn.ID())
		if len(group) == 0 {
			delete(h.groups, deviceID)
		}
	}
}

func (h *Hub) dropLocked(m *member) {
	delete(h.members, m.conn.ID())
	h.retired[m.conn.ID()] = m
	close(m.done)
}

func (h *Hub) countLocked() int {
	n := 0
	for _, group := range h.groups {
		n += len(group)
	}
	return n
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	auth "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Auth"
	control "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Control"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

var errSessionClosed = errors.New("session closed")

// session is one authenticated WebSocket client. It implements hub.Conn.
type session struct {
	id           string
	conn         *websocket.Conn
	claims       *auth.Claims
	writeTimeout time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, claims *auth.Claims, writeTimeout time.Duration) *session {
	return &session{
		id:           id,
		conn:         conn,
		claims:       claims,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (s *session) ID() string {
	return s.id
}

// Send writes one text frame. gorilla connections allow a single writer, so
// hub deliveries, replies and pings share writeMu.
func (s *session) Send(frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// closeWith sends a close frame before closing the socket
func (s *session) closeWith(code int, text string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(s.writeTimeout))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Server) handleFrame(sess *session, data []byte) {
	var env nhmodels.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		s.reply(sess, nhmodels.EventError, nhmodels.ErrorMessage{Message: "malformed frame"})
		return
	}

	switch env.Event {
	case nhmodels.EventSubscribe, nhmodels.EventUnsubscribe:
		var req nhmodels.SubscriptionRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.DeviceID == "" {
			s.reply(sess, nhmodels.EventError, nhmodels.ErrorMessage{Message: env.Event + " requires deviceId"})
			return
		}
		var changed bool
		if env.Event == nhmodels.EventSubscribe {
			changed = s.subs.Subscribe(sess, req.DeviceID)
		} else {
			changed = s.subs.Unsubscribe(sess.id, req.DeviceID)
		}
		s.logger.Logger.Debug().Str("conn_id", sess.id).Str("device_id", req.DeviceID).Str("event", env.Event).Bool("changed", changed).Msg("Subscription updated")

	case nhmodels.EventDeviceControl:
		s.handleControl(sess, env.Data)

	default:
		s.reply(sess, nhmodels.EventError, nhmodels.ErrorMessage{Message: "unknown event " + env.Event})
	}
}

func (s *Server) handleControl(sess *session, data json.RawMessage) {
	var req nhmodels.ControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(sess, nhmodels.EventError, nhmodels.ErrorMessage{Message: "malformed device-control"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ControlTimeout)
	defer cancel()

	cmd, err := s.control.SendControl(ctx, req.DeviceID, req.Control, req.Value)
	if err != nil {
		s.logger.Logger.Warn().Err(err).Str("conn_id", sess.id).Str("device_id", req.DeviceID).Str("control", req.Control).Msg("Control command failed")
		s.reply(sess, nhmodels.EventControlFailed, nhmodels.ControlFailure{
			DeviceID: req.DeviceID,
			Control:  req.Control,
			Reason:   control.Reason(err),
		})
		return
	}
	s.reply(sess, nhmodels.EventControlSent, cmd)
}

func (s *Server) reply(sess *session, event string, data interface{}) {
	frame, err := nhmodels.NewEnvelope(event, data)
	if err != nil {
		s.logger.Logger.Error().Err(err).Str("event", event).Msg("Failed to encode reply")
		return
	}
	if err := sess.Send(frame); err != nil {
		s.logger.Logger.Debug().Err(err).Str("conn_id", sess.id).Str("event", event).Msg("Failed to send reply")
	}
}

package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	uuid "github.com/google/uuid"
	"github.com/gorilla/websocket"
	auth "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Auth"
	hub "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Hub"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	metrics "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Metrics"
	nhmodels "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Models"
)

// Subscriptions is the group membership side of the fan-out hub
type Subscriptions interface {
	Subscribe(conn hub.Conn, deviceID string) bool
	Unsubscribe(connID, deviceID string) bool
	RemoveConnection(connID string) int
	Subscriptions(connID string) []string
}

// Controller publishes control commands to devices
type Controller interface {
	SendControl(ctx context.Context, deviceID, control string, value interface{}) (nhmodels.ControlCommand, error)
}

// TokenValidator checks access tokens before the upgrade
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

type Config struct {
	Path           string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	ControlTimeout time.Duration
}

// Server is the WebSocket endpoint clients use to follow devices and send
// control commands.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	tokens   TokenValidator
	subs     Subscriptions
	control  Controller
	metrics  *metrics.Metrics
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closing  bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config, tokens TokenValidator, subs Subscriptions, control Controller, m *metrics.Metrics, log *logger.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		tokens:   tokens,
		subs:     subs,
		control:  control,
		metrics:  m,
		logger:   log.WithComponent("realtime"),
		sessions: make(map[string]*session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// RegisterRoutes registers the WebSocket route with Gin
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET(s.cfg.Path, s.HandleWebSocket)
}

// HandleWebSocket authenticates the request and upgrades it
func (s *Server) HandleWebSocket(c *gin.Context) {
	token := auth.ExtractToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrMissingToken.Error()})
		return
	}
	claims, err := s.tokens.ValidateAccessToken(token)
	if err != nil {
		s.logger.Logger.Debug().Err(err).Str("remote", c.ClientIP()).Msg("Rejected real-time connection")
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrInvalidToken.Error()})
		return
	}

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Logger.Warn().Err(err).Str("remote", c.ClientIP()).Msg("WebSocket upgrade failed")
		return
	}

	sess := newSession(uuid.New().String(), conn, claims, s.cfg.WriteTimeout)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		sess.close()
		return
	}
	s.sessions[sess.id] = sess
	s.wg.Add(2)
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	s.logger.Logger.Info().Str("conn_id", sess.id).Str("user_id", claims.UserID).Msg("Real-time client connected")

	go s.readLoop(sess)
	go s.pingLoop(sess)
}

// Shutdown closes every session and waits for their goroutines
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.wg.Wait()
}

// Sessions returns the number of open connections
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) readLoop(sess *session) {
	defer s.wg.Done()
	defer s.drop(sess)

	if s.cfg.MaxMessageSize > 0 {
		sess.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Logger.Debug().Err(err).Str("conn_id", sess.id).Msg("Real-time connection closed unexpectedly")
			}
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.handleFrame(sess, data)
	}
}

func (s *Server) pingLoop(sess *session) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				s.logger.Logger.Debug().Err(err).Str("conn_id", sess.id).Msg("Ping failed, closing connection")
				sess.close()
				return
			}
		}
	}
}

func (s *Server) drop(sess *session) {
	devices := s.subs.Subscriptions(sess.id)
	s.subs.RemoveConnection(sess.id)
	sess.close()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	s.metrics.ConnectionClosed()
	s.logger.Logger.Info().Str("conn_id", sess.id).Strs("devices", devices).Msg("Real-time client disconnected")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

package container

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	auth "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Auth"
	config "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Config"
	control "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Control"
	controllers "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Controllers"
	health "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Health"
	hub "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Hub"
	ingestor "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Ingestor"
	liveness "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Liveness"
	logger "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Logger"
	metrics "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Metrics"
	realtime "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Realtime"
	implementation "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Repository/Implementation"
	interfaces "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Repository/Interfaces"
	router "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Router"
	transport "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Transport"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	Version        = "1.0.0"
	connectTimeout = 20 * time.Second
)

// Container manages dependencies and their lifecycle
type Container struct {
	config   *config.RelayConfig
	logger   *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	mongo  *mongo.Client
	db     *sql.DB
	influx influxdb2.Client

	tracker   *liveness.Tracker
	hub       *hub.Hub
	router    *router.Router
	transport *transport.Client
	auth      *auth.Service
	realtime  *realtime.Server
	sweeper   *liveness.Sweeper
	health    *health.HealthChecker

	// Mutex for thread-safe access
	mu sync.RWMutex

	// Cleanup functions, run in reverse order
	cleanupFuncs []func() error
}

// NewRelayContainer loads configuration and creates the logger and metrics
// registry. Connections are opened by Initialize.
func NewRelayContainer() (*Container, error) {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewContainer(cfg, logger.NewLogger(&cfg.Logging)), nil
}

// NewContainer creates a container around an existing configuration
func NewContainer(cfg *config.RelayConfig, log *logger.Logger) *Container {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Container{
		config:   cfg,
		logger:   log.WithService("telemetry-relay"),
		registry: registry,
		metrics:  metrics.New(registry),
	}
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.RelayConfig {
	return c.config
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.logger
}

// GetRegistry returns the Prometheus registry every collector is registered with
func (c *Container) GetRegistry() *prometheus.Registry {
	return c.registry
}

// GetMongo returns the MongoDB client, connecting on first use
func (c *Container) GetMongo() (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mongo == nil {
		client, err := health.ConnectMongoWithTimeout(&c.config.Mongo, connectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		c.mongo = client
		c.cleanupFuncs = append(c.cleanupFuncs, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
	}

	return c.mongo, nil
}

// GetDatabase returns the PostgreSQL connection, or nil when DATABASE_URL is
// not configured.
func (c *Container) GetDatabase() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.Postgres.URL == "" {
		return nil, nil
	}
	if c.db == nil {
		db, err := health.ConnectPostgresWithTimeout(&c.config.Postgres, connectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.db = db
		c.cleanupFuncs = append(c.cleanupFuncs, db.Close)
	}

	return c.db, nil
}

// GetInflux returns the InfluxDB client, or nil when INFLUX_URL is not configured
func (c *Container) GetInflux() (influxdb2.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.Influx.URL == "" {
		return nil, nil
	}
	if c.influx == nil {
		client, err := health.ConnectInfluxWithTimeout(&c.config.Influx, connectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
		}
		c.influx = client
		c.cleanupFuncs = append(c.cleanupFuncs, func() error {
			client.Close()
			return nil
		})
	}

	return c.influx, nil
}

// Initialize connects the stores and wires the relay pipeline:
// transport -> router -> ingestor -> sinks, tracker and hub -> realtime.
func (c *Container) Initialize(ctx context.Context) error {
	sink, err := c.readingSink(ctx)
	if err != nil {
		return err
	}

	var devices interfaces.DeviceRepository
	db, err := c.GetDatabase()
	if err != nil {
		return err
	}
	if db != nil {
		repo := implementation.NewPostgresDeviceRepository(db)
		if c.config.Postgres.EnsureSchema {
			if err := repo.CreateTables(ctx); err != nil {
				return fmt.Errorf("failed to create tables: %w", err)
			}
		}
		devices = repo
	}

	c.tracker = liveness.NewTracker()
	c.hub = hub.New(c.config.Hub.OutboxSize, c.metrics, c.logger)

	ing := ingestor.New(ingestor.Config{
		EnforceRanges:   c.config.Pipeline.EnforceRanges,
		ValidateDevices: c.config.Pipeline.ValidateDevices,
	}, sink, devices, c.tracker, c.hub, c.metrics, c.logger)

	c.router = router.New(router.Config{
		Workers:       c.config.Pipeline.Workers,
		QueueSize:     c.config.Pipeline.QueueSize,
		HandleTimeout: c.config.Pipeline.HandleTimeout,
	}, ing, ing, c.metrics, c.logger)

	c.transport, err = c.newTransport()
	if err != nil {
		return err
	}

	c.auth = auth.NewService(c.config.Auth.JWTSecretKey, c.config.Auth.JWTIssuer)
	c.realtime = realtime.NewServer(realtime.Config{
		Path:           c.config.Hub.Path,
		AllowedOrigins: c.config.CORS.AllowedOrigins,
		WriteTimeout:   c.config.Hub.WriteTimeout,
		PingInterval:   c.config.Hub.PingInterval,
		PongTimeout:    c.config.Hub.PongTimeout,
		MaxMessageSize: c.config.Hub.MaxMessageSize,
		ControlTimeout: c.config.Hub.ControlTimeout,
	}, c.auth, c.hub, control.New(c.transport, c.metrics, c.logger), c.metrics, c.logger)

	if c.config.Liveness.SweepEnabled {
		c.sweeper = liveness.NewSweeper(c.tracker, devices, c.hub, c.config.Liveness.SweepInterval, c.config.Liveness.OfflineAfter, c.metrics, c.logger)
	}

	// db must stay a nil interface when Postgres is not configured
	var pg health.SQLPinger
	if db != nil {
		pg = db
	}
	c.health = health.NewHealthChecker(c.mongo, pg, c.transport, Version)

	c.logger.Info("Relay components initialized successfully")
	return nil
}

func (c *Container) readingSink(ctx context.Context) (interfaces.ReadingSink, error) {
	client, err := c.GetMongo()
	if err != nil {
		return nil, err
	}

	db := client.Database(c.config.Mongo.Database)
	coll := db.Collection(c.config.Mongo.Collection)
	if c.config.Mongo.EnsureSchema {
		coll, err = implementation.EnsureTimeSeriesCollection(ctx, db, c.config.Mongo.Collection)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare readings collection: %w", err)
		}
	}
	sinks := []implementation.NamedSink{implementation.NewMongoReadingSink(coll, c.config.Mongo.WriteTimeout)}

	influx, err := c.GetInflux()
	if err != nil {
		return nil, err
	}
	if influx != nil {
		sinks = append(sinks, implementation.NewInfluxReadingSink(influx, c.config.Influx.Org, c.config.Influx.Bucket))
		c.logger.Logger.Info().Str("bucket", c.config.Influx.Bucket).Msg("Mirroring readings to InfluxDB")
	}

	return implementation.NewMultiSink(c.metrics, sinks...), nil
}

func (c *Container) newTransport() (*transport.Client, error) {
	mq := c.config.MQTT
	opts := transport.Options{
		BrokerURL:      c.config.GetMQTTBrokerURL(),
		ClientID:       mq.ClientID,
		Username:       mq.BrokerUser,
		Password:       mq.BrokerPass,
		Namespace:      mq.Namespace,
		KeepAlive:      mq.KeepAlive,
		PingTimeout:    mq.PingTimeout,
		ConnectTimeout: mq.ConnectTimeout,
		PublishTimeout: mq.PublishTimeout,
		Backoff: transport.Backoff{
			Initial:    mq.ReconnectInitial,
			Max:        mq.ReconnectMax,
			Multiplier: mq.ReconnectMultiplier,
		},
		MaxAttempts: mq.MaxReconnectAttempts,
		OnStateChange: func(from, to transport.Machine) {
			c.metrics.TransportState(int(to.State))
			if to.Attempt > from.Attempt {
				c.metrics.ConnectFailure()
			}
		},
	}
	if mq.UseTLS {
		tlsConfig, err := transport.TLSConfig(mq.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load broker TLS config: %w", err)
		}
		opts.TLSConfig = tlsConfig
	}

	r := c.router
	return transport.NewClient(opts, func(m transport.Message) { r.Enqueue(m) }, c.logger), nil
}

// Start launches the router workers, connects to the broker and starts the
// liveness sweeper. ctx bounds the initial broker connection only.
func (c *Container) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.AddCleanupFunc(func() error {
		cancel()
		return nil
	})

	c.router.Start(runCtx)
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	if c.sweeper != nil {
		go c.sweeper.Run(runCtx)
	}
	return nil
}

// Fatal delivers an error once the broker connection is permanently lost
func (c *Container) Fatal() <-chan error {
	return c.transport.Fatal()
}

// RegisterRoutes registers the WebSocket, health and device routes
func (c *Container) RegisterRoutes(r gin.IRouter) {
	c.realtime.RegisterRoutes(r)
	controllers.NewHealthController(c.health, c.registry, c.logger).RegisterRoutes(r)
	controllers.NewDeviceController(c.tracker, c.logger, c.auth.RequireAuth()).RegisterRoutes(r)
}

// HealthCheck reports the status of every dependency
func (c *Container) HealthCheck(ctx context.Context) map[string]interface{} {
	status, _ := c.health.GetHealthStatus(ctx)
	return status
}

// Shutdown stops intake first, then drains the pipeline and closes sessions
// and connections.
func (c *Container) Shutdown(ctx context.Context) error {
	c.logger.Info("Shutting down container...")

	if c.transport != nil {
		c.transport.Disconnect()
	}
	if c.router != nil {
		c.router.Stop()
	}
	if c.realtime != nil {
		c.realtime.Shutdown()
	}
	if c.hub != nil {
		c.hub.Close()
	}

	c.mu.Lock()
	funcs := c.cleanupFuncs
	c.cleanupFuncs = nil
	c.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](); err != nil {
			c.logger.ErrorWithError(err, "Error during cleanup")
		}
	}

	c.logger.Info("Container shutdown complete")
	return nil
}

// AddCleanupFunc adds a cleanup function
func (c *Container) AddCleanupFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

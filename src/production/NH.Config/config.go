package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RelayConfig holds all configuration of the telemetry relay service
type RelayConfig struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// MQTT configuration
	MQTT MQTTConfig `json:"mqtt"`

	// Mongo time-series store configuration
	Mongo MongoConfig `json:"mongo"`

	// Postgres device registry configuration
	Postgres PostgresConfig `json:"postgres"`

	// InfluxDB mirror configuration
	Influx InfluxConfig `json:"influx"`

	// Auth configuration
	Auth AuthConfig `json:"auth"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// CORS configuration
	CORS CORSConfig `json:"cors"`

	// Pipeline configuration
	Pipeline PipelineConfig `json:"pipeline"`

	// Liveness configuration
	Liveness LivenessConfig `json:"liveness"`

	// Hub configuration
	Hub HubConfig `json:"hub"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port            string        `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// MQTTConfig holds MQTT-related configuration
type MQTTConfig struct {
	BrokerHost           string        `json:"broker_host"`
	BrokerPort           int           `json:"broker_port"`
	BrokerUser           string        `json:"broker_user"`
	BrokerPass           string        `json:"broker_pass"`
	UseTLS               bool          `json:"use_tls"`
	CACertPath           string        `json:"ca_cert_path"`
	ClientID             string        `json:"client_id"`
	Namespace            string        `json:"namespace"`
	KeepAlive            time.Duration `json:"keep_alive"`
	PingTimeout          time.Duration `json:"ping_timeout"`
	ConnectTimeout       time.Duration `json:"connect_timeout"`
	PublishTimeout       time.Duration `json:"publish_timeout"`
	ReconnectInitial     time.Duration `json:"reconnect_initial"`
	ReconnectMax         time.Duration `json:"reconnect_max"`
	ReconnectMultiplier  float64       `json:"reconnect_multiplier"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
}

// MongoConfig holds the time-series store configuration
type MongoConfig struct {
	URI          string        `json:"uri"`
	Database     string        `json:"database"`
	Collection   string        `json:"collection"`
	WriteTimeout time.Duration `json:"write_timeout"`
	EnsureSchema bool          `json:"ensure_schema"`
}

// PostgresConfig holds the device registry configuration. An empty URL disables it.
type PostgresConfig struct {
	URL          string `json:"url"`
	MaxConns     int    `json:"max_conns"`
	MinConns     int    `json:"min_conns"`
	EnsureSchema bool   `json:"ensure_schema"`
}

// InfluxConfig holds the optional InfluxDB mirror configuration. An empty URL disables it.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// AuthConfig holds authentication-related configuration
type AuthConfig struct {
	JWTSecretKey string `json:"jwt_secret_key"`
	JWTIssuer    string `json:"jwt_issuer"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"` // json or text
	Output       string `json:"output"` // stdout or stderr
	EnableCaller bool   `json:"enable_caller"`
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

// PipelineConfig holds ingestion pipeline configuration
type PipelineConfig struct {
	Workers         int           `json:"workers"`
	QueueSize       int           `json:"queue_size"` // per worker
	HandleTimeout   time.Duration `json:"handle_timeout"`
	EnforceRanges   bool          `json:"enforce_ranges"`
	ValidateDevices bool          `json:"validate_devices"`
}

// LivenessConfig holds the optional stale-device sweep configuration
type LivenessConfig struct {
	SweepEnabled  bool          `json:"sweep_enabled"`
	SweepInterval time.Duration `json:"sweep_interval"`
	OfflineAfter  time.Duration `json:"offline_after"`
}

// HubConfig holds real-time channel configuration
type HubConfig struct {
	Path           string        `json:"path"`
	OutboxSize     int           `json:"outbox_size"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	PingInterval   time.Duration `json:"ping_interval"`
	PongTimeout    time.Duration `json:"pong_timeout"`
	MaxMessageSize int64         `json:"max_message_size"`
	ControlTimeout time.Duration `json:"control_timeout"`
}

// LoadRelayConfig loads configuration for the telemetry relay service
func LoadRelayConfig() (*RelayConfig, error) {
	// .env is optional, variables may be set directly
	_ = godotenv.Load()

	config := &RelayConfig{
		Server: ServerConfig{
			Port:            getEnv("PORT", "3000"),
			ReadTimeout:     getDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDuration("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getDuration("IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		MQTT: MQTTConfig{
			BrokerHost:           getEnv("BROKER_HOST", "localhost"),
			BrokerPort:           getInt("BROKER_PORT", 1883),
			BrokerUser:           getEnv("BROKER_USER", ""),
			BrokerPass:           getEnv("BROKER_PASS", ""),
			UseTLS:               getBool("BROKER_TLS", false),
			CACertPath:           getEnv("BROKER_CA_FILE", ""),
			ClientID:             getEnv("MQTT_CLIENT_ID", "neurohome-backend"),
			Namespace:            getEnv("MQTT_NAMESPACE", "neurohome"),
			KeepAlive:            getDuration("MQTT_KEEP_ALIVE", 30*time.Second),
			PingTimeout:          getDuration("MQTT_PING_TIMEOUT", 10*time.Second),
			ConnectTimeout:       getDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
			PublishTimeout:       getDuration("MQTT_PUBLISH_TIMEOUT", 5*time.Second),
			ReconnectInitial:     getDuration("MQTT_RECONNECT_INITIAL", 1*time.Second),
			ReconnectMax:         getDuration("MQTT_RECONNECT_MAX", 30*time.Second),
			ReconnectMultiplier:  getFloat("MQTT_RECONNECT_MULTIPLIER", 2),
			MaxReconnectAttempts: getInt("MQTT_MAX_RECONNECT_ATTEMPTS", 10),
		},
		Mongo: MongoConfig{
			URI:          getEnv("MONGODB_URL", ""),
			Database:     getEnv("MONGODB_DB_NAME", "neurohome_dev"),
			Collection:   getEnv("MONGODB_COLLECTION", "sensordata"),
			WriteTimeout: getDuration("MONGODB_WRITE_TIMEOUT", 3*time.Second),
			EnsureSchema: getBool("MONGODB_ENSURE_SCHEMA", true),
		},
		Postgres: PostgresConfig{
			URL:          getEnv("DATABASE_URL", ""),
			MaxConns:     getInt("POSTGRES_MAX_CONNS", 5),
			MinConns:     getInt("POSTGRES_MIN_CONNS", 1),
			EnsureSchema: getBool("POSTGRES_ENSURE_SCHEMA", false),
		},
		Influx: InfluxConfig{
			URL:    getEnv("INFLUX_URL", ""),
			Token:  getEnv("INFLUX_TOKEN", ""),
			Org:    getEnv("INFLUX_ORG", ""),
			Bucket: getEnv("INFLUX_BUCKET", "sensor_data"),
		},
		Auth: AuthConfig{
			JWTSecretKey: getEnv("JWT_SECRET", ""),
			JWTIssuer:    getEnv("JWT_ISSUER", ""),
		},
		Logging: LoggingConfig{
			Level:        getEnv("LOG_LEVEL", "info"),
			Format:       getEnv("LOG_FORMAT", "text"),
			Output:       getEnv("LOG_OUTPUT", "stdout"),
			EnableCaller: getBool("LOG_ENABLE_CALLER", false),
		},
		CORS: CORSConfig{
			AllowedOrigins:   getStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:19006"}),
			AllowedMethods:   getStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST"}),
			AllowedHeaders:   getStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "Authorization"}),
			AllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
			MaxAge:           getInt("CORS_MAX_AGE", 43200), // 12 hours
		},
		Pipeline: PipelineConfig{
			Workers:         getInt("PIPELINE_WORKERS", 4),
			QueueSize:       getInt("PIPELINE_QUEUE_SIZE", 1024),
			HandleTimeout:   getDuration("PIPELINE_HANDLE_TIMEOUT", 10*time.Second),
			EnforceRanges:   getBool("SENSOR_ENFORCE_RANGES", false),
			ValidateDevices: getBool("VALIDATE_DEVICES", false),
		},
		Liveness: LivenessConfig{
			SweepEnabled:  getBool("LIVENESS_SWEEP_ENABLED", false),
			SweepInterval: getDuration("LIVENESS_SWEEP_INTERVAL", time.Minute),
			OfflineAfter:  getDuration("LIVENESS_OFFLINE_AFTER", 5*time.Minute),
		},
		Hub: HubConfig{
			Path:           getEnv("WS_PATH", "/ws"),
			OutboxSize:     getInt("WS_OUTBOX_SIZE", 256),
			WriteTimeout:   getDuration("WS_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:   getDuration("WS_PING_INTERVAL", 25*time.Second),
			PongTimeout:    getDuration("WS_PONG_TIMEOUT", 60*time.Second),
			MaxMessageSize: int64(getInt("WS_MAX_MESSAGE_SIZE", 64*1024)),
			ControlTimeout: getDuration("WS_CONTROL_TIMEOUT", 5*time.Second),
		},
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *RelayConfig) Validate() error {
	var errs []error
	if c.Auth.JWTSecretKey == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("MONGODB_URL is required"))
	}
	if c.MQTT.Namespace == "" || strings.ContainsAny(c.MQTT.Namespace, "/+#") {
		errs = append(errs, fmt.Errorf("MQTT_NAMESPACE %q must be a single topic segment", c.MQTT.Namespace))
	}
	if c.MQTT.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("MQTT_MAX_RECONNECT_ATTEMPTS must be at least 1"))
	}
	if c.MQTT.ReconnectInitial <= 0 || c.MQTT.ReconnectMax < c.MQTT.ReconnectInitial {
		errs = append(errs, errors.New("MQTT reconnect backoff must satisfy 0 < initial <= max"))
	}
	if c.MQTT.ReconnectMultiplier < 1 {
		errs = append(errs, errors.New("MQTT_RECONNECT_MULTIPLIER must be >= 1"))
	}
	if c.Pipeline.Workers < 1 || c.Pipeline.QueueSize < 1 {
		errs = append(errs, errors.New("PIPELINE_WORKERS and PIPELINE_QUEUE_SIZE must be positive"))
	}
	if c.Pipeline.ValidateDevices && c.Postgres.URL == "" {
		errs = append(errs, errors.New("VALIDATE_DEVICES requires DATABASE_URL"))
	}
	if c.Liveness.SweepEnabled && (c.Liveness.SweepInterval <= 0 || c.Liveness.OfflineAfter <= 0) {
		errs = append(errs, errors.New("liveness sweep interval and threshold must be positive"))
	}
	if c.Hub.OutboxSize < 1 {
		errs = append(errs, errors.New("WS_OUTBOX_SIZE must be positive"))
	}
	if c.Influx.URL != "" && c.Influx.Org == "" {
		errs = append(errs, errors.New("INFLUX_ORG is required when INFLUX_URL is set"))
	}
	return errors.Join(errs...)
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *RelayConfig) GetMQTTBrokerURL() string {
	scheme := "tcp"
	if c.MQTT.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MQTT.BrokerHost, c.MQTT.BrokerPort)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return intValue
}

func getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return f
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if value == "1" || value == "true" || value == "TRUE" {
		return true
	}
	if value == "0" || value == "false" || value == "FALSE" {
		return false
	}
	log.Fatalf("invalid %s: %q (expected true/false or 1/0)", key, value)
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return duration
}

func getStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

package health

import (
	"context"
	"fmt"
	"time"

	transport "gitlab.com/neurohome/nh.telemetry_relay/src/production/NH.Transport"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusDisabled = "disabled"
	StatusDegraded = "degraded"
)

// MongoPinger is satisfied by *mongo.Client
type MongoPinger interface {
	Ping(ctx context.Context, rp *readpref.ReadPref) error
}

// SQLPinger is satisfied by *sql.DB
type SQLPinger interface {
	PingContext(ctx context.Context) error
}

// BrokerState is satisfied by *transport.Client
type BrokerState interface {
	State() transport.State
}

// HealthChecker reports on the relay's dependencies. Any of them may be nil,
// in which case the check is reported as disabled.
type HealthChecker struct {
	mongo    MongoPinger
	postgres SQLPinger
	broker   BrokerState
	version  string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(mongo MongoPinger, postgres SQLPinger, broker BrokerState, version string) *HealthChecker {
	return &HealthChecker{mongo: mongo, postgres: postgres, broker: broker, version: version}
}

// PingMongo checks if the MongoDB primary is reachable
func (h *HealthChecker) PingMongo(ctx context.Context) error {
	if h.mongo == nil {
		return fmt.Errorf("mongo client is nil")
	}
	return h.mongo.Ping(ctx, readpref.Primary())
}

// PingPostgres checks if the PostgreSQL connection is healthy
func (h *HealthChecker) PingPostgres(ctx context.Context) error {
	if h.postgres == nil {
		return fmt.Errorf("database connection is nil")
	}
	return h.postgres.PingContext(ctx)
}

// CheckBroker fails unless the MQTT client is connected
func (h *HealthChecker) CheckBroker() error {
	if h.broker == nil {
		return fmt.Errorf("mqtt client is nil")
	}
	if s := h.broker.State(); s != transport.StateConnected {
		return fmt.Errorf("mqtt client is %s", s)
	}
	return nil
}

// GetHealthStatus returns the current health status and whether the relay
// is ready to serve.
func (h *HealthChecker) GetHealthStatus(ctx context.Context) (map[string]interface{}, bool) {
	checks := make(map[string]interface{})
	ready := true

	record := func(name string, enabled bool, check func() error) {
		if !enabled {
			checks[name] = map[string]interface{}{"status": StatusDisabled}
			return
		}
		if err := check(); err != nil {
			ready = false
			checks[name] = map[string]interface{}{"status": StatusError, "error": err.Error()}
			return
		}
		checks[name] = map[string]interface{}{"status": StatusOK}
	}

	record("mongo", h.mongo != nil, func() error { return h.PingMongo(ctx) })
	record("postgres", h.postgres != nil, func() error { return h.PingPostgres(ctx) })
	record("mqtt", true, h.CheckBroker)

	overall := StatusOK
	if !ready {
		overall = StatusDegraded
	}
	return map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"status":    overall,
		"checks":    checks,
	}, ready
}

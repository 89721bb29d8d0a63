package observability

import (
	"context"
	"fmt"
)

// SchemaReader is satisfied by the bbolt store.
type SchemaReader interface {
	GetSchemaVersion() (uint64, error)
}

// DatabaseHealthChecker verifies the database answers a read transaction.
type DatabaseHealthChecker struct {
	name string
	db   SchemaReader
}

// NewDatabaseHealthChecker creates a new database health checker
func NewDatabaseHealthChecker(name string, db SchemaReader) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{name: name, db: db}
}

func (c *DatabaseHealthChecker) Name() string { return c.name }

func (c *DatabaseHealthChecker) HealthCheck(_ context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database is nil")
	}
	v, err := c.db.GetSchemaVersion()
	if err != nil {
		return err
	}
	if v == 0 {
		return fmt.Errorf("database schema is not initialized")
	}
	return nil
}

func (c *DatabaseHealthChecker) ReadinessCheck(ctx context.Context) error {
	return c.HealthCheck(ctx)
}

// StateCounter summarizes backend connection states.
type StateCounter interface {
	CountByState() map[string]int
}

// BackendsReadinessChecker is ready once no enabled backend is still in
// its first connection attempt. Failed backends do not block readiness;
// they are per-installation problems reported by the doctor.
type BackendsReadinessChecker struct {
	name     string
	counter  StateCounter
	starting []string
}

// NewBackendsReadinessChecker treats the given states as "still starting".
func NewBackendsReadinessChecker(name string, counter StateCounter, starting ...string) *BackendsReadinessChecker {
	return &BackendsReadinessChecker{name: name, counter: counter, starting: starting}
}

func (c *BackendsReadinessChecker) Name() string { return c.name }

func (c *BackendsReadinessChecker) ReadinessCheck(_ context.Context) error {
	counts := c.counter.CountByState()
	pending := 0
	for _, s := range c.starting {
		pending += counts[s]
	}
	if pending > 0 {
		return fmt.Errorf("%d backend(s) still connecting", pending)
	}
	return nil
}

// ComponentHealthChecker adapts a liveness func.
type ComponentHealthChecker struct {
	name      string
	isHealthy func() bool
}

// NewComponentHealthChecker creates a new component health checker
func NewComponentHealthChecker(name string, isHealthy func() bool) *ComponentHealthChecker {
	return &ComponentHealthChecker{name: name, isHealthy: isHealthy}
}

func (c *ComponentHealthChecker) Name() string { return c.name }

func (c *ComponentHealthChecker) HealthCheck(_ context.Context) error {
	if !c.isHealthy() {
		return fmt.Errorf("%s is not running", c.name)
	}
	return nil
}

var (
	_ HealthChecker    = (*DatabaseHealthChecker)(nil)
	_ ReadinessChecker = (*DatabaseHealthChecker)(nil)
	_ ReadinessChecker = (*BackendsReadinessChecker)(nil)
	_ HealthChecker    = (*ComponentHealthChecker)(nil)
)

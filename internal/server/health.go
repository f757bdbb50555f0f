package server

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker reports whether a backing store is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

// Ping calls f.
func (f CheckerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Checks is a named set of readiness checks shared by /readyz and the gRPC
// health service.
type Checks map[string]Checker

// Run pings every check concurrently and returns the failures by name.
func (c Checks) Run(ctx context.Context) map[string]error {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures = make(map[string]error)
	)
	for name, check := range c {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := check.Ping(ctx); err != nil {
				mu.Lock()
				failures[name] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failures
}

// Names returns the check names in sorted order.
func (c Checks) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthMonitor keeps a gRPC health server in sync with the readiness checks.
// The overall service ("") and each check name are reported separately.
type HealthMonitor struct {
	checks   Checks
	health   *health.Server
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHealthMonitor creates a monitor updating hs every interval.
func NewHealthMonitor(hs *health.Server, checks Checks, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthMonitor{
		checks:   checks,
		health:   hs,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger,
	}
}

// Update runs the checks once and publishes the result.
func (m *HealthMonitor) Update(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	failures := m.checks.Run(ctx)
	for _, name := range m.checks.Names() {
		st := healthpb.HealthCheckResponse_SERVING
		if err, failed := failures[name]; failed {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			m.logger.Warn("readiness check failed", "check", name, "error", err)
		}
		m.health.SetServingStatus(name, st)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if len(failures) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.health.SetServingStatus("", overall)
}

// Run updates the health server until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Update(ctx)
	for {
		select {
		case <-ctx.Done():
			m.health.Shutdown()
			return
		case <-ticker.C:
			m.Update(ctx)
		}
	}
}

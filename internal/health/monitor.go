// Package health runs periodic liveness checks against every server in a
// storages.Registry, independent of (and deeper than) the connection
// pool's own idle-ping maintenance: it borrows a real connection and
// runs a trivial query through the full driver stack.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/metrics"
	"github.com/nvstorage/nvstorage/internal/storages"
)

// Status is the last-known health outcome for one server.
type Status struct {
	Healthy             bool
	ConsecutiveFailures int
	LastChecked         time.Time
	LastError           error
}

// Monitor periodically checks every server known to a registry, using a
// bounded worker pool so a burst of slow/unreachable backends can't stall
// the whole sweep.
type Monitor struct {
	registry  *storages.Registry
	collector *metrics.Collector
	logger    *slog.Logger

	interval         time.Duration
	checkTimeout     time.Duration
	failureThreshold int
	maxWorkers       int

	mu       sync.RWMutex
	statuses map[string]Status

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor. registry and collector must not be nil;
// logger may be nil (slog.Default() is used).
func New(registry *storages.Registry, collector *metrics.Collector, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:         registry,
		collector:        collector,
		logger:           logger,
		interval:         30 * time.Second,
		checkTimeout:     5 * time.Second,
		failureThreshold: 3,
		maxWorkers:       8,
		statuses:         make(map[string]Status),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start begins the periodic check loop on a background goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop signals the loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkAll()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

// checkAll runs one sweep across every registered server, bounded to
// m.maxWorkers concurrent checks via a semaphore, mirroring the worker-
// pool shape used elsewhere in this codebase for bounded fan-out.
func (m *Monitor) checkAll() {
	start := time.Now()
	names := m.registry.List()

	sem := make(chan struct{}, m.maxWorkers)
	var wg sync.WaitGroup
	for _, name := range names {
		server, ok := m.registry.Resolve(name)
		if !ok {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(name string, server *storages.StorageServer) {
			defer wg.Done()
			defer func() { <-sem }()
			m.pingServer(name, server)
		}(name, server)
	}
	wg.Wait()

	if m.collector != nil {
		m.collector.HealthCheckDuration.WithLabelValues("all").Observe(time.Since(start).Seconds())
	}
}

func (m *Monitor) pingServer(name string, server *storages.StorageServer) {
	ctx, cancel := context.WithTimeout(context.Background(), m.checkTimeout)
	defer cancel()

	tx, err := server.Begin(ctx, config.TransactionModeNonTransaction)
	var checkErr error
	if err != nil {
		checkErr = err
	} else {
		_, checkErr = tx.ExecuteNonPrepared(ctx, "SELECT 1")
		tx.Close()
	}

	m.updateStatus(name, checkErr)
}

func (m *Monitor) updateStatus(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.statuses[name]
	next := Status{LastChecked: time.Now()}

	if err == nil {
		next.Healthy = true
		next.ConsecutiveFailures = 0
	} else {
		next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		next.LastError = err
		// Stay healthy until failureThreshold consecutive failures accrue,
		// so one transient blip doesn't flip the status.
		next.Healthy = next.ConsecutiveFailures < m.failureThreshold
		if m.collector != nil {
			m.collector.HealthCheckErrors.WithLabelValues(name).Inc()
		}
		m.logger.Warn("health check failed", "server", name, "consecutive_failures", next.ConsecutiveFailures, "error", err)
	}

	m.statuses[name] = next
}

// GetStatus returns the last-known Status for name.
func (m *Monitor) GetStatus(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// GetAllStatuses returns a snapshot of every server's last-known Status.
func (m *Monitor) GetAllStatuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// OverallHealthy reports whether every known server is currently
// healthy. A server with no recorded status yet counts as healthy
// (it hasn't failed a check; it just hasn't been checked).
func (m *Monitor) OverallHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// RemoveServer drops name's recorded status, e.g. after it's removed
// from the registry.
func (m *Monitor) RemoveServer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

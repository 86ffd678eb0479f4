// Package metrics exposes nvstorage's runtime counters through a
// dedicated prometheus.Registry, independent of the default global one,
// so an embedding process can mount it wherever it likes (or not at
// all).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector wraps a private prometheus.Registry with the vectors
// nvstorage's pool, executor and transaction layers report against,
// labeled by server name and storage type.
type Collector struct {
	registry *prometheus.Registry

	ConnectionsTotal    *prometheus.GaugeVec
	ConnectionsFree     *prometheus.GaugeVec
	ConnectionsAcquired *prometheus.GaugeVec
	AcquireDuration     *prometheus.HistogramVec
	AcquireTimeouts     *prometheus.CounterVec

	PreparedStatementCacheSize *prometheus.GaugeVec
	PreparedStatementHits      *prometheus.CounterVec
	PreparedStatementMisses    *prometheus.CounterVec

	TransactionsTotal    *prometheus.CounterVec
	TransactionDuration  *prometheus.HistogramVec
	TransactionRollbacks *prometheus.CounterVec

	ExecutorTaskLag    *prometheus.HistogramVec
	ExecutorTaskPanics *prometheus.CounterVec

	ConnectionResets    *prometheus.CounterVec
	ConnectionDiscards  *prometheus.CounterVec
	HealthCheckDuration *prometheus.HistogramVec
	HealthCheckErrors   *prometheus.CounterVec
}

// New constructs a Collector and registers every vector with its own
// private registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		ConnectionsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nvstorage", Name: "connections_total", Help: "Total connections currently tracked by a pool.",
		}, []string{"server", "storage_type"}),
		ConnectionsFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nvstorage", Name: "connections_free", Help: "Idle connections available for Acquire.",
		}, []string{"server", "storage_type"}),
		ConnectionsAcquired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nvstorage", Name: "connections_acquired", Help: "Connections currently checked out by a caller.",
		}, []string{"server", "storage_type"}),
		AcquireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nvstorage", Name: "acquire_duration_seconds", Help: "Time spent in ConnectionPool.Acquire.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server", "storage_type"}),
		AcquireTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvstorage", Name: "acquire_timeouts_total", Help: "Acquire calls that gave up waiting for a connection.",
		}, []string{"server", "storage_type"}),

		PreparedStatementCacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nvstorage", Name: "prepared_statement_cache_size", Help: "Distinct statements cached on a connection.",
		}, []string{"server", "storage_type"}),
		PreparedStatementHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvstorage", Name: "prepared_statement_cache_hits_total", Help: "Execute calls that reused an already-registered statement.",
		}, []string{"server", "storage_type"}),
		PreparedStatementMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvstorage", Name: "prepared_statement_cache_misses_total", Help: "Execute calls that required a new server-side prepare.",
		}, []string{"server", "storage_type"}),

		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvstorage", Name: "transactions_total", Help: "Transactions finished by Commit or Rollback, labeled by mode.",
		}, []string{"server", "storage_type", "mode"}),
		TransactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nvstorage", Name: "transaction_duration_seconds", Help: "Wall time from Begin to Commit/Rollback.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server", "storage_type", "mode"}),
		TransactionRollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvstorage", Name: "transaction_rollbacks_total", Help: "Transactions that ended in Rollback (explicit or via Close).",
		}, []string{"server", "storage_type"}),

		ExecutorTaskLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nvstorage", Name: "executor_task_lag_seconds", Help: "Delay between a task's due time and its actual run time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),
		ExecutorTaskPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvstorage", Name: "executor_task_panics_total", Help: "Recovered panics from event loop tasks.",
		}, []string{"server"}),

		ConnectionResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvstorage", Name: "connection_resets_total", Help: "Connections successfully reset before return to the pool.",
		}, []string{"server", "storage_type"}),
		ConnectionDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvstorage", Name: "connection_discards_total", Help: "Connections closed instead of recycled (failed reset or ping, or idle standby cleanup).",
		}, []string{"server", "storage_type"}),
		HealthCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nvstorage", Name: "health_check_duration_seconds", Help: "Time spent running one health check pass.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),
		HealthCheckErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvstorage", Name: "health_check_errors_total", Help: "Health check passes that found a server unhealthy.",
		}, []string{"server"}),
	}

	reg.MustRegister(
		c.ConnectionsTotal, c.ConnectionsFree, c.ConnectionsAcquired,
		c.AcquireDuration, c.AcquireTimeouts,
		c.PreparedStatementCacheSize, c.PreparedStatementHits, c.PreparedStatementMisses,
		c.TransactionsTotal, c.TransactionDuration, c.TransactionRollbacks,
		c.ExecutorTaskLag, c.ExecutorTaskPanics,
		c.ConnectionResets, c.ConnectionDiscards,
		c.HealthCheckDuration, c.HealthCheckErrors,
	)

	return c
}

// Registry exposes the underlying prometheus.Registry so an HTTP surface
// can mount promhttp.HandlerFor against it.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveAcquire records one Acquire call's latency.
func (c *Collector) ObserveAcquire(server, storageType string, d time.Duration) {
	c.AcquireDuration.WithLabelValues(server, storageType).Observe(d.Seconds())
}

// RemoveServer deletes every metric series labeled for server, called
// when a Registry entry is removed so its series don't linger forever.
func (c *Collector) RemoveServer(server string) {
	match := prometheus.Labels{"server": server}
	for _, v := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{
		c.ConnectionsTotal, c.ConnectionsFree, c.ConnectionsAcquired,
	} {
		v.DeletePartialMatch(match)
	}
	c.AcquireDuration.DeletePartialMatch(match)
	c.AcquireTimeouts.DeletePartialMatch(match)
	c.PreparedStatementCacheSize.DeletePartialMatch(match)
	c.PreparedStatementHits.DeletePartialMatch(match)
	c.PreparedStatementMisses.DeletePartialMatch(match)
	c.TransactionsTotal.DeletePartialMatch(match)
	c.TransactionDuration.DeletePartialMatch(match)
	c.TransactionRollbacks.DeletePartialMatch(match)
	c.ExecutorTaskLag.DeletePartialMatch(match)
	c.ExecutorTaskPanics.DeletePartialMatch(match)
	c.ConnectionResets.DeletePartialMatch(match)
	c.ConnectionDiscards.DeletePartialMatch(match)
	c.HealthCheckDuration.DeletePartialMatch(match)
	c.HealthCheckErrors.DeletePartialMatch(match)
}

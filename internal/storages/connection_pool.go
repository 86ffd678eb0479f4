package storages

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/driver"
	"github.com/nvstorage/nvstorage/internal/metrics"
	"github.com/nvstorage/nvstorage/internal/threads"
)

// ConnectionPool owns every Connection dialed for one StorageConfig: a
// canonical storage map keyed by hash key, a free queue of idle
// connections, and an acquired set. One mutex and condition variable
// covers all three, exactly as in the C++ reference's
// absl::Mutex/absl::CondVar pool.
//
// Go's map[key]*Connection is already node-stable — rehashing relocates
// pointer values, never the pointees a map entry refers to — so a single
// map[uint64]*Connection plays the role the reference's
// absl::node_hash_map plays, with no extra indirection needed.
type ConnectionPool struct {
	logger *slog.Logger

	name        string
	storageType config.StorageType
	endpoints   config.ClusterEndpointList
	cfg         config.ConnectionPoolConfig
	metrics     *metrics.Collector

	mu       sync.Mutex
	cond     *sync.Cond
	storages map[uint64]*Connection // canonical ownership, by hash key
	free     []*Connection
	acquired map[uint64]*Connection
	closed   bool
	dialIdx  int

	executor *threads.EventLoopExecutor
}

// NewConnectionPool constructs a pool for storageType against endpoints,
// applying cfg's defaults, and starts its maintenance event loop (idle
// ping and cleanup tasks). It does not dial any connections yet; call
// WarmUp to eagerly establish the configured minimum. name labels the
// pool's metrics series; collector may be nil, in which case the pool
// runs without reporting any.
func NewConnectionPool(storageType config.StorageType, endpoints config.ClusterEndpointList, cfg config.ConnectionPoolConfig, name string, collector *metrics.Collector, logger *slog.Logger) *ConnectionPool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.ApplyDefaults()

	p := &ConnectionPool{
		logger:      logger,
		name:        name,
		storageType: storageType,
		endpoints:   endpoints,
		cfg:         cfg,
		metrics:     collector,
		storages:    make(map[uint64]*Connection),
		acquired:    make(map[uint64]*Connection),
		executor:    threads.NewEventLoopExecutor(collector, name, logger),
	}
	p.cond = sync.NewCond(&p.mu)

	p.executor.RunAtInterval(cfg.PingServerInterval, p.pingIdleConnections)
	p.executor.RunAtInterval(cfg.CleanupInterval, p.cleanupIdleConnections)

	return p
}

// reportGaugesLocked refreshes the pool's occupancy gauges. Must be
// called with p.mu held.
func (p *ConnectionPool) reportGaugesLocked() {
	if p.metrics == nil {
		return
	}
	st := p.storageType.String()
	p.metrics.ConnectionsTotal.WithLabelValues(p.name, st).Set(float64(len(p.storages)))
	p.metrics.ConnectionsFree.WithLabelValues(p.name, st).Set(float64(len(p.free)))
	p.metrics.ConnectionsAcquired.WithLabelValues(p.name, st).Set(float64(len(p.acquired)))
}

// WarmUp dials MinConnections connections up front so Acquire's first
// callers don't pay a cold-dial cost.
func (p *ConnectionPool) WarmUp(ctx context.Context) error {
	for i := 0; i < p.cfg.MinConnections; i++ {
		conn, err := p.dial(ctx)
		if err != nil {
			return err
		}
		conn.setStandbyMode(config.StandbyModePrimary)
		p.mu.Lock()
		p.storages[conn.HashKey()] = conn
		p.free = append(p.free, conn)
		p.reportGaugesLocked()
		p.mu.Unlock()
	}
	return nil
}

// dial constructs, opens, and returns a brand-new Connection; it is not
// inserted into any pool bookkeeping map by this method.
func (p *ConnectionPool) dial(ctx context.Context) (*Connection, error) {
	if p.endpoints.Len() == 0 {
		return nil, NewError(p.storageType, ErrInvalidArgument, "no cluster endpoints configured", nil)
	}
	p.mu.Lock()
	endpoint := p.endpoints.At(p.dialIdx)
	p.dialIdx++
	p.mu.Unlock()

	session, ok := driver.New(p.storageType)
	if !ok {
		return nil, NewError(p.storageType, ErrInvalidArgument, "no driver registered for storage type", nil)
	}

	conn := newConnection(session, endpoint, p.storageType)
	conn.setMetrics(p.metrics, p.name)
	if err := conn.open(ctx, p.cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	return conn, nil
}

// Acquire hands out the next idle connection from the pool's fixed set
// of MinConnections primaries (dialed by WarmUp), blocking on the pool's
// condition variable until one is returned or ctx's deadline (bounded
// additionally by MaxWaitingForConnection) elapses. Acquire never dials:
// the pool does not grow past the connections WarmUp established, and
// MaxConnections is only checked when the config is validated.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Connection, error) {
	start := time.Now()
	deadline := start.Add(p.cfg.MaxWaitingForConnection)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, NewError(p.storageType, ErrClosed, "pool is closed", nil)
		}

		if len(p.free) > 0 {
			conn := p.free[0]
			p.free = p.free[1:]
			p.acquired[conn.HashKey()] = conn
			p.reportGaugesLocked()
			p.mu.Unlock()
			conn.markAcquired()
			if p.metrics != nil {
				p.metrics.ObserveAcquire(p.name, p.storageType.String(), time.Since(start))
			}
			return conn, nil
		}

		if !p.waitUntil(deadline) {
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.AcquireTimeouts.WithLabelValues(p.name, p.storageType.String()).Inc()
			}
			return nil, NewError(p.storageType, ErrConnectionExhausted, "timed out waiting for a connection", nil)
		}
	}
}

// waitUntil blocks on p.cond until either it is signalled or deadline
// passes, returning false on timeout. Must be called with p.mu held and
// returns with it held.
func (p *ConnectionPool) waitUntil(deadline time.Time) bool {
	if !time.Now().Before(deadline) {
		return false
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	timer.Stop()
	return time.Now().Before(deadline)
}

// Return hands conn back to the pool's free queue. If reset fails the
// connection is closed and dropped instead of being recycled.
func (p *ConnectionPool) Return(ctx context.Context, conn *Connection) {
	if err := conn.Reset(ctx); err != nil {
		p.logger.Warn("connection reset failed, dropping from pool", "error", err)
		p.discard(conn)
		return
	}
	if p.metrics != nil {
		p.metrics.ConnectionResets.WithLabelValues(p.name, p.storageType.String()).Inc()
	}

	conn.markReturned()
	p.mu.Lock()
	delete(p.acquired, conn.HashKey())
	if p.closed {
		p.reportGaugesLocked()
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.free = append(p.free, conn)
	p.reportGaugesLocked()
	p.mu.Unlock()
	p.cond.Signal()
}

// discard removes conn from all pool bookkeeping and closes it, without
// returning it to the free queue. Used when a connection is found to be
// unhealthy.
func (p *ConnectionPool) discard(conn *Connection) {
	p.mu.Lock()
	delete(p.acquired, conn.HashKey())
	delete(p.storages, conn.HashKey())
	p.reportGaugesLocked()
	p.mu.Unlock()
	conn.Close()
	p.cond.Signal()
	if p.metrics != nil {
		p.metrics.ConnectionDiscards.WithLabelValues(p.name, p.storageType.String()).Inc()
	}
}

// pingIdleConnections is run periodically by the pool's event loop to
// detect dead idle connections before a caller's Acquire would hit them.
func (p *ConnectionPool) pingIdleConnections() {
	p.mu.Lock()
	candidates := make([]*Connection, len(p.free))
	copy(candidates, p.free)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()

	for _, conn := range candidates {
		if err := conn.Ping(ctx); err != nil {
			p.logger.Warn("idle connection failed ping, discarding", "error", err)
			p.removeFromFree(conn)
			p.discard(conn)
		}
	}
}

// cleanupIdleConnections is run periodically to close standby
// connections that have been idle longer than ConnectionIdleTimeout,
// shrinking the pool back toward MinConnections.
func (p *ConnectionPool) cleanupIdleConnections() {
	p.mu.Lock()
	var victims []*Connection
	for _, conn := range p.free {
		if conn.StandbyMode() == config.StandbyModeStandby && conn.IsIdle(p.cfg.ConnectionIdleTimeout) {
			victims = append(victims, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range victims {
		p.removeFromFree(conn)
		p.discard(conn)
	}
}

func (p *ConnectionPool) removeFromFree(target *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, conn := range p.free {
		if conn.HashKey() == target.HashKey() {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

// Stats reports a point-in-time snapshot of the pool's size.
type Stats struct {
	Total    int
	Free     int
	Acquired int
}

// Stats returns the pool's current size breakdown.
func (p *ConnectionPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:    len(p.storages),
		Free:     len(p.free),
		Acquired: len(p.acquired),
	}
}

// Drain closes every idle connection without waiting for acquired ones
// to be returned. Used during graceful shutdown.
func (p *ConnectionPool) Drain() {
	p.mu.Lock()
	victims := p.free
	p.free = nil
	for _, conn := range victims {
		delete(p.storages, conn.HashKey())
	}
	p.reportGaugesLocked()
	p.mu.Unlock()

	for _, conn := range victims {
		conn.Close()
	}
}

// Close stops the pool's maintenance loop and closes every connection,
// free or acquired.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := make([]*Connection, 0, len(p.storages))
	for _, conn := range p.storages {
		all = append(all, conn)
	}
	p.storages = make(map[uint64]*Connection)
	p.free = nil
	p.acquired = make(map[uint64]*Connection)
	p.reportGaugesLocked()
	p.mu.Unlock()

	p.cond.Broadcast()
	p.executor.Stop()

	for _, conn := range all {
		conn.Close()
	}
	return nil
}

package storages

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/driver"
	"github.com/nvstorage/nvstorage/internal/metrics"
)

// ConnState is the lifecycle state of a pooled Connection.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateOpen
	ConnStateAcquired
	ConnStateReturned
	ConnStateClosed
	ConnStateReleased
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateOpen:
		return "open"
	case ConnStateAcquired:
		return "acquired"
	case ConnStateReturned:
		return "returned"
	case ConnStateClosed:
		return "closed"
	case ConnStateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Connection wraps one driver.Session with pool bookkeeping: a stable
// hash key (its identity within the pool's maps), lifecycle state,
// standby classification, and its own prepared-statement cache.
type Connection struct {
	mu sync.Mutex

	hashKey  uint64
	session  driver.Session
	endpoint config.ClusterEndpoint
	storage  config.StorageType

	state   ConnState
	standby config.ConnectionStandbyMode

	createdAt time.Time
	lastUsed  time.Time

	prepared *PreparedStatementCache

	metrics    *metrics.Collector
	serverName string
}

// newConnection constructs an unopened Connection with a freshly
// generated hash key.
func newConnection(session driver.Session, endpoint config.ClusterEndpoint, storage config.StorageType) *Connection {
	return &Connection{
		hashKey:   generateHashKey(),
		session:   session,
		endpoint:  endpoint,
		storage:   storage,
		state:     ConnStateNew,
		createdAt: time.Now(),
		prepared:  NewPreparedStatementCache(),
	}
}

// generateHashKey produces a random 64-bit identity for a Connection.
// Go's map[key]*T is already node-stable (rehashing relocates pointer
// values, never the pointees), so unlike the C++ reference's
// node_hash_map there is no structural requirement driving this value;
// it exists purely as a stable, comparable identity for pool bookkeeping
// and metrics labels.
func generateHashKey() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// HashKey returns this connection's stable pool identity.
func (c *Connection) HashKey() uint64 {
	return c.hashKey
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StandbyMode returns whether this connection counts toward the pool's
// configured minimum (Primary) or is surplus capacity (Standby).
func (c *Connection) StandbyMode() config.ConnectionStandbyMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.standby
}

func (c *Connection) setStandbyMode(m config.ConnectionStandbyMode) {
	c.mu.Lock()
	c.standby = m
	c.mu.Unlock()
}

// setMetrics wires collector into the connection so EnsurePrepared
// reports prepared-statement cache hits/misses/size under name. Called
// once by the owning pool's dial, before the connection is opened.
func (c *Connection) setMetrics(collector *metrics.Collector, name string) {
	c.metrics = collector
	c.serverName = name
}

// open dials and authenticates the underlying session.
func (c *Connection) open(ctx context.Context, timeout time.Duration) error {
	if err := c.session.Open(ctx, c.endpoint, timeout); err != nil {
		return NewError(c.storage, ErrConnectionFailed, "open connection", err)
	}
	c.mu.Lock()
	c.state = ConnStateOpen
	c.mu.Unlock()
	return nil
}

// markAcquired transitions the connection to Acquired and stamps
// lastUsed. Called by the pool while holding its own lock.
func (c *Connection) markAcquired() {
	c.mu.Lock()
	c.state = ConnStateAcquired
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// markReturned transitions the connection back to Returned/idle.
func (c *Connection) markReturned() {
	c.mu.Lock()
	c.state = ConnStateReturned
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// IsIdle reports whether the connection has been idle (in the Returned
// state) for longer than timeout.
func (c *Connection) IsIdle(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnStateReturned && time.Since(c.lastUsed) >= timeout
}

// Ping performs a liveness check through the underlying driver session.
func (c *Connection) Ping(ctx context.Context) error {
	if err := c.session.Ping(ctx); err != nil {
		return NewError(c.storage, ErrConnectionFailed, "ping", err)
	}
	return nil
}

// Reset restores session-level state before the connection returns to
// its pool, and drops the connection's own prepared statement cache
// since the backend forgets its prepared statements too.
func (c *Connection) Reset(ctx context.Context) error {
	if err := c.session.Reset(ctx); err != nil {
		return NewError(c.storage, ErrConnectionFailed, "reset", err)
	}
	c.prepared.Clear()
	return nil
}

// EnsurePrepared registers query in this connection's prepared statement
// cache and, if it was not already known, asks the driver to prepare it
// server-side. Returns the statement's cache key.
func (c *Connection) EnsurePrepared(ctx context.Context, query string) (string, error) {
	key, inserted := c.prepared.Register(query)
	if key == "" {
		return "", NewError(c.storage, ErrInvalidArgument, "cannot prepare an empty query", nil)
	}
	if inserted {
		if err := c.session.Prepare(ctx, key, query); err != nil {
			c.prepared.Forget(key)
			return "", NewError(c.storage, ErrPreparedStatementFailed, "prepare "+key, err)
		}
		if c.metrics != nil {
			c.metrics.PreparedStatementMisses.WithLabelValues(c.serverName, c.storage.String()).Inc()
			c.metrics.PreparedStatementCacheSize.WithLabelValues(c.serverName, c.storage.String()).Set(float64(c.prepared.Len()))
		}
	} else if c.metrics != nil {
		c.metrics.PreparedStatementHits.WithLabelValues(c.serverName, c.storage.String()).Inc()
	}
	return key, nil
}

// Session exposes the underlying driver session for execution calls.
func (c *Connection) Session() driver.Session {
	return c.session
}

// Close tears down the underlying driver session.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == ConnStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = ConnStateClosed
	c.mu.Unlock()
	if err := c.session.Close(); err != nil {
		return NewError(c.storage, ErrConnectionFailed, "close", err)
	}
	return nil
}

// ConnectionString builds a human-readable (password-redacted)
// description of the endpoint this connection is bound to, suitable for
// logging.
func (c *Connection) ConnectionString() string {
	ep := c.endpoint
	if ep.IsFileBased() {
		return fmt.Sprintf("%s://%s", c.storage, ep.FilePath)
	}
	return fmt.Sprintf("%s://%s@%s:%d/%s", c.storage, ep.Username, ep.Host, ep.Port, ep.Database)
}

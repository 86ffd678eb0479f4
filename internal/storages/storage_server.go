package storages

import (
	"context"
	"log/slog"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/metrics"
)

// StorageServer is the top-level façade a caller holds for one named
// backend: it owns a ConnectionPool and exposes Begin to obtain a
// Transaction.
type StorageServer struct {
	name   string
	cfg    config.StorageConfig
	pool   *ConnectionPool
	logger *slog.Logger
}

// NewStorageServer constructs a server for cfg. It does not dial any
// connections; call TryConnect to warm the pool before serving traffic.
// collector may be nil, in which case the server's pool runs without
// reporting metrics.
func NewStorageServer(cfg config.StorageConfig, collector *metrics.Collector, logger *slog.Logger) *StorageServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageServer{
		name:   cfg.Name,
		cfg:    cfg,
		pool:   NewConnectionPool(cfg.Type, cfg.Endpoints, cfg.EffectivePool(), cfg.Name, collector, logger),
		logger: logger,
	}
}

// Name returns the server's configured name.
func (s *StorageServer) Name() string {
	return s.name
}

// Type returns the backend type this server connects to.
func (s *StorageServer) Type() config.StorageType {
	return s.cfg.Type
}

// TryConnect eagerly dials the configured minimum number of connections,
// surfacing any dial failure. It is the only path that dials: Begin
// hands out connections dialed here and never dials on its own.
func (s *StorageServer) TryConnect(ctx context.Context) error {
	return s.pool.WarmUp(ctx)
}

// Begin acquires a connection and starts a Transaction in mode. If mode
// is the zero value, the server's configured DefaultModeOnOpen is used.
func (s *StorageServer) Begin(ctx context.Context, mode config.TransactionMode) (*Transaction, error) {
	if mode == config.TransactionModeUnknown {
		mode = s.cfg.DefaultModeOnOpen
	}
	if !s.cfg.Supports(mode) {
		return nil, NewError(s.cfg.Type, ErrInvalidArgument, "transaction mode not supported by this server", nil)
	}
	return beginTransaction(ctx, s.pool, s.cfg.SupportedModes, mode)
}

// Stats returns the underlying pool's current size breakdown.
func (s *StorageServer) Stats() Stats {
	return s.pool.Stats()
}

// Shutdown closes the server's pool. If graceful is true it first drains
// idle connections and waits (up to deadline) for acquired ones to be
// returned naturally; otherwise it closes everything immediately. It
// reports whether the shutdown completed without forcibly closing any
// still-acquired connection.
func (s *StorageServer) Shutdown(graceful bool, deadline time.Duration) bool {
	if !graceful {
		s.pool.Close()
		return true
	}

	s.pool.Drain()
	clean := s.waitForIdle(deadline)
	s.pool.Close()
	return clean
}

func (s *StorageServer) waitForIdle(deadline time.Duration) bool {
	cutoff := time.Now().Add(deadline)
	for time.Now().Before(cutoff) {
		if s.pool.Stats().Acquired == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.pool.Stats().Acquired == 0
}

package storages

import (
	"context"
	"sync"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/storages/parameters"
)

// Transaction is the caller-facing handle for one unit of work against a
// pool-acquired Connection. Unlike the C++ reference, Go has no
// destructor to guarantee the connection is returned on every exit path,
// so callers must defer Close() explicitly; Close() rolls back an
// uncommitted transaction and always returns the connection to its pool.
type Transaction struct {
	mu      sync.Mutex
	pool    *ConnectionPool
	conn    *Connection
	mode    config.TransactionMode
	kind    transactionKind
	done    bool
	began   bool
	beganAt time.Time
}

// transactionKind mirrors the tagged variant the reference implementation
// dispatches Execute/ExecuteNonPrepared on: a genuine DML transaction, a
// read-only snapshot, or no transaction wrapper at all.
type transactionKind int

const (
	kindWritable transactionKind = iota
	kindReadOnly
	kindNonTransaction
)

func kindForMode(mode config.TransactionMode) transactionKind {
	switch mode {
	case config.TransactionModeReadOnly, config.TransactionModeReadCommitted:
		return kindReadOnly
	case config.TransactionModeNonTransaction:
		return kindNonTransaction
	default:
		return kindWritable
	}
}

// beginTransaction acquires a connection from pool and, unless mode is
// NonTransaction, starts a backend transaction in that mode. ReadCommitted
// degrades to ReadOnly when the backend does not advertise ReadCommitted
// support, per the façade's degrade rule.
func beginTransaction(ctx context.Context, pool *ConnectionPool, storageMode config.TransactionMode, requested config.TransactionMode) (*Transaction, error) {
	effective := requested
	if requested == config.TransactionModeReadCommitted && !storageMode.Supports(config.TransactionModeReadCommitted) {
		effective = config.TransactionModeReadOnly
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		pool:    pool,
		conn:    conn,
		mode:    effective,
		kind:    kindForMode(effective),
		beganAt: time.Now(),
	}

	if tx.kind != kindNonTransaction {
		if err := conn.Session().Begin(ctx, effective); err != nil {
			pool.Return(ctx, conn)
			return nil, NewError(conn.storage, ErrTransactionFailed, "begin", err)
		}
		tx.began = true
	}

	return tx, nil
}

// Mode reports the transaction mode this Transaction is running in,
// after any ReadCommitted -> ReadOnly degrade has been applied.
func (t *Transaction) Mode() config.TransactionMode {
	return t.mode
}

// Execute runs query as a prepared statement, caching its preparation on
// the underlying connection so repeated calls with the same SQL text
// skip the prepare round trip.
func (t *Transaction) Execute(ctx context.Context, query string, params ...parameters.ParameterValue) (*ExecutionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, NewError(t.conn.storage, ErrClosed, "transaction already closed", nil)
	}

	key, err := t.conn.EnsurePrepared(ctx, query)
	if err != nil {
		return nil, err
	}
	result, err := t.conn.Session().ExecutePrepared(ctx, key, params)
	if err != nil {
		return nil, NewError(t.conn.storage, ErrExecutionFailed, "execute prepared "+key, err)
	}
	return newExecutionResult(result), nil
}

// ExecuteNonPrepared runs query directly via the backend's ad-hoc
// execution path, bypassing the prepared statement cache. Useful for
// one-off DDL or statements whose shape legitimately varies per call.
func (t *Transaction) ExecuteNonPrepared(ctx context.Context, query string, params ...parameters.ParameterValue) (*ExecutionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, NewError(t.conn.storage, ErrClosed, "transaction already closed", nil)
	}

	result, err := t.conn.Session().ExecuteAdHoc(ctx, query, params)
	if err != nil {
		return nil, NewError(t.conn.storage, ErrExecutionFailed, "execute ad hoc", err)
	}
	return newExecutionResult(result), nil
}

// Savepoint establishes a named savepoint within the transaction. It has
// no effect (and returns an error) on a NonTransaction façade.
func (t *Transaction) Savepoint(ctx context.Context, name string) (*Savepoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, NewError(t.conn.storage, ErrClosed, "transaction already closed", nil)
	}
	if t.kind == kindNonTransaction {
		return nil, NewError(t.conn.storage, ErrInvalidArgument, "cannot establish a savepoint on a non-transaction", nil)
	}
	if _, err := t.conn.Session().ExecuteAdHoc(ctx, "SAVEPOINT "+name, nil); err != nil {
		return nil, NewError(t.conn.storage, ErrTransactionFailed, "savepoint "+name, err)
	}
	return &Savepoint{tx: t, name: name}, nil
}

// Commit commits the transaction. Idempotent: calling Commit twice, or
// Commit after Rollback, returns an error rather than re-issuing the
// backend command.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return NewError(t.conn.storage, ErrClosed, "transaction already closed", nil)
	}
	t.done = true
	if t.began {
		if err := t.conn.Session().Commit(ctx); err != nil {
			t.pool.Return(ctx, t.conn)
			t.reportOutcome(true)
			return NewError(t.conn.storage, ErrTransactionFailed, "commit", err)
		}
	}
	t.pool.Return(ctx, t.conn)
	t.reportOutcome(false)
	return nil
}

// Rollback aborts the transaction.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return NewError(t.conn.storage, ErrClosed, "transaction already closed", nil)
	}
	t.done = true
	if t.began {
		if err := t.conn.Session().Abort(ctx); err != nil {
			t.pool.Return(ctx, t.conn)
			t.reportOutcome(true)
			return NewError(t.conn.storage, ErrTransactionFailed, "rollback", err)
		}
	}
	t.pool.Return(ctx, t.conn)
	t.reportOutcome(true)
	return nil
}

// reportOutcome records this transaction's duration and outcome against
// its pool's collector, if one is wired. Must be called with t.mu held,
// after t.done has been set.
func (t *Transaction) reportOutcome(rolledBack bool) {
	collector := t.pool.metrics
	if collector == nil {
		return
	}
	server, storageType, mode := t.pool.name, t.conn.storage.String(), t.mode.String()
	collector.TransactionsTotal.WithLabelValues(server, storageType, mode).Inc()
	collector.TransactionDuration.WithLabelValues(server, storageType, mode).Observe(time.Since(t.beganAt).Seconds())
	if rolledBack {
		collector.TransactionRollbacks.WithLabelValues(server, storageType).Inc()
	}
}

// Close rolls back the transaction if it has not already been committed
// or rolled back, and unconditionally returns the underlying connection
// to its pool. Callers must defer Close() immediately after a successful
// Begin, since Go has no destructor to guarantee this otherwise.
func (t *Transaction) Close() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.Rollback(context.Background())
}

// Savepoint is a named point within a Transaction that can be rolled back
// to without aborting the whole transaction.
type Savepoint struct {
	tx   *Transaction
	name string
}

// Release discards the savepoint, keeping its effects.
func (s *Savepoint) Release(ctx context.Context) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if _, err := s.tx.conn.Session().ExecuteAdHoc(ctx, "RELEASE SAVEPOINT "+s.name, nil); err != nil {
		return NewError(s.tx.conn.storage, ErrTransactionFailed, "release savepoint "+s.name, err)
	}
	return nil
}

// RollbackTo rolls the transaction back to this savepoint, undoing any
// work performed after it was established while keeping the
// transaction itself open.
func (s *Savepoint) RollbackTo(ctx context.Context) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if _, err := s.tx.conn.Session().ExecuteAdHoc(ctx, "ROLLBACK TO SAVEPOINT "+s.name, nil); err != nil {
		return NewError(s.tx.conn.storage, ErrTransactionFailed, "rollback to savepoint "+s.name, err)
	}
	return nil
}

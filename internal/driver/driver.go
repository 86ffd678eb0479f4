// Package driver defines the wire-level collaborator that a Connection
// delegates to: opening a socket, preparing and executing statements,
// and driving transaction control frames. Concrete implementations live
// in the postgres and mysql subpackages.
package driver

import (
	"context"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/storages/parameters"
)

// Session is one live backend connection. Every method may be called
// from only one goroutine at a time; callers (the storages package) are
// responsible for serialising access per-connection.
type Session interface {
	// Open dials and authenticates against endpoint, honouring ctx's
	// deadline for the whole handshake.
	Open(ctx context.Context, endpoint config.ClusterEndpoint, timeout time.Duration) error

	// Prepare registers query under the backend's native prepared
	// statement mechanism, under the caller-chosen name that
	// ExecutePrepared later refers to.
	Prepare(ctx context.Context, name, query string) error

	// ExecutePrepared runs a previously Prepared statement with the
	// given positional parameters.
	ExecutePrepared(ctx context.Context, name string, params []parameters.ParameterValue) (Result, error)

	// ExecuteAdHoc runs query directly without a server-side prepare
	// step (the backend's simple/text query protocol).
	ExecuteAdHoc(ctx context.Context, query string, params []parameters.ParameterValue) (Result, error)

	// Begin starts a transaction in the given mode.
	Begin(ctx context.Context, mode config.TransactionMode) error

	// Commit commits the currently open transaction.
	Commit(ctx context.Context) error

	// Abort rolls back the currently open transaction.
	Abort(ctx context.Context) error

	// Ping performs a minimal round trip to confirm the connection is
	// still alive (e.g. a no-op query or protocol-level heartbeat).
	Ping(ctx context.Context) error

	// Reset restores session-level state (temp tables, prepared
	// statement list, GUCs) to a clean baseline before the connection
	// is returned to its pool.
	Reset(ctx context.Context) error

	// Close tears down the underlying socket. Idempotent.
	Close() error
}

// Result is the driver-level outcome of a statement execution: either a
// row set (Rows non-nil) or a row count (for statements with no
// projection).
type Result struct {
	Columns      []string
	Rows         [][]parameters.ParameterValue
	RowsAffected int64
}

// Factory constructs a new, unopened Session for the given storage type.
// Registered by each concrete driver package's init().
type Factory func() Session

var registry = map[config.StorageType]Factory{}

// Register associates a StorageType with a Session factory. Driver
// subpackages call this from init().
func Register(t config.StorageType, f Factory) {
	registry[t] = f
}

// New constructs a fresh Session for t, or reports ok=false if no driver
// has registered for that type.
func New(t config.StorageType) (Session, bool) {
	f, ok := registry[t]
	if !ok {
		return nil, false
	}
	return f(), true
}

package storages

import (
	"context"
	"testing"

	"github.com/nvstorage/nvstorage/internal/config"
)

func newTestPool(t *testing.T) *ConnectionPool {
	t.Helper()
	p := NewConnectionPool(config.StorageTypeNvXcel, testPoolEndpoints(t, 1), testPoolConfig(), "", nil, nil)
	if err := p.WarmUp(context.Background()); err != nil {
		t.Fatalf("WarmUp: %v", err)
	}
	return p
}

func TestBeginTransactionDegradesReadCommitted(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()

	tx, err := beginTransaction(context.Background(), p, config.TransactionModeReadOnly, config.TransactionModeReadCommitted)
	if err != nil {
		t.Fatalf("beginTransaction: %v", err)
	}
	defer tx.Close()

	if tx.Mode() != config.TransactionModeReadOnly {
		t.Errorf("Mode() = %v, want ReadOnly (degraded from ReadCommitted)", tx.Mode())
	}
}

func TestBeginTransactionNonTransactionSkipsBegin(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()

	tx, err := beginTransaction(context.Background(), p, config.TransactionModeReadWrite, config.TransactionModeNonTransaction)
	if err != nil {
		t.Fatalf("beginTransaction: %v", err)
	}
	defer tx.Close()

	fs := tx.conn.Session().(*fakeSession)
	if fs.txMode != 0 {
		t.Errorf("expected Begin to not be called for NonTransaction, got mode %v", fs.txMode)
	}
}

func TestTransactionCommitReturnsConnection(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()

	tx, err := beginTransaction(context.Background(), p, config.TransactionModeReadWrite, config.TransactionModeReadWrite)
	if err != nil {
		t.Fatalf("beginTransaction: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if stats := p.Stats(); stats.Acquired != 0 || stats.Free != 1 {
		t.Errorf("stats = %+v after commit, want Acquired=0 Free=1", stats)
	}
}

func TestTransactionCloseRollsBackUncommitted(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()

	tx, err := beginTransaction(context.Background(), p, config.TransactionModeReadWrite, config.TransactionModeReadWrite)
	if err != nil {
		t.Fatalf("beginTransaction: %v", err)
	}
	fs := tx.conn.Session().(*fakeSession)

	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fs.aborted {
		t.Error("expected Close to abort an uncommitted transaction")
	}
}

func TestTransactionDoubleCommitErrors(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()

	tx, _ := beginTransaction(context.Background(), p, config.TransactionModeReadWrite, config.TransactionModeReadWrite)
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if err := tx.Commit(context.Background()); err == nil {
		t.Fatal("expected an error committing an already-closed transaction")
	}
}

func TestTransactionExecuteUsesPreparedCache(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()

	tx, _ := beginTransaction(context.Background(), p, config.TransactionModeReadWrite, config.TransactionModeReadWrite)
	defer tx.Close()

	if _, err := tx.Execute(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := tx.Execute(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("Execute (second): %v", err)
	}

	fs := tx.conn.Session().(*fakeSession)
	if len(fs.prepared) != 1 {
		t.Errorf("expected exactly one server-side prepare, got %d", len(fs.prepared))
	}
}

func TestSavepointRejectedOnNonTransaction(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()

	tx, _ := beginTransaction(context.Background(), p, config.TransactionModeReadWrite, config.TransactionModeNonTransaction)
	defer tx.Close()

	if _, err := tx.Savepoint(context.Background(), "sp1"); err == nil {
		t.Fatal("expected an error establishing a savepoint on a non-transaction")
	}
}

func TestSavepointRollbackTo(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()

	tx, _ := beginTransaction(context.Background(), p, config.TransactionModeReadWrite, config.TransactionModeReadWrite)
	defer tx.Close()

	sp, err := tx.Savepoint(context.Background(), "sp1")
	if err != nil {
		t.Fatalf("Savepoint: %v", err)
	}
	if err := sp.RollbackTo(context.Background()); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if err := sp.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

package storages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
)

func TestConnectionOpenTransitionsState(t *testing.T) {
	fs := newFakeSession()
	c := newConnection(fs, config.ClusterEndpoint{Host: "db", Port: 5432}, config.StorageTypePostgres)
	if c.State() != ConnStateNew {
		t.Fatalf("initial state = %v, want New", c.State())
	}
	if err := c.open(context.Background(), time.Second); err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.State() != ConnStateOpen {
		t.Errorf("state after open = %v, want Open", c.State())
	}
	if !fs.opened {
		t.Error("expected underlying session to be opened")
	}
}

func TestConnectionOpenWrapsDriverError(t *testing.T) {
	fs := newFakeSession()
	fs.failOpen = errors.New("boom")
	c := newConnection(fs, config.ClusterEndpoint{}, config.StorageTypePostgres)
	err := c.open(context.Background(), time.Second)
	if err == nil {
		t.Fatal("expected an error")
	}
	if KindOf(err) != ErrConnectionFailed {
		t.Errorf("KindOf(err) = %v, want ErrConnectionFailed", KindOf(err))
	}
}

func TestConnectionAcquireReturnLifecycle(t *testing.T) {
	c := newConnection(newFakeSession(), config.ClusterEndpoint{}, config.StorageTypePostgres)
	c.markAcquired()
	if c.State() != ConnStateAcquired {
		t.Fatalf("state = %v, want Acquired", c.State())
	}
	c.markReturned()
	if c.State() != ConnStateReturned {
		t.Fatalf("state = %v, want Returned", c.State())
	}
}

func TestConnectionIsIdleRespectsTimeout(t *testing.T) {
	c := newConnection(newFakeSession(), config.ClusterEndpoint{}, config.StorageTypePostgres)
	c.markReturned()
	if c.IsIdle(time.Hour) {
		t.Error("should not be idle relative to a long timeout")
	}
	if !c.IsIdle(0) {
		t.Error("should be idle relative to a zero timeout")
	}
}

func TestConnectionEnsurePreparedIsIdempotent(t *testing.T) {
	fs := newFakeSession()
	c := newConnection(fs, config.ClusterEndpoint{}, config.StorageTypePostgres)

	key1, err := c.EnsurePrepared(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatalf("EnsurePrepared: %v", err)
	}
	key2, err := c.EnsurePrepared(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatalf("EnsurePrepared (second): %v", err)
	}
	if key1 != key2 {
		t.Errorf("keys differ: %q vs %q", key1, key2)
	}
	if len(fs.prepared) != 1 {
		t.Errorf("expected exactly one server-side prepare call, got %d", len(fs.prepared))
	}
}

func TestConnectionResetClearsPreparedCache(t *testing.T) {
	fs := newFakeSession()
	c := newConnection(fs, config.ClusterEndpoint{}, config.StorageTypePostgres)
	c.EnsurePrepared(context.Background(), "SELECT 1")
	if c.prepared.Len() != 1 {
		t.Fatal("expected one cached statement before reset")
	}
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.prepared.Len() != 0 {
		t.Error("expected prepared cache to be empty after Reset")
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	fs := newFakeSession()
	c := newConnection(fs, config.ClusterEndpoint{}, config.StorageTypePostgres)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestHashKeysAreDistinct(t *testing.T) {
	c1 := newConnection(newFakeSession(), config.ClusterEndpoint{}, config.StorageTypePostgres)
	c2 := newConnection(newFakeSession(), config.ClusterEndpoint{}, config.StorageTypePostgres)
	if c1.HashKey() == c2.HashKey() {
		t.Error("expected distinct hash keys for distinct connections")
	}
}

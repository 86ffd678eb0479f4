package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testYAML = `
defaults:
  min_connections: 2
  max_connections: 8
  cleanup_interval: 160

servers:
  primary:
    type: postgres
    mode: server_cluster
    supported_modes: [read_write, read_only, non_transaction]
    default_mode: read_write
    endpoints:
      - name: node-a
        host: ${NVSTORAGE_TEST_HOST}
        port: 5432
        database: app
        username: app
        password: ${NVSTORAGE_TEST_PASSWORD}
  cache:
    type: redis
    endpoints:
      - name: node-a
        host: localhost
        port: 6379
`

func TestParseResolvesServersAndEnvVars(t *testing.T) {
	os.Setenv("NVSTORAGE_TEST_HOST", "db.internal")
	os.Setenv("NVSTORAGE_TEST_PASSWORD", "s3cret")
	defer os.Unsetenv("NVSTORAGE_TEST_HOST")
	defer os.Unsetenv("NVSTORAGE_TEST_PASSWORD")

	f, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	primary, ok := f.Servers["primary"]
	if !ok {
		t.Fatal("expected a primary server")
	}
	if primary.Type != StorageTypePostgres {
		t.Errorf("primary.Type = %v, want postgres", primary.Type)
	}
	if primary.Endpoints.Len() != 1 {
		t.Fatalf("expected 1 endpoint, got %d", primary.Endpoints.Len())
	}
	ep := primary.Endpoints.At(0)
	if ep.Host != "db.internal" {
		t.Errorf("Host = %q, want db.internal (env substitution failed)", ep.Host)
	}
	if ep.Password != "s3cret" {
		t.Errorf("Password = %q, want s3cret (env substitution failed)", ep.Password)
	}
	if primary.Pool.CleanupInterval != 160*time.Second {
		t.Errorf("CleanupInterval = %v, want 160s", primary.Pool.CleanupInterval)
	}
	if primary.Pool.MinConnections != 2 {
		t.Errorf("MinConnections = %d, want 2 (from defaults)", primary.Pool.MinConnections)
	}

	cache, ok := f.Servers["cache"]
	if !ok {
		t.Fatal("expected a cache server")
	}
	if cache.Type != StorageTypeRedis {
		t.Errorf("cache.Type = %v, want redis", cache.Type)
	}
}

func TestParseLeavesUnsetEnvTokenUntouched(t *testing.T) {
	os.Unsetenv("NVSTORAGE_DEFINITELY_UNSET")
	data := []byte(`
servers:
  primary:
    type: postgres
    endpoints:
      - name: a
        host: ${NVSTORAGE_DEFINITELY_UNSET}
        port: 5432
`)
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ep := f.Servers["primary"].Endpoints.At(0)
	if ep.Host != "${NVSTORAGE_DEFINITELY_UNSET}" {
		t.Errorf("Host = %q, want token left untouched", ep.Host)
	}
}

func TestParseRejectsUnknownStorageType(t *testing.T) {
	data := []byte(`
servers:
  primary:
    type: not-a-real-type
    endpoints: []
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected an error for unknown storage type")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nvstorage.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *File, 1)
	w, err := NewWatcher(path, func(f *File) {
		select {
		case reloaded <- f:
		default:
		}
	}, func(err error) {
		t.Logf("watcher error: %v", err)
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if w.Current() == nil {
		t.Fatal("expected an initial config snapshot")
	}

	updated := testYAML + "\n  # touch\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

package storages

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/metrics"
)

// registrySnapshot is the immutable state swapped atomically on every
// Registry mutation, so Resolve never blocks on a mutex.
type registrySnapshot struct {
	servers map[string]*StorageServer
}

// Registry holds every named StorageServer a process has configured,
// resolved by name. Reads (Resolve, List) are lock-free; mutations
// (Add, Remove, Reload) are serialized by mu and publish a fresh
// snapshot.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	snapshot atomic.Value // registrySnapshot
}

// NewRegistry constructs an empty Registry. collector may be nil, in
// which case every server it registers runs without reporting metrics.
func NewRegistry(collector *metrics.Collector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger, metrics: collector}
	r.snapshot.Store(registrySnapshot{servers: map[string]*StorageServer{}})
	return r
}

func (r *Registry) current() registrySnapshot {
	return r.snapshot.Load().(registrySnapshot)
}

// Resolve returns the named server, or ok=false if no server with that
// name is registered.
func (r *Registry) Resolve(name string) (*StorageServer, bool) {
	s, ok := r.current().servers[name]
	return s, ok
}

// List returns the names of every registered server.
func (r *Registry) List() []string {
	snap := r.current()
	names := make([]string, 0, len(snap.servers))
	for name := range snap.servers {
		names = append(names, name)
	}
	return names
}

// Add constructs and registers a StorageServer for cfg, returning an
// error if a server with that name already exists.
func (r *Registry) Add(cfg config.StorageConfig) (*StorageServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current()
	if _, exists := snap.servers[cfg.Name]; exists {
		return nil, fmt.Errorf("nvstorage: storages: server %q already registered", cfg.Name)
	}

	server := NewStorageServer(cfg, r.metrics, r.logger)
	next := cloneSnapshot(snap)
	next.servers[cfg.Name] = server
	r.snapshot.Store(next)
	return server, nil
}

// Remove shuts down and unregisters the named server.
func (r *Registry) Remove(name string, graceful bool, deadline time.Duration) error {
	r.mu.Lock()
	snap := r.current()
	server, ok := snap.servers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("nvstorage: storages: server %q not registered", name)
	}
	next := cloneSnapshot(snap)
	delete(next.servers, name)
	r.snapshot.Store(next)
	r.mu.Unlock()

	server.Shutdown(graceful, deadline)
	if r.metrics != nil {
		r.metrics.RemoveServer(name)
	}
	return nil
}

// Reload reconciles the registry against a fresh config.File: servers
// present in the file but not the registry are added (but not
// connected — callers should TryConnect new servers themselves); servers
// in the registry but absent from the file are gracefully removed.
// Servers present in both are left untouched (config changes to an
// existing server's pool sizing do not hot-apply; that would require
// re-dialing live connections mid-flight).
func (r *Registry) Reload(ctx context.Context, file *config.File) ([]*StorageServer, error) {
	r.mu.Lock()
	snap := r.current()
	next := cloneSnapshot(snap)

	var added []*StorageServer
	for name, cfg := range file.Servers {
		if _, exists := next.servers[name]; exists {
			continue
		}
		server := NewStorageServer(cfg, r.metrics, r.logger)
		next.servers[name] = server
		added = append(added, server)
	}

	var removed []*StorageServer
	for name, server := range snap.servers {
		if _, exists := file.Servers[name]; !exists {
			delete(next.servers, name)
			removed = append(removed, server)
		}
	}

	r.snapshot.Store(next)
	r.mu.Unlock()

	for _, server := range removed {
		server.Shutdown(true, 30*time.Second)
		if r.metrics != nil {
			r.metrics.RemoveServer(server.Name())
		}
	}
	return added, nil
}

// CloseAll shuts down every registered server immediately.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	snap := r.current()
	r.snapshot.Store(registrySnapshot{servers: map[string]*StorageServer{}})
	r.mu.Unlock()

	for _, server := range snap.servers {
		server.Shutdown(false, 0)
		if r.metrics != nil {
			r.metrics.RemoveServer(server.Name())
		}
	}
}

func cloneSnapshot(snap registrySnapshot) registrySnapshot {
	out := make(map[string]*StorageServer, len(snap.servers)+1)
	for k, v := range snap.servers {
		out[k] = v
	}
	return registrySnapshot{servers: out}
}

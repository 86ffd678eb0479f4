package storages

import (
	"context"
	"testing"

	"github.com/nvstorage/nvstorage/internal/config"
)

func TestRegistryAddAndResolve(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.CloseAll()

	cfg := testStorageConfig(t)
	if _, err := r.Add(cfg); err != nil {
		t.Fatalf("Add: %v", err)
	}

	server, ok := r.Resolve("primary")
	if !ok {
		t.Fatal("expected to resolve the newly added server")
	}
	if server.Name() != "primary" {
		t.Errorf("Name() = %q, want primary", server.Name())
	}
}

func TestRegistryAddRejectsDuplicateName(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.CloseAll()

	cfg := testStorageConfig(t)
	if _, err := r.Add(cfg); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := r.Add(cfg); err == nil {
		t.Fatal("expected an error adding a duplicate server name")
	}
}

func TestRegistryRemoveUnregisters(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.CloseAll()

	cfg := testStorageConfig(t)
	r.Add(cfg)
	if err := r.Remove("primary", false, 0); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.Resolve("primary"); ok {
		t.Error("expected primary to be gone after Remove")
	}
}

func TestRegistryReloadAddsAndRemoves(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.CloseAll()

	cfgA := testStorageConfig(t)
	cfgA.Name = "a"
	r.Add(cfgA)

	cfgB := testStorageConfig(t)
	cfgB.Name = "b"
	file := &config.File{Servers: map[string]config.StorageConfig{"b": cfgB}}

	added, err := r.Reload(context.Background(), file)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(added) != 1 || added[0].Name() != "b" {
		t.Errorf("added = %+v, want one server named b", added)
	}
	if _, ok := r.Resolve("a"); ok {
		t.Error("expected a to be removed by Reload")
	}
	if _, ok := r.Resolve("b"); !ok {
		t.Error("expected b to be present after Reload")
	}
}

func TestRegistryListReturnsAllNames(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.CloseAll()

	cfgA := testStorageConfig(t)
	cfgA.Name = "a"
	cfgB := testStorageConfig(t)
	cfgB.Name = "b"
	r.Add(cfgA)
	r.Add(cfgB)

	names := r.List()
	if len(names) != 2 {
		t.Errorf("List() = %v, want 2 names", names)
	}
}

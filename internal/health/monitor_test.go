package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nvstorage/nvstorage/internal/config"
	"github.com/nvstorage/nvstorage/internal/metrics"
	"github.com/nvstorage/nvstorage/internal/storages"
)

func TestUpdateStatusStaysHealthyBelowThreshold(t *testing.T) {
	m := New(storages.NewRegistry(nil, nil), metrics.New(), nil)
	m.failureThreshold = 3

	m.updateStatus("primary", errors.New("boom"))
	status, ok := m.GetStatus("primary")
	if !ok {
		t.Fatal("expected a status to be recorded")
	}
	if !status.Healthy {
		t.Error("expected a single failure to stay below the threshold")
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", status.ConsecutiveFailures)
	}
}

func TestUpdateStatusUnhealthyAtThreshold(t *testing.T) {
	m := New(storages.NewRegistry(nil, nil), metrics.New(), nil)
	m.failureThreshold = 2

	m.updateStatus("primary", errors.New("boom"))
	m.updateStatus("primary", errors.New("boom"))

	status, _ := m.GetStatus("primary")
	if status.Healthy {
		t.Error("expected status to flip unhealthy at the failure threshold")
	}
}

func TestUpdateStatusRecoversOnSuccess(t *testing.T) {
	m := New(storages.NewRegistry(nil, nil), metrics.New(), nil)
	m.failureThreshold = 1

	m.updateStatus("primary", errors.New("boom"))
	m.updateStatus("primary", nil)

	status, _ := m.GetStatus("primary")
	if !status.Healthy || status.ConsecutiveFailures != 0 {
		t.Errorf("expected immediate recovery, got %+v", status)
	}
}

func TestOverallHealthyRequiresAllServers(t *testing.T) {
	m := New(storages.NewRegistry(nil, nil), metrics.New(), nil)
	m.updateStatus("a", nil)
	m.updateStatus("b", nil)
	if !m.OverallHealthy() {
		t.Fatal("expected overall healthy with two healthy servers")
	}
	m.failureThreshold = 1
	m.updateStatus("b", errors.New("down"))
	if m.OverallHealthy() {
		t.Fatal("expected overall unhealthy once one server fails")
	}
}

func TestRemoveServerDropsStatus(t *testing.T) {
	m := New(storages.NewRegistry(nil, nil), metrics.New(), nil)
	m.updateStatus("primary", nil)
	m.RemoveServer("primary")
	if _, ok := m.GetStatus("primary"); ok {
		t.Error("expected status to be gone after RemoveServer")
	}
}

func TestCheckAllRunsAgainstRegisteredServers(t *testing.T) {
	driverInit()
	reg := storages.NewRegistry(nil, nil)
	cfg := config.StorageConfig{
		Name:              "primary",
		Type:              config.StorageTypeNvXcel,
		Endpoints:         mustEndpoints(t),
		Pool:              config.ConnectionPoolConfig{}.ApplyDefaults(),
		SupportedModes:    config.TransactionModeNonTransaction,
		DefaultModeOnOpen: config.TransactionModeNonTransaction,
	}
	server, err := reg.Add(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.CloseAll()
	if err := server.TryConnect(context.Background()); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}

	m := New(reg, metrics.New(), nil)
	m.checkTimeout = time.Second
	m.checkAll()

	status, ok := m.GetStatus("primary")
	if !ok {
		t.Fatal("expected checkAll to record a status for primary")
	}
	if !status.Healthy {
		t.Errorf("expected primary to be healthy, got %+v", status)
	}
}

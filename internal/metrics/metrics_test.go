package metrics

import (
	"testing"
	"time"
)

func TestNewRegistersAllVectors(t *testing.T) {
	c := New()
	mfs, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	// Nothing has been observed yet, but Gather should not error and the
	// registry should be usable.
	_ = mfs
}

func TestObserveAcquireRecordsSample(t *testing.T) {
	c := New()
	c.ObserveAcquire("primary", "postgres", 25*time.Millisecond)

	mfs, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "nvstorage_acquire_duration_seconds" {
			found = true
			if len(mf.Metric) != 1 {
				t.Errorf("expected 1 label combination, got %d", len(mf.Metric))
			}
		}
	}
	if !found {
		t.Fatal("expected to find nvstorage_acquire_duration_seconds in gathered metrics")
	}
}

func TestRemoveServerDeletesSeries(t *testing.T) {
	c := New()
	c.ConnectionsTotal.WithLabelValues("primary", "postgres").Set(3)
	c.RemoveServer("primary")

	mfs, _ := c.Registry().Gather()
	for _, mf := range mfs {
		if mf.GetName() != "nvstorage_connections_total" {
			continue
		}
		for _, m := range mf.Metric {
			for _, l := range m.Label {
				if l.GetName() == "server" && l.GetValue() == "primary" {
					t.Error("expected primary's connections_total series to be removed")
				}
			}
		}
	}
}

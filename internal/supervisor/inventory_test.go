package supervisor

import (
	"io"
	"path/filepath"
	"testing"

	"log/slog"

	"github.com/suburbhost/suburb/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInventoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.json")
	inv, err := NewInventory(path, testLogger())
	if err != nil {
		t.Fatalf("new inventory: %v", err)
	}

	rec := domain.ProcessRecord{
		ID:     domain.BackendKey("api", domain.SitePassthrough),
		Site:   "api",
		Type:   domain.SitePassthrough,
		Port:   42001,
		PID:    1234,
		Status: domain.ProcessRunning,
	}
	if err := inv.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := inv.Get(rec.ID)
	if !ok || got.Port != 42001 || got.Status != domain.ProcessRunning {
		t.Fatalf("unexpected record %+v ok=%v", got, ok)
	}
	if !inv.PortClaimed(42001) {
		t.Fatalf("expected port claim for running record")
	}

	if err := inv.SetStatus(rec.ID, domain.ProcessStopped); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if inv.PortClaimed(42001) {
		t.Fatalf("stopped record must not claim its port")
	}

	// The table is rebuilt from disk on restart.
	reloaded, err := NewInventory(path, testLogger())
	if err != nil {
		t.Fatalf("reload inventory: %v", err)
	}
	got, ok = reloaded.Get(rec.ID)
	if !ok || got.Status != domain.ProcessStopped {
		t.Fatalf("expected persisted stopped record, got %+v ok=%v", got, ok)
	}

	if err := reloaded.Delete(rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := reloaded.Get(rec.ID); ok {
		t.Fatalf("expected record removed")
	}
}

func TestInventoryListFiltersByStatus(t *testing.T) {
	inv, err := NewInventory(filepath.Join(t.TempDir(), "inventory.json"), testLogger())
	if err != nil {
		t.Fatalf("new inventory: %v", err)
	}
	statuses := []domain.ProcessStatus{domain.ProcessRunning, domain.ProcessCrashed, domain.ProcessStopped}
	for i, status := range statuses {
		rec := domain.ProcessRecord{
			ID:     domain.BackendKey(string(rune('a'+i)), domain.SitePassthrough),
			Site:   string(rune('a' + i)),
			Type:   domain.SitePassthrough,
			Port:   42100 + i,
			Status: status,
		}
		if err := inv.Put(rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	if got := inv.List(); len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	live := inv.List(domain.ProcessRunning, domain.ProcessStarting)
	if len(live) != 1 || live[0].Status != domain.ProcessRunning {
		t.Fatalf("unexpected live records %+v", live)
	}
}

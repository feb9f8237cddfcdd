package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"github.com/suburbhost/suburb/internal/domain"
)

// Inventory is the persisted table of backend process records, keyed by
// site+type. It survives restarts so the supervisor can reconcile against
// observed OS state instead of starting blind.
type Inventory struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]domain.ProcessRecord
}

// NewInventory loads the inventory file at path, creating parent directories
// as needed. A missing file yields an empty inventory.
func NewInventory(path string, logger *slog.Logger) (*Inventory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create inventory dir: %w", err)
	}
	inv := &Inventory{
		path:    path,
		lock:    flock.New(path + ".lock"),
		logger:  logger,
		records: map[string]domain.ProcessRecord{},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return inv, nil
		}
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	if err := json.Unmarshal(raw, &inv.records); err != nil {
		logger.Warn("inventory unreadable, starting empty", "path", path, "error", err)
		inv.records = map[string]domain.ProcessRecord{}
	}
	return inv, nil
}

// Get returns the record for a backend key.
func (inv *Inventory) Get(key string) (domain.ProcessRecord, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	rec, ok := inv.records[key]
	return rec, ok
}

// Put stores a record and persists the inventory.
func (inv *Inventory) Put(rec domain.ProcessRecord) error {
	inv.mu.Lock()
	rec.UpdatedAt = time.Now().UTC()
	inv.records[rec.ID] = rec
	snapshot := inv.snapshotLocked()
	inv.mu.Unlock()
	return inv.persist(snapshot)
}

// SetStatus transitions a record's status and persists. Unknown keys are a
// no-op.
func (inv *Inventory) SetStatus(key string, status domain.ProcessStatus) error {
	inv.mu.Lock()
	rec, ok := inv.records[key]
	if !ok {
		inv.mu.Unlock()
		return nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	inv.records[key] = rec
	snapshot := inv.snapshotLocked()
	inv.mu.Unlock()
	return inv.persist(snapshot)
}

// Delete removes a record and persists.
func (inv *Inventory) Delete(key string) error {
	inv.mu.Lock()
	delete(inv.records, key)
	snapshot := inv.snapshotLocked()
	inv.mu.Unlock()
	return inv.persist(snapshot)
}

// List returns records, optionally filtered by status, ordered by key.
func (inv *Inventory) List(statuses ...domain.ProcessStatus) []domain.ProcessRecord {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var out []domain.ProcessRecord
	for _, rec := range inv.records {
		if len(statuses) == 0 {
			out = append(out, rec)
			continue
		}
		for _, status := range statuses {
			if rec.Status == status {
				out = append(out, rec)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PortClaimed reports whether any live record has claimed the port.
func (inv *Inventory) PortClaimed(port int) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for _, rec := range inv.records {
		if rec.Port == port && (rec.Status == domain.ProcessStarting || rec.Status == domain.ProcessRunning) {
			return true
		}
	}
	return false
}

func (inv *Inventory) snapshotLocked() map[string]domain.ProcessRecord {
	snapshot := make(map[string]domain.ProcessRecord, len(inv.records))
	for k, v := range inv.records {
		snapshot[k] = v
	}
	return snapshot
}

func (inv *Inventory) persist(snapshot map[string]domain.ProcessRecord) error {
	if err := inv.lock.Lock(); err != nil {
		return fmt.Errorf("lock inventory: %w", err)
	}
	defer func() {
		if err := inv.lock.Unlock(); err != nil && inv.logger != nil {
			inv.logger.Warn("unlock inventory failed", "error", err)
		}
	}()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}
	tmp := inv.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write inventory: %w", err)
	}
	if err := os.Rename(tmp, inv.path); err != nil {
		return fmt.Errorf("replace inventory: %w", err)
	}
	return nil
}

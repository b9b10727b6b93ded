package store

import (
	"context"
	"sort"
	"sync"

	"deploy-keeper/internal/models"
)

type moduleKey struct {
	target string
	id     string
}

// MemoryStore keeps the registry in process, used by tests and the "memory" driver.
type MemoryStore struct {
	mu         sync.RWMutex
	modules    map[moduleKey]models.ModuleRecord
	operations []models.OperationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		modules: make(map[moduleKey]models.ModuleRecord),
	}
}

func (m *MemoryStore) ListModules(ctx context.Context, filter ModuleFilter) ([]models.ModuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ModuleRecord, 0, len(m.modules))
	for _, r := range m.modules {
		if filter.match(r) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) GetModule(ctx context.Context, target, moduleID string) (models.ModuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.modules[moduleKey{target, moduleID}]
	if !ok {
		return models.ModuleRecord{}, models.ErrModuleNotFound
	}
	return r, nil
}

func (m *MemoryStore) ReplaceRoot(ctx context.Context, target, rootID string, records []models.ModuleRecord) error {
	if err := checkRecords(target, rootID, records); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.modules {
		if r.Target == target && r.RootID == rootID {
			delete(m.modules, k)
		}
	}
	for _, r := range records {
		m.modules[moduleKey{r.Target, r.ModuleID}] = r
	}
	return nil
}

func (m *MemoryStore) SaveOperation(ctx context.Context, rec models.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.operations {
		if m.operations[i].ID == rec.ID {
			m.operations[i] = rec
			return nil
		}
	}
	m.operations = append(m.operations, rec)
	return nil
}

// ListOperations returns the newest operations first.
func (m *MemoryStore) ListOperations(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.OperationRecord, len(m.operations))
	copy(out, m.operations)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortRecords(out []models.ModuleRecord) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.RootID != b.RootID {
			return a.RootID < b.RootID
		}
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ModuleID < b.ModuleID
	})
}

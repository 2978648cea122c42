package ledger

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/acme/expediente/model"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[model.InstanceKey]model.ProcessInstanceRecord
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[model.InstanceKey]model.ProcessInstanceRecord)}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, rec model.ProcessInstanceRecord) error {
	if rec.ProcessInstanceKey == "" {
		return fmt.Errorf("ledger: record without instance key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ProcessInstanceKey]; exists {
		return nil
	}
	rec.Variables = maps.Clone(rec.Variables)
	s.records[rec.ProcessInstanceKey] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key model.InstanceKey) (model.ProcessInstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return model.ProcessInstanceRecord{}, model.NewNotFoundError(
			fmt.Sprintf("process instance %q not found", key),
		)
	}
	return rec, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filters model.InstanceFilters) ([]model.ProcessInstanceRecord, int, error) {
	s.mu.RLock()
	var matched []model.ProcessInstanceRecord
	for _, rec := range s.records {
		if filters.BpmnProcessID != "" && rec.BpmnProcessID != filters.BpmnProcessID {
			continue
		}
		if filters.SubjectID != "" && rec.SubjectID != filters.SubjectID {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ProcessInstanceKey > matched[j].ProcessInstanceKey
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := len(matched)
	limit, offset := normalizePage(filters)
	if offset >= total {
		return []model.ProcessInstanceRecord{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/account-engine/internal/model"
)

// MemoryStore implements Store in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.AccountRecord
	nowFunc func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]model.AccountRecord),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Get(_ context.Context, id string) (*model.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := rec.Clone()
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]model.AccountRecord, error) {
	s.mu.RLock()
	out := make([]model.AccountRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	if len(filter.IDs) > 0 {
		return applyLimit(orderByIDs(out, filter.IDs), filter.Limit), nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return applyLimit(out, filter.Limit), nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec model.AccountRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := rec.Clone()
	if existing, ok := s.records[rec.ID]; ok && cp.CreatedAt.IsZero() {
		cp.CreatedAt = existing.CreatedAt
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.records[rec.ID] = cp
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn Mutator) (*model.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, notFound(id)
	}
	working := rec.Clone()
	if err := fn(&working); err != nil {
		return nil, err
	}
	working.ID = id
	working.UpdatedAt = s.nowFunc()
	s.records[id] = working

	out := working.Clone()
	return &out, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status model.AccountStatus, meta *StatusMeta) (*model.AccountRecord, error) {
	fn, err := setStatusMutator(status, meta, s.nowFunc())
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, id, fn)
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return notFound(id)
	}
	delete(s.records, id)
	return nil
}

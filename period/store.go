package period

import (
	"context"
	"sort"
	"sync"

	"github.com/jupark12/docflow/models"
)

// Store persists the period roster. Save must ignore a record whose version
// is not newer than the stored one.
type Store interface {
	Load(ctx context.Context) ([]models.Period, error)
	Save(ctx context.Context, p models.Period) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps the roster in memory only.
type MemoryStore struct {
	mu      sync.Mutex
	periods map[string]models.Period
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{periods: make(map[string]models.Period)}
}

func (s *MemoryStore) Load(ctx context.Context) ([]models.Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Period, 0, len(s.periods))
	for _, p := range s.periods {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, p models.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.periods[p.ID]; ok && cur.Version >= p.Version {
		return nil
	}
	s.periods[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.periods, id)
	return nil
}

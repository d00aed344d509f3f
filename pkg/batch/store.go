package batch

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists jobs. Update replaces the whole job atomically when its
// Version matches, so readers never see half-applied progress.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, j *Job) error
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)
	// Evict drops terminal jobs completed before cutoff and returns their
	// ids. Durable stores may keep them and return none.
	Evict(ctx context.Context, cutoff time.Time) ([]string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return ErrVersionConflict
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		return ErrJobNotFound
	}
	if cur.Version != j.Version {
		return ErrVersionConflict
	}
	j.Version++
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, j := range s.jobs {
		for _, st := range statuses {
			if j.Status == st {
				out = append(out, j.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Evict(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

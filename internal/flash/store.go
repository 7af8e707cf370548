package flash

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// JobStore persists job snapshots for reporting after they finish.
type JobStore interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// List returns jobs for deviceID, or all jobs when it is empty, oldest first.
	List(ctx context.Context, deviceID string) ([]Job, error)
	Close() error
}

// MemoryStore keeps jobs for the lifetime of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Save(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, deviceID string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, job := range s.jobs {
		if deviceID == "" || job.DeviceID == deviceID {
			out = append(out, job.clone())
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

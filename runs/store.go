package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Common run errors.
var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrNotRunning is returned when stopping a run that already finished.
	ErrNotRunning = errors.New("not_running")
)

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	OrgID   string
	SuiteID string
	Status  string
	Limit   int
}

func (f ListFilter) matches(r *Run) bool {
	if f.OrgID != "" && r.OrgID != f.OrgID {
		return false
	}
	if f.SuiteID != "" && r.SuiteID != f.SuiteID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// apply sorts newest first and applies the limit.
func (f ListFilter) apply(runs []*Run) []*Run {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs
}

// Store persists runs.
type Store interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Update applies fn to the current record and stores the result.
	Update(ctx context.Context, id string, fn func(r *Run) error) (*Run, error)
	List(ctx context.Context, f ListFilter) ([]*Run, error)
}

// MemoryStore keeps runs in process memory. Records are deep-copied on
// the way in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]byte)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, r *Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	s.runs[r.ID] = data
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	data, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeRun(data)
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(r *Run) error) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	r, err := decodeRun(data)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}
	s.runs[id] = updated
	return r, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Run, 0, len(s.runs))
	for _, data := range s.runs {
		r, err := decodeRun(data)
		if err != nil {
			continue
		}
		if f.matches(r) {
			out = append(out, r)
		}
	}
	return f.apply(out), nil
}

func decodeRun(data []byte) (*Run, error) {
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &r, nil
}

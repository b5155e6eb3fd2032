package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Store looks up request definitions and the auth blocks they reference.
type Store interface {
	// Lookup returns the definition for requestID or ErrRequestNotFound.
	Lookup(ctx context.Context, orgID, requestID string) (*Definition, error)

	// AuthBlock returns the auth block with the given id.
	AuthBlock(ctx context.Context, orgID, id string) (*AuthBlock, bool)
}

// ImportFile is the on-disk shape of an imported request collection.
type ImportFile struct {
	Auth     *AuthBlock   `json:"auth,omitempty"`
	Requests []Definition `json:"requests"`
}

// MemoryStore is a Store held in memory. Definitions are not scoped by
// organization; the org id is accepted for interface compatibility.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Definition
	auth     map[string]*AuthBlock
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Definition),
		auth:     make(map[string]*AuthBlock),
	}
}

// AddRequest registers or replaces a definition.
func (s *MemoryStore) AddRequest(def Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[def.ID] = &def
}

// AddAuthBlock registers or replaces an auth block.
func (s *MemoryStore) AddAuthBlock(block AuthBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth[block.ID] = &block
}

// Import adds every request and the auth block of an import file.
func (s *MemoryStore) Import(f *ImportFile) {
	if f.Auth != nil && f.Auth.ID != "" {
		s.AddAuthBlock(*f.Auth)
	}
	for _, def := range f.Requests {
		if def.ID != "" {
			s.AddRequest(def)
		}
	}
}

// Len returns the number of stored definitions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, _ string, requestID string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	cp := *def
	return &cp, nil
}

// AuthBlock implements Store.
func (s *MemoryStore) AuthBlock(_ context.Context, _ string, id string) (*AuthBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.auth[id]
	if !ok {
		return nil, false
	}
	cp := *block
	return &cp, true
}

// LoadImportFile reads one request collection from disk.
func LoadImportFile(path string) (*ImportFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request file: %w", err)
	}
	var f ImportFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse request file %s: %w", path, err)
	}
	return &f, nil
}

package orchestration

import (
	"context"
	"sync"
)

// ApprovalStore snapshots pending approval requests so they can be
// recovered after a restart. The core contract does not depend on
// persistence; the in-memory store is the default and Redis is optional.
type ApprovalStore interface {
	// Save persists a pending request, keyed by its ID.
	Save(ctx context.Context, request *ApprovalRequest) error

	// Delete removes a request snapshot after it reaches a terminal state.
	Delete(ctx context.Context, id string) error

	// List returns all stored pending requests.
	List(ctx context.Context) ([]*ApprovalRequest, error)

	// Close releases store resources.
	Close() error
}

// MemoryApprovalStore is the in-process default ApprovalStore.
type MemoryApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*ApprovalRequest
}

// NewMemoryApprovalStore creates an empty in-memory store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{
		requests: make(map[string]*ApprovalRequest),
	}
}

// Save stores a copy of the request.
func (s *MemoryApprovalStore) Save(ctx context.Context, request *ApprovalRequest) error {
	copied := *request
	s.mu.Lock()
	s.requests[request.ID] = &copied
	s.mu.Unlock()
	return nil
}

// Delete removes the snapshot for id. Missing IDs are not an error.
func (s *MemoryApprovalStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.requests, id)
	s.mu.Unlock()
	return nil
}

// List returns copies of all stored requests.
func (s *MemoryApprovalStore) List(ctx context.Context) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ApprovalRequest, 0, len(s.requests))
	for _, r := range s.requests {
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryApprovalStore) Close() error { return nil }

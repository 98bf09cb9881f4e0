package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrRequestNotFound    = errors.New("approval request not found")
	ErrRequestExists      = errors.New("approval request already exists")
	ErrVersionConflict    = errors.New("approval request version conflict")
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[uint64]types.WorkflowDefinition
	requests    map[uint64]types.ApprovalRequest
	summary     types.Summary
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.WorkflowDefinition),
		requests:    make(map[uint64]types.ApprovalRequest),
	}
}

// getItem is a standalone generic helper function. The caller holds the lock.
func getItem[T any](ctx context.Context, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		def.Steps = append([]types.StepDefinition(nil), def.Steps...)
		s.definitions[def.ID] = def
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.definitions, id, ErrDefinitionNotFound)
}

// ListDefinitions returns all definitions ordered by ID.
func (s *MemoryStorage) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowDefinition, 0, len(s.definitions))
		for _, def := range s.definitions {
			out = append(out, def)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// CreateRequest stores a new request.
func (s *MemoryStorage) CreateRequest(ctx context.Context, req types.ApprovalRequest) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.requests[req.ID]; ok {
			return fmt.Errorf("%w: id=%d", ErrRequestExists, req.ID)
		}
		s.requests[req.ID] = req.Clone()
		return nil
	})
}

// UpdateRequest replaces a request if its stored version matches.
func (s *MemoryStorage) UpdateRequest(ctx context.Context, req types.ApprovalRequest, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.requests[req.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrRequestNotFound, req.ID)
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: id=%d stored=%d expected=%d", ErrVersionConflict, req.ID, current.Version, expectedVersion)
		}
		if !current.Status.IsTerminal() && req.Status.IsTerminal() {
			countFinalized(&s.summary, req.Status)
		}
		s.requests[req.ID] = req.Clone()
		return nil
	})
}

// GetRequest retrieves a request from memory.
func (s *MemoryStorage) GetRequest(ctx context.Context, id uint64) (types.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, err := getItem(ctx, s.requests, id, ErrRequestNotFound)
	if err != nil {
		return types.ApprovalRequest{}, err
	}
	return req.Clone(), nil
}

// ListActiveRequests returns non-terminal requests ordered by ID.
func (s *MemoryStorage) ListActiveRequests(ctx context.Context) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ApprovalRequest
		for _, req := range s.requests {
			if !req.Status.IsTerminal() {
				out = append(out, req.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// PurgeFinalized removes terminal requests finalized before the cutoff.
func (s *MemoryStorage) PurgeFinalized(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		purged := 0
		for id, req := range s.requests {
			if req.Status.IsTerminal() && req.FinalizedAt != nil && req.FinalizedAt.Before(before) {
				delete(s.requests, id)
				purged++
			}
		}
		return purged, nil
	})
}

// Summary returns the finalized-request counters.
func (s *MemoryStorage) Summary(ctx context.Context) (types.Summary, error) {
	return withContext(ctx, func() (types.Summary, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.summary, nil
	})
}

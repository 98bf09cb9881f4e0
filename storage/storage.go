package storage

import (
	"context"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	// SaveDefinition inserts or replaces a workflow definition.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a workflow definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)

	// ListDefinitions returns every stored definition, active or not.
	ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error)
}

// RequestStore persists approval requests with optimistic versioning.
type RequestStore interface {
	// CreateRequest stores a new request. The request must carry Version 1.
	CreateRequest(ctx context.Context, req types.ApprovalRequest) error

	// UpdateRequest replaces a request only if the stored version equals
	// expectedVersion; otherwise it returns ErrVersionConflict.
	UpdateRequest(ctx context.Context, req types.ApprovalRequest, expectedVersion uint64) error

	// GetRequest retrieves a request by ID.
	GetRequest(ctx context.Context, id uint64) (types.ApprovalRequest, error)

	// ListActiveRequests returns all non-terminal requests.
	ListActiveRequests(ctx context.Context) ([]types.ApprovalRequest, error)

	// PurgeFinalized deletes terminal requests finalized before the cutoff.
	PurgeFinalized(ctx context.Context, before time.Time) (int, error)

	// Summary returns finalized-request counters. They survive purges.
	Summary(ctx context.Context) (types.Summary, error)
}

// Storage combines both stores.
type Storage interface {
	DefinitionStore
	RequestStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// countFinalized bumps the counter matching a terminal status.
func countFinalized(s *types.Summary, status types.Status) {
	switch status {
	case types.StatusApproved:
		s.Approved++
	case types.StatusRejected:
		s.Rejected++
	case types.StatusCancelled:
		s.Cancelled++
	case types.StatusExpired:
		s.Expired++
	}
}

package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// MemoryStore is an in-process store for approval requests. Commits are
// serialized by a single mutex; version checks give the same conflict
// semantics as the database-backed stores.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*ApprovalRequest
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*ApprovalRequest)}
}

// Create stores a new request at version 1, assigning an id when empty.
func (s *MemoryStore) Create(ctx context.Context, req *ApprovalRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := s.items[req.ID]; exists {
		return errors.Newf(errors.ErrCodeConflict, "approval request %q already exists", req.ID)
	}
	now := time.Now().UTC()
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now
	s.items[req.ID] = req.Clone()
	return nil
}

// Get returns a copy of the stored request.
func (s *MemoryStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.items[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return req.Clone(), nil
}

// Commit applies mutate to a copy of the request if its version still equals
// expectedVersion, then stores the copy at the next version.
func (s *MemoryStore) Commit(ctx context.Context, id string, expectedVersion int64, mutate func(*ApprovalRequest) error) (*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %w", errors.ErrNotApplied, err),
			errors.ErrCodeInternal, "commit cancelled before write")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	if current.Version != expectedVersion {
		return nil, errors.Conflict("approval_request", id)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	s.items[id] = next
	return next.Clone(), nil
}

// ListExpired returns ids of non-terminal requests whose deadline is before
// the given instant, oldest deadline first.
func (s *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*ApprovalRequest
	for _, req := range s.items {
		if !req.Status.Terminal() && req.ExpiresAt.Before(before) {
			due = append(due, req)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })

	ids := make([]string, 0, len(due))
	for _, req := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, req.ID)
	}
	return ids, nil
}

// ListPendingFor returns the active requests whose current level may be acted
// on by approverID, nearest deadline first.
func (s *MemoryStore) ListPendingFor(ctx context.Context, approverID string) ([]*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ApprovalRequest
	for _, req := range s.items {
		if req.CanAct(approverID) {
			out = append(out, req.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *ApprovalRequest) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return out, nil
}

package review

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/trialguard/trialguard/pkg/apperr"
)

type memoryRepo struct {
	mu          sync.RWMutex
	submissions map[uuid.UUID]*Submission
	trail       map[uuid.UUID][]*Transition
}

// NewMemoryRepo returns a Repository that keeps everything in process memory.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		submissions: make(map[uuid.UUID]*Submission),
		trail:       make(map[uuid.UUID][]*Transition),
	}
}

func (r *memoryRepo) Create(_ context.Context, s *Submission, trail ...*Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.submissions[s.ID]; exists {
		return apperr.New(apperr.KindInvalidInput, "submission %s already exists", s.ID)
	}
	r.submissions[s.ID] = s.clone()
	r.appendTrail(s.ID, trail)
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.submissions[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "submission %s not found", id)
	}
	return s.clone(), nil
}

func (r *memoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Submission, int, error) {
	r.mu.RLock()
	var all []*Submission
	for _, s := range r.submissions {
		if f.matches(s) {
			all = append(all, s.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset >= total {
		return []*Submission{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (r *memoryRepo) Update(_ context.Context, s *Submission, expectedVersion int, trail ...*Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.submissions[s.ID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "submission %s not found", s.ID)
	}
	if cur.Version != expectedVersion {
		return apperr.New(apperr.KindConcurrentModification,
			"submission %s is at version %d, not %d", s.ID, cur.Version, expectedVersion)
	}
	r.submissions[s.ID] = s.clone()
	r.appendTrail(s.ID, trail)
	return nil
}

func (r *memoryRepo) appendTrail(id uuid.UUID, trail []*Transition) {
	for _, t := range trail {
		cp := *t
		r.trail[id] = append(r.trail[id], &cp)
	}
}

func (r *memoryRepo) History(_ context.Context, id uuid.UUID) ([]*Transition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.submissions[id]; !ok {
		return nil, apperr.New(apperr.KindNotFound, "submission %s not found", id)
	}
	out := make([]*Transition, 0, len(r.trail[id]))
	for _, t := range r.trail[id] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

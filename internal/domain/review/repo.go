package review

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists submissions and their audit trail. Update is a
// compare-and-swap: it fails with ConcurrentModification unless the stored
// version equals expectedVersion, and appends trail in the same write.
type Repository interface {
	Create(ctx context.Context, s *Submission, trail ...*Transition) error
	Get(ctx context.Context, id uuid.UUID) (*Submission, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Submission, int, error)
	Update(ctx context.Context, s *Submission, expectedVersion int, trail ...*Transition) error
	History(ctx context.Context, id uuid.UUID) ([]*Transition, error)
}

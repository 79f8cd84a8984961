package anchoring

import (
	"context"
	"sort"
	"sync"

	"github.com/trialguard/trialguard/pkg/apperr"
)

// ReceiptStore is the local receipt cache keyed by content hash. Get returns
// an apperr not-found error for unknown hashes.
type ReceiptStore interface {
	Get(ctx context.Context, contentHash string) (*Receipt, error)
	Put(ctx context.Context, r *Receipt) error
	ListPending(ctx context.Context, limit int) ([]*Receipt, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]*Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]*Receipt)}
}

func (s *MemoryStore) Get(_ context.Context, contentHash string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[contentHash]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "no receipt for %s", contentHash)
	}
	return r.clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[r.ContentHash] = r.clone()
	return nil
}

// ListPending returns pending receipts, oldest submission first.
func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*Receipt, error) {
	s.mu.RLock()
	var out []*Receipt
	for _, r := range s.receipts {
		if r.Status == StatusPending {
			out = append(out, r.clone())
		}
	}
	s.mu.RUnlock()
	sortPending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortPending(rs []*Receipt) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].SubmittedAt.Equal(rs[j].SubmittedAt) {
			return rs[i].SubmittedAt.Before(rs[j].SubmittedAt)
		}
		return rs[i].ContentHash < rs[j].ContentHash
	})
}

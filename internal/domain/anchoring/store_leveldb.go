package anchoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/trialguard/trialguard/pkg/apperr"
)

const (
	receiptPrefix = "receipt:"
	pendingPrefix = "pending:"
)

// LevelDBStore keeps receipts on local disk so a restarted node does not
// re-submit hashes it already anchored. A "pending:" index lets the watcher
// find unconfirmed receipts without a full scan.
type LevelDBStore struct {
	db *leveldb.DB
}

func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open receipt cache %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func OpenMemoryLevelDBStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error { return s.db.Close() }

func (s *LevelDBStore) Get(_ context.Context, contentHash string) (*Receipt, error) {
	data, err := s.db.Get([]byte(receiptPrefix+contentHash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "no receipt for %s", contentHash)
	}
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

func (s *LevelDBStore) Put(_ context.Context, r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(receiptPrefix+r.ContentHash), data)
	if r.Status == StatusPending {
		batch.Put([]byte(pendingPrefix+r.ContentHash), nil)
	} else {
		batch.Delete([]byte(pendingPrefix + r.ContentHash))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	return nil
}

func (s *LevelDBStore) ListPending(ctx context.Context, limit int) ([]*Receipt, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(pendingPrefix)), nil)
	defer iter.Release()

	var out []*Receipt
	for iter.Next() {
		hash := string(iter.Key()[len(pendingPrefix):])
		r, err := s.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan pending receipts: %w", err)
	}
	sortPending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Package chain is an embedded, LevelDB-backed hash chain that implements
// ledger.Ledger. Accepted entries wait in a pending pool until a block
// producer seals them into a block linked to its predecessor by hash and
// committing to its entries through a merkle root.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/trialguard/trialguard/internal/platform/ledger"
)

const (
	keyTip        = "meta:tip"
	prefixBlock   = "block:"
	prefixTx      = "tx:"
	prefixIndex   = "idx:"
	prefixPending = "pending:"

	zeroHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Block is a sealed batch of transactions.
type Block struct {
	Height     int64     `json:"height"`
	PrevHash   string    `json:"prev_hash"`
	Timestamp  time.Time `json:"timestamp"`
	MerkleRoot string    `json:"merkle_root"`
	TxIDs      []string  `json:"tx_ids"`
	Hash       string    `json:"hash"`
}

func (b Block) computeHash() string {
	hdr := struct {
		Height     int64  `json:"height"`
		PrevHash   string `json:"prev_hash"`
		Timestamp  string `json:"timestamp"`
		MerkleRoot string `json:"merkle_root"`
	}{b.Height, b.PrevHash, b.Timestamp.UTC().Format(time.RFC3339Nano), b.MerkleRoot}
	data, _ := json.Marshal(hdr)
	return sha256Hex(data)
}

func genesisBlock() Block {
	b := Block{
		Height:     0,
		PrevHash:   zeroHash,
		Timestamp:  time.Unix(0, 0).UTC(),
		MerkleRoot: MerkleRoot(nil),
		TxIDs:      []string{},
	}
	b.Hash = b.computeHash()
	return b
}

type tx struct {
	ID          string            `json:"id"`
	ContentHash string            `json:"content_hash"`
	TxType      string            `json:"tx_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	AcceptedAt  time.Time         `json:"accepted_at"`
	Height      int64             `json:"height"`
}

func txID(e ledger.Entry) string {
	data, _ := json.Marshal(struct {
		ContentHash string            `json:"content_hash"`
		TxType      string            `json:"tx_type"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}{e.ContentHash, e.TxType, e.Metadata})
	return sha256Hex(data)
}

type Option func(*Chain)

func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Chain) { c.log = l }
}

// WithMaxBlockEntries caps the number of transactions sealed per block.
func WithMaxBlockEntries(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.maxPerBlock = n
		}
	}
}

type Chain struct {
	db          *leveldb.DB
	mu          sync.RWMutex
	tip         Block
	pending     []string // pending keys in acceptance order
	seq         int64
	now         func() time.Time
	log         zerolog.Logger
	maxPerBlock int
}

var _ ledger.Ledger = (*Chain)(nil)

// Open opens or creates a chain stored at path.
func Open(path string, opts ...Option) (*Chain, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger store %s: %w", path, err)
	}
	c, err := newChain(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// OpenMemory opens a chain backed by in-memory LevelDB storage.
func OpenMemory(opts ...Option) (*Chain, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory ledger store: %w", err)
	}
	return newChain(db, opts...)
}

func newChain(db *leveldb.DB, opts ...Option) (*Chain, error) {
	c := &Chain{db: db, now: time.Now, log: zerolog.Nop(), maxPerBlock: 500}
	for _, o := range opts {
		o(c)
	}

	raw, err := db.Get([]byte(keyTip), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		g := genesisBlock()
		if err := c.writeBlock(new(leveldb.Batch), g, nil); err != nil {
			return nil, fmt.Errorf("write genesis block: %w", err)
		}
		c.tip = g
	case err != nil:
		return nil, fmt.Errorf("read chain tip: %w", err)
	default:
		height, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt chain tip %q: %w", raw, err)
		}
		tip, err := c.block(height)
		if err != nil {
			return nil, fmt.Errorf("load tip block %d: %w", height, err)
		}
		c.tip = tip
	}

	iter := db.NewIterator(util.BytesPrefix([]byte(prefixPending)), nil)
	for iter.Next() {
		c.pending = append(c.pending, string(iter.Key()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("load pending pool: %w", err)
	}
	c.seq = int64(len(c.pending))
	if n := len(c.pending); n > 0 {
		last := strings.SplitN(strings.TrimPrefix(c.pending[n-1], prefixPending), ":", 2)[0]
		if v, err := strconv.ParseInt(last, 10, 64); err == nil {
			c.seq = v + 1
		}
	}
	return c, nil
}

func (c *Chain) Close() error {
	return c.db.Close()
}

// Submit accepts an entry into the pending pool. Re-submitting a known
// content hash returns the existing record.
func (c *Chain) Submit(ctx context.Context, e ledger.Entry) (*ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validHash(e.ContentHash) {
		return nil, fmt.Errorf("%w: content hash must be 64 lowercase hex characters", ledger.ErrInvalidEntry)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.txByHash(e.ContentHash)
	if err == nil {
		return c.record(existing)
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	t := tx{
		ID:          txID(e),
		ContentHash: e.ContentHash,
		TxType:      e.TxType,
		Metadata:    e.Metadata,
		AcceptedAt:  c.now().UTC(),
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	pendingKey := fmt.Sprintf("%s%020d:%s", prefixPending, c.seq, t.ID)

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixTx+t.ID), data)
	batch.Put([]byte(prefixIndex+t.ContentHash), []byte(t.ID))
	batch.Put([]byte(pendingKey), []byte(t.ID))
	if err := c.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("%w: write transaction: %v", ledger.ErrUnavailable, err)
	}
	c.seq++
	c.pending = append(c.pending, pendingKey)

	c.log.Debug().Str("tx_id", t.ID).Str("content_hash", t.ContentHash).Msg("entry accepted")
	return c.record(t)
}

func (c *Chain) Lookup(ctx context.Context, contentHash string) (*ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, err := c.txByHash(contentHash)
	if err != nil {
		return nil, err
	}
	return c.record(t)
}

func (c *Chain) Transaction(ctx context.Context, id string) (*ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, err := c.tx(id)
	if err != nil {
		return nil, err
	}
	return c.record(t)
}

// Seal moves up to the configured number of pending transactions into a new
// block. A block is produced even when nothing is pending so confirmations
// keep accruing.
func (c *Chain) Seal() (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := min(len(c.pending), c.maxPerBlock)
	keys := c.pending[:n]
	ids := make([]string, 0, n)
	txs := make([]tx, 0, n)
	for _, k := range keys {
		id := k[strings.LastIndex(k, ":")+1:]
		t, err := c.tx(id)
		if err != nil {
			return Block{}, fmt.Errorf("load pending transaction %s: %w", id, err)
		}
		ids = append(ids, id)
		txs = append(txs, t)
	}

	b := Block{
		Height:     c.tip.Height + 1,
		PrevHash:   c.tip.Hash,
		Timestamp:  c.now().UTC(),
		MerkleRoot: MerkleRoot(ids),
		TxIDs:      ids,
	}
	b.Hash = b.computeHash()

	batch := new(leveldb.Batch)
	for i := range txs {
		txs[i].Height = b.Height
		data, err := json.Marshal(txs[i])
		if err != nil {
			return Block{}, fmt.Errorf("encode transaction: %w", err)
		}
		batch.Put([]byte(prefixTx+txs[i].ID), data)
	}
	if err := c.writeBlock(batch, b, keys); err != nil {
		return Block{}, err
	}

	c.tip = b
	c.pending = c.pending[n:]
	c.log.Debug().Int64("height", b.Height).Int("entries", n).Str("merkle_root", b.MerkleRoot).Msg("block sealed")
	return b, nil
}

// Run seals a block every interval until ctx is done.
func (c *Chain) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Seal(); err != nil {
				c.log.Error().Err(err).Msg("seal block")
			}
		}
	}
}

func (c *Chain) Tip() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

func (c *Chain) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Verify walks the chain from genesis and checks hash links, block hashes
// and merkle roots.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prev, err := c.block(0)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	if prev.Hash != genesisBlock().Hash {
		return fmt.Errorf("genesis block hash mismatch")
	}
	for h := int64(1); h <= c.tip.Height; h++ {
		b, err := c.block(h)
		if err != nil {
			return fmt.Errorf("load block %d: %w", h, err)
		}
		if b.PrevHash != prev.Hash {
			return fmt.Errorf("block %d does not link to block %d", h, h-1)
		}
		if b.Hash != b.computeHash() {
			return fmt.Errorf("block %d hash mismatch", h)
		}
		if b.MerkleRoot != MerkleRoot(b.TxIDs) {
			return fmt.Errorf("block %d merkle root mismatch", h)
		}
		prev = b
	}
	return nil
}

func (c *Chain) writeBlock(batch *leveldb.Batch, b Block, clearPending []string) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	batch.Put([]byte(blockKey(b.Height)), data)
	batch.Put([]byte(keyTip), []byte(strconv.FormatInt(b.Height, 10)))
	for _, k := range clearPending {
		batch.Delete([]byte(k))
	}
	if err := c.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write block %d: %w", b.Height, err)
	}
	return nil
}

func (c *Chain) block(height int64) (Block, error) {
	var b Block
	data, err := c.db.Get([]byte(blockKey(height)), nil)
	if err != nil {
		return b, err
	}
	err = json.Unmarshal(data, &b)
	return b, err
}

func (c *Chain) tx(id string) (tx, error) {
	var t tx
	data, err := c.db.Get([]byte(prefixTx+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return t, ledger.ErrNotFound
	}
	if err != nil {
		return t, err
	}
	err = json.Unmarshal(data, &t)
	return t, err
}

func (c *Chain) txByHash(contentHash string) (tx, error) {
	id, err := c.db.Get([]byte(prefixIndex+contentHash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return tx{}, ledger.ErrNotFound
	}
	if err != nil {
		return tx{}, err
	}
	return c.tx(string(id))
}

// record must be called with c.mu held.
func (c *Chain) record(t tx) (*ledger.Record, error) {
	rec := &ledger.Record{
		TransactionID: t.ID,
		ContentHash:   t.ContentHash,
		TxType:        t.TxType,
		BlockHeight:   t.Height,
		AcceptedAt:    t.AcceptedAt,
	}
	if t.Height == 0 {
		return rec, nil
	}
	b, err := c.block(t.Height)
	if err != nil {
		return nil, fmt.Errorf("load block %d: %w", t.Height, err)
	}
	ts := b.Timestamp
	rec.BlockHash = b.Hash
	rec.BlockTime = &ts
	rec.Confirmations = int(c.tip.Height-t.Height) + 1
	return rec, nil
}

func blockKey(height int64) string {
	return fmt.Sprintf("%s%020d", prefixBlock, height)
}

func validHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

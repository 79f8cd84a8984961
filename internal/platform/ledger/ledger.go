// Package ledger defines the append-only ledger that content hashes are
// anchored on. Implementations live in the chain (embedded) and remote
// (HTTP client) subpackages.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrInvalidEntry is returned for entries the ledger will never accept.
	ErrInvalidEntry = errors.New("ledger: invalid entry")
	// ErrUnavailable covers congestion, rejection under load and unreachable
	// nodes where the entry is known not to have been written.
	ErrUnavailable = errors.New("ledger: unavailable")
)

// AmbiguousError wraps a failure after which the entry may or may not have
// been written, such as a timeout waiting for the node's reply.
type AmbiguousError struct {
	Err error
}

func (e *AmbiguousError) Error() string { return fmt.Sprintf("ledger: outcome unknown: %v", e.Err) }
func (e *AmbiguousError) Unwrap() error { return e.Err }

// IsAmbiguous reports whether err leaves the write outcome unknown.
func IsAmbiguous(err error) bool {
	var amb *AmbiguousError
	if errors.As(err, &amb) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Entry is what gets written: the content hash plus free-form metadata.
type Entry struct {
	ContentHash string            `json:"content_hash"`
	TxType      string            `json:"tx_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Record describes an entry as the ledger currently sees it. BlockHeight is
// zero while the entry waits to be sealed.
type Record struct {
	TransactionID string     `json:"transaction_id"`
	ContentHash   string     `json:"content_hash"`
	TxType        string     `json:"tx_type"`
	BlockHeight   int64      `json:"block_height"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockTime     *time.Time `json:"block_time,omitempty"`
	Confirmations int        `json:"confirmations"`
	AcceptedAt    time.Time  `json:"accepted_at"`
}

// BlockReference returns "<height>:<block hash>" once sealed.
func (r Record) BlockReference() string {
	if r.BlockHeight == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%s", r.BlockHeight, r.BlockHash)
}

// Ledger is the client-side view of an anchoring ledger. Submit is
// idempotent per content hash: submitting a hash that is already recorded
// returns the existing record.
type Ledger interface {
	Submit(ctx context.Context, e Entry) (*Record, error)
	Lookup(ctx context.Context, contentHash string) (*Record, error)
	Transaction(ctx context.Context, txID string) (*Record, error)
}

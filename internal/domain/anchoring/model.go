// Package anchoring records content hashes on the ledger and tracks their
// confirmation.
package anchoring

import (
	"time"

	"github.com/trialguard/trialguard/internal/platform/ledger"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusConfirmed   Status = "confirmed"
	StatusUnavailable Status = "unavailable"
)

const DefaultTxType = "submission"

// Metadata travels with the ledger entry. Only TxType is interpreted.
type Metadata struct {
	TxType       string `json:"tx_type"`
	TrialID      string `json:"trial_id,omitempty"`
	HospitalID   string `json:"hospital_id,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
	HashVersion  string `json:"hash_version,omitempty"`
}

func (m Metadata) entry(contentHash string) ledger.Entry {
	kv := map[string]string{}
	for k, v := range map[string]string{
		"trial_id":      m.TrialID,
		"hospital_id":   m.HospitalID,
		"submission_id": m.SubmissionID,
		"hash_version":  m.HashVersion,
	} {
		if v != "" {
			kv[k] = v
		}
	}
	return ledger.Entry{ContentHash: contentHash, TxType: m.TxType, Metadata: kv}
}

// Receipt is the local record of an anchoring. An unavailable receipt has no
// transaction id and may be re-anchored.
type Receipt struct {
	ContentHash       string     `json:"content_hash"`
	TransactionID     string     `json:"transaction_id,omitempty"`
	BlockReference    string     `json:"block_reference,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at"`
	ConfirmationCount int        `json:"confirmation_count"`
	Status            Status     `json:"status"`
	Metadata          Metadata   `json:"metadata"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"last_error,omitempty"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (r *Receipt) Confirmed() bool { return r != nil && r.Status == StatusConfirmed }

func (r *Receipt) clone() *Receipt {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// apply copies the ledger's view onto the receipt and reports whether it
// just became confirmed.
func (r *Receipt) apply(rec *ledger.Record, minConfirmations int, now time.Time) bool {
	wasConfirmed := r.Status == StatusConfirmed
	r.TransactionID = rec.TransactionID
	r.BlockReference = rec.BlockReference()
	r.ConfirmationCount = rec.Confirmations
	r.LastError = ""
	r.UpdatedAt = now
	if rec.Confirmations >= minConfirmations && rec.BlockHeight > 0 {
		r.Status = StatusConfirmed
		if r.ConfirmedAt == nil {
			at := now
			if rec.BlockTime != nil {
				at = rec.BlockTime.UTC()
			}
			r.ConfirmedAt = &at
		}
	} else {
		r.Status = StatusPending
	}
	return !wasConfirmed && r.Status == StatusConfirmed
}

// Package review tracks a hospital submission from record collection through
// regulator disposition.
package review

import (
	"time"

	"github.com/google/uuid"

	"github.com/trialguard/trialguard/internal/domain/anchoring"
	"github.com/trialguard/trialguard/internal/domain/scoring"
)

type State string

const (
	StateCollecting    State = "collecting"
	StateReady         State = "ready_for_submission"
	StatePendingReview State = "pending_review"
	StateFlagged       State = "flagged_for_review"
	StateApproved      State = "approved"
	StateRejected      State = "rejected"
)

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected
}

const (
	RoleHospital  = "hospital"
	RoleSponsor   = "sponsor"
	RoleRegulator = "regulator"
	// RoleSystem marks transitions fired by the state machine itself.
	RoleSystem = "system"
)

// Actor is the identity behind a call. Role is the single claim the caller
// acts under.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

var systemActor = Actor{ID: "system", Role: RoleSystem}

type Verification string

const (
	Verified            Verification = "verified"
	PendingVerification Verification = "pending_verification"
	Unverifiable        Verification = "unavailable"
)

type Submission struct {
	ID               uuid.UUID `json:"id"`
	TrialID          string    `json:"trial_id"`
	HospitalID       string    `json:"hospital_id"`
	State            State     `json:"state"`
	TargetSampleSize int       `json:"target_sample_size"`
	CurrentRecords   int       `json:"current_records"`
	// OverCollected is set while more records were collected than targeted.
	OverCollected bool                    `json:"over_collected"`
	Records       []scoring.PatientRecord `json:"-"`

	ContentHash   string                        `json:"content_hash,omitempty"`
	HashVersion   string                        `json:"hash_version,omitempty"`
	Summary       *scoring.HospitalBatchSummary `json:"summary,omitempty"`
	Verdicts      []scoring.PatientVerdict      `json:"verdicts,omitempty"`
	SummaryRef    string                        `json:"summary_ref,omitempty"`
	AnchorStatus  anchoring.Status              `json:"anchor_status,omitempty"`
	TransactionID string                        `json:"transaction_id,omitempty"`

	Version   int       `json:"version"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Submission) clone() *Submission {
	cp := *s
	cp.Records = append([]scoring.PatientRecord(nil), s.Records...)
	cp.Verdicts = append([]scoring.PatientVerdict(nil), s.Verdicts...)
	if s.Summary != nil {
		sum := *s.Summary
		cp.Summary = &sum
	}
	return &cp
}

func (s *Submission) evidence() Evidence {
	e := Evidence{
		SummaryRef:    s.SummaryRef,
		ContentHash:   s.ContentHash,
		TransactionID: s.TransactionID,
		AnchorStatus:  s.AnchorStatus,
	}
	if s.Summary != nil {
		pct := s.Summary.AnomalyPercentage
		e.AnomalyPercentage = &pct
	}
	return e
}

// Evidence is what a transition was based on.
type Evidence struct {
	SummaryRef        string           `json:"summary_ref,omitempty"`
	ContentHash       string           `json:"content_hash,omitempty"`
	TransactionID     string           `json:"transaction_id,omitempty"`
	AnchorStatus      anchoring.Status `json:"anchor_status,omitempty"`
	AnomalyPercentage *float64         `json:"anomaly_percentage,omitempty"`
}

// Transition is one append-only audit entry. Version is the submission
// version the transition produced.
type Transition struct {
	ID           uuid.UUID `json:"id"`
	SubmissionID uuid.UUID `json:"submission_id"`
	From         State     `json:"from"`
	To           State     `json:"to"`
	ActorID      string    `json:"actor_id"`
	ActorRole    string    `json:"actor_role"`
	Reason       string    `json:"reason,omitempty"`
	Evidence     Evidence  `json:"evidence"`
	Version      int       `json:"version"`
	At           time.Time `json:"at"`
}

// View is the read model: the stored submission plus the live receipt.
type View struct {
	*Submission
	Receipt      *anchoring.Receipt `json:"receipt,omitempty"`
	Verification Verification       `json:"verification,omitempty"`
}

type ListFilter struct {
	State      State
	TrialID    string
	HospitalID string
}

func (f ListFilter) matches(s *Submission) bool {
	return (f.State == "" || s.State == f.State) &&
		(f.TrialID == "" || s.TrialID == f.TrialID) &&
		(f.HospitalID == "" || s.HospitalID == f.HospitalID)
}

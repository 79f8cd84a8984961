package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/trialguard/trialguard/internal/domain/anchoring"
	"github.com/trialguard/trialguard/internal/domain/hashing"
	"github.com/trialguard/trialguard/internal/domain/scoring"
	"github.com/trialguard/trialguard/internal/platform/events"
	"github.com/trialguard/trialguard/pkg/apperr"
)

// Anchorer is the part of the anchoring service the review workflow needs.
type Anchorer interface {
	Anchor(ctx context.Context, contentHash string, meta anchoring.Metadata) (*anchoring.Receipt, error)
	Verify(ctx context.Context, contentHash string) (*anchoring.Receipt, error)
}

type Config struct {
	// FlagAnomalyPercent is the anomaly percentage above which a submission
	// entering review is flagged automatically.
	FlagAnomalyPercent float64
}

func DefaultConfig() Config {
	return Config{FlagAnomalyPercent: 5}
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	repo      Repository
	scorer    *scoring.Scorer
	hasher    *hashing.Hasher
	anchors   Anchorer
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
	cfg       Config
	locks     *keyedMutex
}

func NewService(repo Repository, scorer *scoring.Scorer, hasher *hashing.Hasher, anchors Anchorer, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		scorer:    scorer,
		hasher:    hasher,
		anchors:   anchors,
		publisher: events.Discard{},
		logger:    zerolog.Nop(),
		now:       time.Now,
		cfg:       cfg,
		locks:     newKeyedMutex(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateInput struct {
	TrialID          string `json:"trial_id"`
	HospitalID       string `json:"hospital_id"`
	TargetSampleSize int    `json:"target_sample_size"`
}

func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*Submission, error) {
	if err := requireRole(actor, RoleHospital, RoleSponsor); err != nil {
		return nil, err
	}
	trial := strings.TrimSpace(in.TrialID)
	hospital := strings.TrimSpace(in.HospitalID)
	if trial == "" || hospital == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "trial_id and hospital_id are required")
	}
	if in.TargetSampleSize <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "target_sample_size must be positive")
	}
	now := s.now().UTC()
	sub := &Submission{
		ID:               uuid.New(),
		TrialID:          trial,
		HospitalID:       hospital,
		State:            StateCollecting,
		TargetSampleSize: in.TargetSampleSize,
		Version:          1,
		CreatedBy:        actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info().Str("submission_id", sub.ID.String()).Str("trial_id", trial).
		Str("hospital_id", hospital).Int("target", sub.TargetSampleSize).Msg("submission created")
	return sub, nil
}

// AddRecordsResult reports over-collection without failing the call.
type AddRecordsResult struct {
	Submission      *Submission `json:"submission"`
	OverCollectedBy int         `json:"over_collected_by,omitempty"`
}

// AddRecords appends records to a collecting submission and moves it to
// ready_for_submission when the count equals the target exactly.
func (s *Service) AddRecords(ctx context.Context, actor Actor, id uuid.UUID, records []scoring.PatientRecord) (*AddRecordsResult, error) {
	if err := requireRole(actor, RoleHospital, RoleSponsor); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "no records given")
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(sub, StateCollecting); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(sub.Records)+len(records))
	for _, r := range sub.Records {
		seen[r.PatientID] = struct{}{}
	}
	for i, r := range records {
		pid := strings.TrimSpace(r.PatientID)
		if pid == "" {
			return nil, apperr.New(apperr.KindInvalidInput, "record %d has no patient_id", i)
		}
		if _, dup := seen[pid]; dup {
			return nil, apperr.New(apperr.KindInvalidInput, "duplicate patient_id %q", pid)
		}
		seen[pid] = struct{}{}
	}

	next := sub.clone()
	next.Records = append(next.Records, records...)
	next.CurrentRecords = len(next.Records)
	return s.recount(ctx, actor, sub, next)
}

// SetTargetSampleSize changes the target of a collecting submission and
// re-evaluates readiness.
func (s *Service) SetTargetSampleSize(ctx context.Context, actor Actor, id uuid.UUID, target int) (*AddRecordsResult, error) {
	if err := requireRole(actor, RoleHospital, RoleSponsor); err != nil {
		return nil, err
	}
	if target <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "target_sample_size must be positive")
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(sub, StateCollecting); err != nil {
		return nil, err
	}
	next := sub.clone()
	next.TargetSampleSize = target
	return s.recount(ctx, actor, sub, next)
}

func (s *Service) recount(ctx context.Context, actor Actor, cur, next *Submission) (*AddRecordsResult, error) {
	res := &AddRecordsResult{}
	next.OverCollected = next.CurrentRecords > next.TargetSampleSize
	if next.OverCollected {
		res.OverCollectedBy = next.CurrentRecords - next.TargetSampleSize
		s.logger.Warn().Str("submission_id", next.ID.String()).Int("records", next.CurrentRecords).
			Int("target", next.TargetSampleSize).Msg("submission over-collected")
	}
	var trail []*Transition
	if next.CurrentRecords == next.TargetSampleSize {
		trail = append(trail, s.move(next, StateReady, actor, "target sample size reached"))
	} else {
		s.touch(next)
	}
	if err := s.repo.Update(ctx, next, cur.Version, trail...); err != nil {
		return nil, err
	}
	s.announce(ctx, trail)
	res.Submission = next
	return res, nil
}

// Submit hashes and scores the collected records in parallel, anchors the
// hash and moves the submission into review. The auto-flag rule runs as soon
// as it enters pending_review. An anchoring failure after the retry budget
// is recorded on the submission rather than returned.
func (s *Service) Submit(ctx context.Context, actor Actor, id uuid.UUID) (*Submission, error) {
	if err := requireRole(actor, RoleHospital, RoleSponsor); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(sub, StateReady); err != nil {
		return nil, err
	}

	var (
		contentHash string
		result      *scoring.BatchResult
	)
	var g errgroup.Group
	g.Go(func() error {
		h, err := s.hasher.CanonicalHash(hashing.Payload{
			TrialID:    sub.TrialID,
			HospitalID: sub.HospitalID,
			Records:    sub.Records,
		})
		contentHash = h
		return err
	})
	g.Go(func() error {
		r, err := s.scorer.Score(sub.HospitalID, sub.Records)
		result = r
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	summaryRef, err := s.hasher.Digest(result.Summary)
	if err != nil {
		return nil, err
	}

	receipt, err := s.anchors.Anchor(ctx, contentHash, anchoring.Metadata{
		TxType:       anchoring.DefaultTxType,
		TrialID:      sub.TrialID,
		HospitalID:   sub.HospitalID,
		SubmissionID: sub.ID.String(),
		HashVersion:  s.hasher.Version(),
	})
	if err != nil && !(errors.Is(err, apperr.ErrAnchorUnavailable) && receipt != nil) {
		return nil, err
	}

	next := sub.clone()
	next.ContentHash = contentHash
	next.HashVersion = s.hasher.Version()
	summary := result.Summary
	next.Summary = &summary
	next.Verdicts = result.Verdicts
	next.SummaryRef = summaryRef
	next.AnchorStatus = receipt.Status
	next.TransactionID = receipt.TransactionID

	trail := []*Transition{s.move(next, StatePendingReview, actor, "batch scored and anchor submitted")}
	if err := s.repo.Update(ctx, next, sub.Version, trail...); err != nil {
		return nil, err
	}
	s.announce(ctx, trail)

	if reason := s.autoFlagReason(next); reason != "" {
		cur := next.clone()
		flag := s.move(next, StateFlagged, systemActor, reason)
		if err := s.repo.Update(ctx, next, cur.Version, flag); err != nil {
			return nil, err
		}
		s.announce(ctx, []*Transition{flag})
	}
	return next, nil
}

func (s *Service) autoFlagReason(sub *Submission) string {
	switch {
	case sub.AnchorStatus == anchoring.StatusUnavailable:
		return "anchor unavailable"
	case sub.Summary != nil && sub.Summary.AnomalyPercentage > s.cfg.FlagAnomalyPercent:
		return fmt.Sprintf("anomaly percentage %.1f exceeds %.1f", sub.Summary.AnomalyPercentage, s.cfg.FlagAnomalyPercent)
	}
	return ""
}

// Reanchor retries anchoring for a submission whose anchor was recorded as
// unavailable. The state does not change; the attempt is still audited.
func (s *Service) Reanchor(ctx context.Context, actor Actor, id uuid.UUID) (*Submission, error) {
	if err := requireRole(actor, RoleHospital, RoleSponsor, RoleRegulator); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireState(sub, StatePendingReview, StateFlagged); err != nil {
		return nil, err
	}
	if sub.AnchorStatus != anchoring.StatusUnavailable {
		return nil, apperr.New(apperr.KindInvalidTransition, "submission %s anchor is %s", sub.ID, sub.AnchorStatus)
	}

	receipt, err := s.anchors.Anchor(ctx, sub.ContentHash, anchoring.Metadata{
		TxType:       anchoring.DefaultTxType,
		TrialID:      sub.TrialID,
		HospitalID:   sub.HospitalID,
		SubmissionID: sub.ID.String(),
		HashVersion:  sub.HashVersion,
	})
	if err != nil {
		return nil, err
	}
	next := sub.clone()
	next.AnchorStatus = receipt.Status
	next.TransactionID = receipt.TransactionID
	entry := s.move(next, sub.State, actor, "re-anchored")
	if err := s.repo.Update(ctx, next, sub.Version, entry); err != nil {
		return nil, err
	}
	s.announce(ctx, []*Transition{entry})
	return next, nil
}

// Decision is a regulator action against a known submission version.
type Decision struct {
	ExpectedVersion int    `json:"expected_version"`
	Reason          string `json:"reason"`
}

func (s *Service) Flag(ctx context.Context, actor Actor, id uuid.UUID, d Decision) (*Submission, error) {
	return s.decide(ctx, actor, id, d, StateFlagged)
}

// Approve requires a confirmed anchor receipt, refreshed from the ledger at
// decision time.
func (s *Service) Approve(ctx context.Context, actor Actor, id uuid.UUID, d Decision) (*Submission, error) {
	return s.decide(ctx, actor, id, d, StateApproved)
}

func (s *Service) Reject(ctx context.Context, actor Actor, id uuid.UUID, d Decision) (*Submission, error) {
	return s.decide(ctx, actor, id, d, StateRejected)
}

func (s *Service) decide(ctx context.Context, actor Actor, id uuid.UUID, d Decision, to State) (*Submission, error) {
	if err := requireRole(actor, RoleRegulator); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Version != d.ExpectedVersion {
		return nil, apperr.New(apperr.KindConcurrentModification,
			"submission %s is at version %d, not %d", sub.ID, sub.Version, d.ExpectedVersion)
	}
	if err := checkTransition(sub.State, to); err != nil {
		return nil, err
	}

	next := sub.clone()
	if to.Terminal() {
		receipt, err := s.confirmedReceipt(ctx, sub)
		if err != nil {
			return nil, err
		}
		next.AnchorStatus = receipt.Status
		next.TransactionID = receipt.TransactionID
	}
	entry := s.move(next, to, actor, d.Reason)
	if err := s.repo.Update(ctx, next, sub.Version, entry); err != nil {
		return nil, err
	}
	s.announce(ctx, []*Transition{entry})
	return next, nil
}

func (s *Service) confirmedReceipt(ctx context.Context, sub *Submission) (*anchoring.Receipt, error) {
	if sub.ContentHash == "" {
		return nil, apperr.New(apperr.KindAnchorNotConfirmed, "submission %s was never anchored", sub.ID)
	}
	receipt, err := s.anchors.Verify(ctx, sub.ContentHash)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAnchorNotConfirmed, err, "anchor for %s could not be verified", sub.ID)
	}
	if !receipt.Confirmed() {
		return nil, apperr.New(apperr.KindAnchorNotConfirmed,
			"anchor for %s is %s with %d confirmations", sub.ID, receipt.Status, receipt.ConfirmationCount)
	}
	return receipt, nil
}

// Get returns the submission with its live receipt. A receipt that cannot be
// read does not fail the call; the view reports pending verification.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{Submission: sub}
	if sub.ContentHash == "" {
		return v, nil
	}
	receipt, err := s.anchors.Verify(ctx, sub.ContentHash)
	if err != nil {
		s.logger.Debug().Err(err).Str("submission_id", sub.ID.String()).Msg("receipt unavailable for view")
		if sub.AnchorStatus == anchoring.StatusUnavailable {
			v.Verification = Unverifiable
		} else {
			v.Verification = PendingVerification
		}
		return v, nil
	}
	v.Receipt = receipt
	switch receipt.Status {
	case anchoring.StatusConfirmed:
		v.Verification = Verified
	case anchoring.StatusUnavailable:
		v.Verification = Unverifiable
	default:
		v.Verification = PendingVerification
	}
	return v, nil
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Submission, int, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, 0, apperr.New(apperr.KindInvalidInput, "unknown state %q", f.State)
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*Transition, error) {
	return s.repo.History(ctx, id)
}

// move applies a transition to sub in place, bumping its version, and returns
// the audit entry describing it.
func (s *Service) move(sub *Submission, to State, actor Actor, reason string) *Transition {
	from := sub.State
	sub.State = to
	s.touch(sub)
	return &Transition{
		ID:           uuid.New(),
		SubmissionID: sub.ID,
		From:         from,
		To:           to,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Reason:       reason,
		Evidence:     sub.evidence(),
		Version:      sub.Version,
		At:           sub.UpdatedAt,
	}
}

func (s *Service) touch(sub *Submission) {
	sub.Version++
	sub.UpdatedAt = s.now().UTC()
}

func (s *Service) announce(ctx context.Context, trail []*Transition) {
	for _, t := range trail {
		s.logger.Info().Str("submission_id", t.SubmissionID.String()).Str("from", string(t.From)).
			Str("to", string(t.To)).Str("actor", t.ActorID).Str("role", t.ActorRole).
			Int("version", t.Version).Msg("submission transition")
		e, err := events.New(events.TypeSubmissionTransitioned, t.SubmissionID.String(), t, t.At)
		if err == nil {
			err = s.publisher.Publish(context.WithoutCancel(ctx), e)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("submission_id", t.SubmissionID.String()).Msg("publish transition event")
		}
	}
}

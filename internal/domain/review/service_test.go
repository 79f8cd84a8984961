package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trialguard/trialguard/internal/domain/anchoring"
	"github.com/trialguard/trialguard/internal/domain/hashing"
	"github.com/trialguard/trialguard/internal/domain/scoring"
	"github.com/trialguard/trialguard/internal/platform/events"
	"github.com/trialguard/trialguard/internal/platform/ledger"
	"github.com/trialguard/trialguard/internal/platform/ledger/chain"
	"github.com/trialguard/trialguard/pkg/apperr"
)

var (
	hospital  = Actor{ID: "hosp-user", Role: RoleHospital}
	regulator = Actor{ID: "reg-user", Role: RoleRegulator}
)

// switchableLedger fails every call with ErrUnavailable while down.
type switchableLedger struct {
	ledger.Ledger
	down atomic.Bool
}

func (l *switchableLedger) Submit(ctx context.Context, e ledger.Entry) (*ledger.Record, error) {
	if l.down.Load() {
		return nil, ledger.ErrUnavailable
	}
	return l.Ledger.Submit(ctx, e)
}

func (l *switchableLedger) Lookup(ctx context.Context, h string) (*ledger.Record, error) {
	if l.down.Load() {
		return nil, ledger.ErrUnavailable
	}
	return l.Ledger.Lookup(ctx, h)
}

type fixture struct {
	svc    *Service
	chain  *chain.Chain
	ledger *switchableLedger
	bus    *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := chain.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	l := &switchableLedger{Ledger: c}
	anchors := anchoring.NewService(l, anchoring.NewMemoryStore(), anchoring.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxElapsed:     time.Second,
	})
	scorer, err := scoring.NewScorer(scoring.DefaultConfig())
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	hasher, err := hashing.NewHasher(hashing.SHA256)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	bus := events.NewBus(zerolog.Nop())
	svc := NewService(NewMemoryRepo(), scorer, hasher, anchors, DefaultConfig(), WithPublisher(bus))
	return &fixture{svc: svc, chain: c, ledger: l, bus: bus}
}

func benign(id string) scoring.PatientRecord {
	return scoring.PatientRecord{
		PatientID:               id,
		SideEffectSeverity:      scoring.SeverityMild,
		OverallHealthStatus:     scoring.HealthStable,
		SymptomImprovementScore: 5,
	}
}

func severeImproved(id string) scoring.PatientRecord {
	return scoring.PatientRecord{
		PatientID:               id,
		SideEffectSeverity:      scoring.SeveritySevere,
		OverallHealthStatus:     scoring.HealthImproved,
		SymptomImprovementScore: 6,
	}
}

func batch(total, anomalies int) []scoring.PatientRecord {
	out := make([]scoring.PatientRecord, 0, total)
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("P-%03d", i)
		if i < anomalies {
			out = append(out, severeImproved(id))
		} else {
			out = append(out, benign(id))
		}
	}
	return out
}

// readySubmission creates a submission and fills it to its target.
func (f *fixture) readySubmission(t *testing.T, records []scoring.PatientRecord) *Submission {
	t.Helper()
	ctx := context.Background()
	sub, err := f.svc.Create(ctx, hospital, CreateInput{TrialID: "TRIAL-1", HospitalID: "HOSP-1", TargetSampleSize: len(records)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := f.svc.AddRecords(ctx, hospital, sub.ID, records)
	if err != nil {
		t.Fatalf("AddRecords: %v", err)
	}
	if res.Submission.State != StateReady {
		t.Fatalf("expected ready_for_submission, got %s", res.Submission.State)
	}
	return res.Submission
}

func (f *fixture) seal(t *testing.T) {
	t.Helper()
	if _, err := f.chain.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
}

func TestLifecycle_CollectSubmitApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, hospital, CreateInput{TrialID: "TRIAL-1", HospitalID: "HOSP-1", TargetSampleSize: 5})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sub.State != StateCollecting || sub.Version != 1 {
		t.Fatalf("unexpected new submission %+v", sub)
	}

	records := batch(5, 0)
	res, err := f.svc.AddRecords(ctx, hospital, sub.ID, records[:3])
	if err != nil {
		t.Fatalf("AddRecords: %v", err)
	}
	if res.Submission.State != StateCollecting || res.Submission.CurrentRecords != 3 {
		t.Fatalf("expected collecting with 3 records, got %s/%d", res.Submission.State, res.Submission.CurrentRecords)
	}
	res, err = f.svc.AddRecords(ctx, hospital, sub.ID, records[3:])
	if err != nil {
		t.Fatalf("AddRecords: %v", err)
	}
	if res.Submission.State != StateReady {
		t.Fatalf("expected ready_for_submission, got %s", res.Submission.State)
	}

	submitted, err := f.svc.Submit(ctx, hospital, sub.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.State != StatePendingReview {
		t.Fatalf("expected pending_review, got %s", submitted.State)
	}
	if !hashing.IsContentHash(submitted.ContentHash) || submitted.SummaryRef == "" || submitted.TransactionID == "" {
		t.Errorf("expected hash, summary ref and transaction id, got %+v", submitted)
	}
	if submitted.AnchorStatus != anchoring.StatusPending {
		t.Errorf("expected pending anchor, got %s", submitted.AnchorStatus)
	}

	_, err = f.svc.Approve(ctx, regulator, sub.ID, Decision{ExpectedVersion: submitted.Version})
	if !errors.Is(err, apperr.ErrAnchorNotConfirmed) {
		t.Fatalf("expected AnchorNotConfirmed, got %v", err)
	}
	unchanged, _ := f.svc.Get(ctx, sub.ID)
	if unchanged.State != StatePendingReview || unchanged.Version != submitted.Version {
		t.Fatalf("expected state unchanged, got %s v%d", unchanged.State, unchanged.Version)
	}
	if unchanged.Verification != PendingVerification {
		t.Errorf("expected pending_verification, got %s", unchanged.Verification)
	}

	f.seal(t)
	approved, err := f.svc.Approve(ctx, regulator, sub.ID, Decision{ExpectedVersion: submitted.Version, Reason: "looks good"})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.State != StateApproved || approved.AnchorStatus != anchoring.StatusConfirmed {
		t.Errorf("expected approved with confirmed anchor, got %s/%s", approved.State, approved.AnchorStatus)
	}

	view, _ := f.svc.Get(ctx, sub.ID)
	if view.Verification != Verified || view.Receipt == nil || view.Receipt.ConfirmedAt == nil {
		t.Errorf("expected verified view, got %+v", view)
	}

	trail, err := f.svc.History(ctx, sub.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []State{StateReady, StatePendingReview, StateApproved}
	if len(trail) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(trail))
	}
	for i, tr := range trail {
		if tr.To != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], tr.To)
		}
	}
	last := trail[2]
	if last.ActorID != regulator.ID || last.ActorRole != RoleRegulator || last.Reason != "looks good" {
		t.Errorf("unexpected approval entry %+v", last)
	}
	if last.Evidence.ContentHash != submitted.ContentHash || last.Evidence.SummaryRef != submitted.SummaryRef ||
		last.Evidence.AnchorStatus != anchoring.StatusConfirmed {
		t.Errorf("unexpected approval evidence %+v", last.Evidence)
	}

	if _, err := f.svc.Reject(ctx, regulator, sub.ID, Decision{ExpectedVersion: approved.Version}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected terminal state to refuse transitions, got %v", err)
	}
}

func TestSubmit_FiftyRecordsWithSixAnomaliesIsFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.readySubmission(t, batch(50, 6))

	submitted, err := f.svc.Submit(ctx, hospital, sub.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sum := submitted.Summary
	if sum.AnomalyCount != 6 || sum.AnomalyPercentage != 12.0 || sum.RiskLabel != scoring.RiskModerate {
		t.Errorf("unexpected summary %+v", sum)
	}
	if submitted.State != StateFlagged {
		t.Fatalf("expected flagged_for_review, got %s", submitted.State)
	}

	trail, _ := f.svc.History(ctx, sub.ID)
	flag := trail[len(trail)-1]
	if flag.From != StatePendingReview || flag.To != StateFlagged || flag.ActorRole != RoleSystem {
		t.Errorf("unexpected flag entry %+v", flag)
	}
	if flag.Evidence.AnomalyPercentage == nil || *flag.Evidence.AnomalyPercentage != 12.0 {
		t.Errorf("expected anomaly percentage evidence, got %+v", flag.Evidence)
	}

	f.seal(t)
	rejected, err := f.svc.Reject(ctx, regulator, sub.ID, Decision{ExpectedVersion: submitted.Version})
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.State != StateRejected {
		t.Errorf("expected rejected, got %s", rejected.State)
	}
}

func TestSubmit_AtThresholdIsNotFlagged(t *testing.T) {
	f := newFixture(t)
	sub := f.readySubmission(t, batch(20, 1))

	submitted, err := f.svc.Submit(context.Background(), hospital, sub.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.Summary.AnomalyPercentage != 5.0 || submitted.State != StatePendingReview {
		t.Errorf("expected 5%% to stay in pending_review, got %.1f/%s", submitted.Summary.AnomalyPercentage, submitted.State)
	}
}

func TestSubmit_RequiresReadyState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, _ := f.svc.Create(ctx, hospital, CreateInput{TrialID: "T", HospitalID: "H", TargetSampleSize: 2})

	if _, err := f.svc.Submit(ctx, hospital, sub.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, hospital, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestAddRecords_OverCollectionReportedNotBlocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, _ := f.svc.Create(ctx, hospital, CreateInput{TrialID: "T", HospitalID: "H", TargetSampleSize: 3})

	res, err := f.svc.AddRecords(ctx, hospital, sub.ID, batch(4, 0))
	if err != nil {
		t.Fatalf("AddRecords: %v", err)
	}
	if res.OverCollectedBy != 1 || !res.Submission.OverCollected || res.Submission.State != StateCollecting {
		t.Fatalf("expected over-collection reported while collecting, got %+v", res)
	}

	res, err = f.svc.SetTargetSampleSize(ctx, hospital, sub.ID, 4)
	if err != nil {
		t.Fatalf("SetTargetSampleSize: %v", err)
	}
	if res.Submission.State != StateReady || res.Submission.OverCollected {
		t.Errorf("expected ready after target matches, got %+v", res.Submission)
	}
}

func TestAddRecords_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, _ := f.svc.Create(ctx, hospital, CreateInput{TrialID: "T", HospitalID: "H", TargetSampleSize: 5})
	f.svc.AddRecords(ctx, hospital, sub.ID, []scoring.PatientRecord{benign("A")})

	tests := []struct {
		name    string
		records []scoring.PatientRecord
	}{
		{"empty", nil},
		{"missing id", []scoring.PatientRecord{benign("")}},
		{"duplicate in call", []scoring.PatientRecord{benign("B"), benign("B")}},
		{"duplicate of stored", []scoring.PatientRecord{benign("A")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.AddRecords(ctx, hospital, sub.ID, tt.records); !errors.Is(err, apperr.ErrInvalidInput) {
				t.Errorf("expected InvalidInput, got %v", err)
			}
		})
	}
	got, _ := f.svc.Get(ctx, sub.ID)
	if got.CurrentRecords != 1 {
		t.Errorf("expected rejected calls to leave 1 record, got %d", got.CurrentRecords)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, hospital, CreateInput{TrialID: "T", HospitalID: "H"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for zero target, got %v", err)
	}
	if _, err := f.svc.Create(ctx, hospital, CreateInput{HospitalID: "H", TargetSampleSize: 1}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for missing trial, got %v", err)
	}
	if _, err := f.svc.Create(ctx, regulator, CreateInput{TrialID: "T", HospitalID: "H", TargetSampleSize: 1}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("expected Unauthorized for regulator, got %v", err)
	}
}

func TestDecisions_RequireRegulator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.readySubmission(t, batch(4, 0))
	submitted, _ := f.svc.Submit(ctx, hospital, sub.ID)
	f.seal(t)

	for _, actor := range []Actor{
		hospital,
		{ID: "sponsor-user", Role: RoleSponsor},
		{ID: "admin-user", Role: "admin"},
		{ID: "", Role: RoleRegulator},
	} {
		d := Decision{ExpectedVersion: submitted.Version}
		if _, err := f.svc.Approve(ctx, actor, sub.ID, d); !errors.Is(err, apperr.ErrUnauthorized) {
			t.Errorf("%+v approve: expected Unauthorized, got %v", actor, err)
		}
		if _, err := f.svc.Flag(ctx, actor, sub.ID, d); !errors.Is(err, apperr.ErrUnauthorized) {
			t.Errorf("%+v flag: expected Unauthorized, got %v", actor, err)
		}
	}
	got, _ := f.svc.Get(ctx, sub.ID)
	if got.State != StatePendingReview {
		t.Errorf("expected state unchanged, got %s", got.State)
	}
}

func TestFlag_ThenApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.readySubmission(t, batch(4, 0))
	submitted, _ := f.svc.Submit(ctx, hospital, sub.ID)

	flagged, err := f.svc.Flag(ctx, regulator, sub.ID, Decision{ExpectedVersion: submitted.Version, Reason: "spot check"})
	if err != nil {
		t.Fatalf("Flag: %v", err)
	}
	if flagged.State != StateFlagged {
		t.Fatalf("expected flagged, got %s", flagged.State)
	}
	if _, err := f.svc.Flag(ctx, regulator, sub.ID, Decision{ExpectedVersion: flagged.Version}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected InvalidTransition flagging twice, got %v", err)
	}

	f.seal(t)
	approved, err := f.svc.Approve(ctx, regulator, sub.ID, Decision{ExpectedVersion: flagged.Version})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.State != StateApproved {
		t.Errorf("expected approved, got %s", approved.State)
	}
}

func TestApprove_StaleVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.readySubmission(t, batch(4, 0))
	submitted, _ := f.svc.Submit(ctx, hospital, sub.ID)
	f.seal(t)

	_, err := f.svc.Approve(ctx, regulator, sub.ID, Decision{ExpectedVersion: submitted.Version - 1})
	if !errors.Is(err, apperr.ErrConcurrentModification) {
		t.Errorf("expected ConcurrentModification, got %v", err)
	}
}

func TestApprove_ConcurrentCallsOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.readySubmission(t, batch(4, 0))
	submitted, _ := f.svc.Submit(ctx, hospital, sub.ID)
	f.seal(t)

	const callers = 2
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Approve(ctx, regulator, sub.ID, Decision{ExpectedVersion: submitted.Version})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrConcurrentModification):
			conflicts++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("expected one success and one conflict, got %d and %d", ok, conflicts)
	}
}

func TestSubmit_AnchorUnavailableFlagsThenReanchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.readySubmission(t, batch(4, 0))

	f.ledger.down.Store(true)
	submitted, err := f.svc.Submit(ctx, hospital, sub.ID)
	if err != nil {
		t.Fatalf("Submit should record the anchoring failure, got %v", err)
	}
	if submitted.State != StateFlagged || submitted.AnchorStatus != anchoring.StatusUnavailable {
		t.Fatalf("expected flagged with unavailable anchor, got %s/%s", submitted.State, submitted.AnchorStatus)
	}
	view, err := f.svc.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Verification != Unverifiable {
		t.Errorf("expected unavailable verification, got %s", view.Verification)
	}
	if _, err := f.svc.Approve(ctx, regulator, sub.ID, Decision{ExpectedVersion: submitted.Version}); !errors.Is(err, apperr.ErrAnchorNotConfirmed) {
		t.Errorf("expected AnchorNotConfirmed, got %v", err)
	}

	f.ledger.down.Store(false)
	reanchored, err := f.svc.Reanchor(ctx, hospital, sub.ID)
	if err != nil {
		t.Fatalf("Reanchor: %v", err)
	}
	if reanchored.State != StateFlagged || reanchored.AnchorStatus != anchoring.StatusPending || reanchored.TransactionID == "" {
		t.Fatalf("unexpected re-anchored submission %+v", reanchored)
	}
	if _, err := f.svc.Reanchor(ctx, hospital, sub.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected second re-anchor to be refused, got %v", err)
	}

	f.seal(t)
	approved, err := f.svc.Approve(ctx, regulator, sub.ID, Decision{ExpectedVersion: reanchored.Version})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.State != StateApproved {
		t.Errorf("expected approved, got %s", approved.State)
	}
}

func TestTransitionsArePublished(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.bus.Subscribe(events.TypeSubmissionTransitioned, 16)
	defer cancel()

	sub := f.readySubmission(t, batch(2, 0))
	if _, err := f.svc.Submit(context.Background(), hospital, sub.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for _, want := range []State{StateReady, StatePendingReview} {
		select {
		case e := <-ch:
			if e.Subject != sub.ID.String() {
				t.Errorf("unexpected subject %q", e.Subject)
			}
			var tr Transition
			if err := json.Unmarshal(e.Payload, &tr); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if tr.To != want {
				t.Errorf("expected transition to %s, got %s", want, tr.To)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected transition to %s to be published", want)
		}
	}
}

func TestList_FiltersByState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readySubmission(t, batch(2, 0))
	f.svc.Create(ctx, hospital, CreateInput{TrialID: "TRIAL-1", HospitalID: "HOSP-2", TargetSampleSize: 9})

	ready, total, err := f.svc.List(ctx, ListFilter{State: StateReady}, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(ready) != 1 || ready[0].State != StateReady {
		t.Errorf("unexpected ready list %d/%+v", total, ready)
	}
	_, total, _ = f.svc.List(ctx, ListFilter{TrialID: "TRIAL-1"}, 10, 0)
	if total != 2 {
		t.Errorf("expected 2 submissions for the trial, got %d", total)
	}
	if _, _, err := f.svc.List(ctx, ListFilter{State: "bogus"}, 10, 0); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for unknown state, got %v", err)
	}
}

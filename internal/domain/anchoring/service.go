package anchoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/trialguard/trialguard/internal/domain/hashing"
	"github.com/trialguard/trialguard/internal/platform/events"
	"github.com/trialguard/trialguard/internal/platform/ledger"
	"github.com/trialguard/trialguard/pkg/apperr"
)

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed caps the whole retry loop regardless of attempts left.
	MaxElapsed       time.Duration
	AttemptTimeout   time.Duration
	ReconcileTimeout time.Duration
	MinConfirmations int
	PollInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:      5,
		InitialBackoff:   200 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		MaxElapsed:       30 * time.Second,
		AttemptTimeout:   10 * time.Second,
		ReconcileTimeout: 5 * time.Second,
		MinConfirmations: 1,
		PollInterval:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = d.MaxElapsed
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = d.ReconcileTimeout
	}
	if c.MinConfirmations <= 0 {
		c.MinConfirmations = d.MinConfirmations
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
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

// Service anchors content hashes on a ledger. At most one ledger submission
// is in flight per hash; concurrent callers share its outcome.
type Service struct {
	ledger    ledger.Ledger
	store     ReceiptStore
	publisher events.Publisher
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time

	submits   sharedCalls
	refreshes sharedCalls
}

func NewService(l ledger.Ledger, store ReceiptStore, cfg Config, opts ...Option) *Service {
	s := &Service{
		ledger:    l,
		store:     store,
		publisher: events.Discard{},
		cfg:       cfg.withDefaults(),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Config() Config { return s.cfg }

// Anchor submits contentHash to the ledger and returns a pending or confirmed
// receipt. A hash that already has a receipt is returned without touching the
// ledger. When the retry budget runs out the unavailable receipt is recorded
// and returned together with an AnchorUnavailable error.
func (s *Service) Anchor(ctx context.Context, contentHash string, meta Metadata) (*Receipt, error) {
	if !hashing.IsContentHash(contentHash) {
		return nil, apperr.New(apperr.KindInvalidInput, "content hash must be 64 lowercase hex characters")
	}
	if meta.TxType == "" {
		meta.TxType = DefaultTxType
	}
	if r, err := s.cached(ctx, contentHash); err != nil || r != nil {
		return r, err
	}

	v, err := s.submits.do(ctx, contentHash, s.anchorBudget(), func(fctx context.Context) (any, error) {
		return s.anchor(fctx, contentHash, meta)
	})
	r, _ := v.(*Receipt)
	return r.clone(), err
}

// anchorBudget bounds one shared anchoring run: the retry loop, the attempt
// still in flight when it ends, and the reconcile lookup.
func (s *Service) anchorBudget() time.Duration {
	return s.cfg.MaxElapsed + s.cfg.AttemptTimeout + s.cfg.ReconcileTimeout
}

// cached returns the stored receipt unless it is missing or unavailable.
func (s *Service) cached(ctx context.Context, contentHash string) (*Receipt, error) {
	r, err := s.store.Get(ctx, contentHash)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read receipt cache: %w", err)
	}
	if r.Status == StatusUnavailable {
		return nil, nil
	}
	return r, nil
}

func (s *Service) anchor(ctx context.Context, contentHash string, meta Metadata) (*Receipt, error) {
	prev, err := s.store.Get(ctx, contentHash)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		prev = nil
	case err != nil:
		return nil, fmt.Errorf("read receipt cache: %w", err)
	case prev.Status != StatusUnavailable:
		return prev, nil
	}

	entry := meta.entry(contentHash)
	log := s.logger.With().Str("content_hash", contentHash).Logger()
	var (
		attempts  int
		ambiguous bool
		lastErr   error
	)
	op := func() (*ledger.Record, error) {
		attempts++
		if ambiguous {
			rec, err := s.lookup(ctx, contentHash)
			if err == nil {
				log.Info().Int("attempt", attempts).Str("transaction_id", rec.TransactionID).
					Msg("earlier ambiguous write found on ledger")
				return rec, nil
			}
			if !errors.Is(err, ledger.ErrNotFound) {
				lastErr = err
				log.Warn().Err(err).Int("attempt", attempts).Msg("ledger lookup failed")
				return nil, err
			}
		}

		actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
		start := time.Now()
		rec, err := s.ledger.Submit(actx, entry)
		latency := time.Since(start)
		if err == nil {
			log.Info().Int("attempt", attempts).Dur("latency", latency).
				Str("transaction_id", rec.TransactionID).Msg("anchor submitted")
			return rec, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempts).Dur("latency", latency).Msg("anchor attempt failed")
		if errors.Is(err, ledger.ErrInvalidEntry) {
			return nil, backoff.Permanent(err)
		}
		if isAmbiguous(err) {
			ambiguous = true
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	rec, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(s.cfg.MaxElapsed),
	)
	if err == nil {
		return s.accept(ctx, contentHash, meta, prev, attempts, rec)
	}
	if errors.Is(err, ledger.ErrInvalidEntry) {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "ledger rejected entry %s", contentHash)
	}
	if lastErr == nil {
		lastErr = err
	}
	if ambiguous || ctx.Err() != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReconcileTimeout)
		rec, lerr := s.ledger.Lookup(rctx, contentHash)
		cancel()
		if lerr == nil {
			log.Info().Str("transaction_id", rec.TransactionID).Msg("reconciled anchor after failed attempts")
			return s.accept(context.WithoutCancel(ctx), contentHash, meta, prev, attempts, rec)
		}
		if !errors.Is(lerr, ledger.ErrNotFound) {
			log.Warn().Err(lerr).Msg("reconciliation lookup failed")
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		log.Info().Int("attempts", attempts).Msg("anchoring abandoned by every caller")
		return nil, ctx.Err()
	}
	return s.fail(ctx, contentHash, meta, prev, attempts, lastErr)
}

func (s *Service) lookup(ctx context.Context, contentHash string) (*ledger.Record, error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	return s.ledger.Lookup(lctx, contentHash)
}

func isAmbiguous(err error) bool {
	return ledger.IsAmbiguous(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) newReceipt(contentHash string, meta Metadata, prev *Receipt, attempts int) *Receipt {
	now := s.now().UTC()
	r := &Receipt{ContentHash: contentHash, Metadata: meta, Attempts: attempts, SubmittedAt: now, UpdatedAt: now}
	if prev != nil {
		r.SubmittedAt = prev.SubmittedAt
		r.Attempts += prev.Attempts
	}
	return r
}

func (s *Service) accept(ctx context.Context, contentHash string, meta Metadata, prev *Receipt, attempts int, rec *ledger.Record) (*Receipt, error) {
	r := s.newReceipt(contentHash, meta, prev, attempts)
	confirmed := r.apply(rec, s.cfg.MinConfirmations, r.UpdatedAt)
	if err := s.store.Put(context.WithoutCancel(ctx), r); err != nil {
		return nil, fmt.Errorf("store receipt: %w", err)
	}
	s.publish(ctx, events.TypeAnchorSubmitted, r)
	if confirmed {
		s.publish(ctx, events.TypeAnchorConfirmed, r)
	}
	return r, nil
}

func (s *Service) fail(ctx context.Context, contentHash string, meta Metadata, prev *Receipt, attempts int, cause error) (*Receipt, error) {
	r := s.newReceipt(contentHash, meta, prev, attempts)
	r.Status = StatusUnavailable
	r.LastError = cause.Error()
	if err := s.store.Put(context.WithoutCancel(ctx), r); err != nil {
		return nil, fmt.Errorf("store receipt: %w", err)
	}
	s.logger.Error().Err(cause).Str("content_hash", contentHash).Int("attempts", r.Attempts).
		Msg("anchoring unavailable")
	s.publish(ctx, events.TypeAnchorUnavailable, r)
	return r, apperr.Wrap(apperr.KindAnchorUnavailable, cause, "anchor %s failed after %d attempts", contentHash, attempts)
}

// Verify returns the current receipt for contentHash. Receipts below the
// confirmation threshold are refreshed from the ledger first; a hash missing
// from the cache but present on the ledger is adopted.
func (s *Service) Verify(ctx context.Context, contentHash string) (*Receipt, error) {
	if !hashing.IsContentHash(contentHash) {
		return nil, apperr.New(apperr.KindInvalidInput, "content hash must be 64 lowercase hex characters")
	}
	v, err := s.refreshes.do(ctx, contentHash, 2*s.cfg.AttemptTimeout, func(fctx context.Context) (any, error) {
		return s.verify(fctx, contentHash)
	})
	r, _ := v.(*Receipt)
	return r.clone(), err
}

func (s *Service) verify(ctx context.Context, contentHash string) (*Receipt, error) {
	r, err := s.store.Get(ctx, contentHash)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("read receipt cache: %w", err)
	}
	if r == nil {
		rec, lerr := s.ledger.Lookup(ctx, contentHash)
		if errors.Is(lerr, ledger.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "no anchor for %s", contentHash)
		}
		if lerr != nil {
			return nil, apperr.Wrap(apperr.KindAnchorUnavailable, lerr, "look up %s", contentHash)
		}
		r = &Receipt{
			ContentHash: contentHash,
			Metadata:    Metadata{TxType: rec.TxType},
			SubmittedAt: rec.AcceptedAt.UTC(),
		}
		return s.adopt(ctx, r, rec)
	}

	switch {
	case r.Status == StatusConfirmed:
		return r, nil
	case r.Status == StatusUnavailable:
		rec, lerr := s.ledger.Lookup(ctx, contentHash)
		if lerr != nil {
			return r, nil
		}
		return s.adopt(ctx, r, rec)
	}

	var rec *ledger.Record
	if r.TransactionID != "" {
		rec, err = s.ledger.Transaction(ctx, r.TransactionID)
	} else {
		rec, err = s.ledger.Lookup(ctx, contentHash)
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("content_hash", contentHash).Msg("receipt refresh failed")
		return r, nil
	}
	return s.adopt(ctx, r, rec)
}

func (s *Service) adopt(ctx context.Context, r *Receipt, rec *ledger.Record) (*Receipt, error) {
	confirmed := r.apply(rec, s.cfg.MinConfirmations, s.now().UTC())
	if err := s.store.Put(ctx, r); err != nil {
		return nil, fmt.Errorf("store receipt: %w", err)
	}
	if confirmed {
		s.logger.Info().Str("content_hash", r.ContentHash).Str("block", r.BlockReference).
			Int("confirmations", r.ConfirmationCount).Msg("anchor confirmed")
		s.publish(ctx, events.TypeAnchorConfirmed, r)
	}
	return r, nil
}

func (s *Service) publish(ctx context.Context, eventType string, r *Receipt) {
	e, err := events.New(eventType, r.ContentHash, r, s.now())
	if err == nil {
		err = s.publisher.Publish(context.WithoutCancel(ctx), e)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Str("content_hash", r.ContentHash).
			Msg("publish anchor event")
	}
}

package anchoring

import (
	"context"
	"time"
)

const pollBatch = 100

// RefreshPending refreshes up to one batch of pending receipts and returns
// how many of them became confirmed.
func (s *Service) RefreshPending(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx, pollBatch)
	if err != nil {
		return 0, err
	}
	confirmed := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return confirmed, ctx.Err()
		}
		r, err := s.Verify(ctx, p.ContentHash)
		if err != nil {
			s.logger.Warn().Err(err).Str("content_hash", p.ContentHash).Msg("refresh pending receipt")
			continue
		}
		if r.Confirmed() {
			confirmed++
		}
	}
	return confirmed, nil
}

// Watch polls pending receipts every PollInterval until ctx is done so that
// confirmations reach subscribers without anyone calling Verify.
func (s *Service) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.cfg.PollInterval).Msg("anchor watcher started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("anchor watcher stopped")
			return
		case <-ticker.C:
			n, err := s.RefreshPending(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("anchor watcher poll failed")
			}
			if n > 0 {
				s.logger.Debug().Int("confirmed", n).Msg("anchor watcher confirmed receipts")
			}
		}
	}
}

package autoapply

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// pace blocks until the platform's next form fill slot, plus random jitter.
// Limiters outlive cycles so back-to-back cycles keep the spacing.
func (s *Service) pace(ctx context.Context, platform string) error {
	if err := s.limiterFor(platform).Wait(ctx); err != nil {
		return err
	}
	if s.maxJitter <= 0 {
		return nil
	}

	timer := time.NewTimer(time.Duration(rand.Int63n(int64(s.maxJitter))))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) limiterFor(platform string) *rate.Limiter {
	s.pacingMu.Lock()
	defer s.pacingMu.Unlock()

	limiter, ok := s.pacing[platform]
	if !ok {
		limit := rate.Inf
		if s.minInterval > 0 {
			limit = rate.Every(s.minInterval)
		}
		limiter = rate.NewLimiter(limit, 1)
		s.pacing[platform] = limiter
	}
	return limiter
}

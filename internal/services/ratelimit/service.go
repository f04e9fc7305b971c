package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/telemetry"
)

// Service enforces per-(user, platform) application quotas over a fixed window.
// Counters live in the QuotaStore; the service only resolves limits and windows.
type Service struct {
	store          interfaces.QuotaStore
	window         time.Duration
	defaultLimit   int
	platformLimits map[string]int
	now            func() time.Time
	logger         arbor.ILogger
}

// NewService creates a rate limiter over the given quota store
func NewService(store interfaces.QuotaStore, config common.RateLimitConfig, logger arbor.ILogger) *Service {
	limits := make(map[string]int, len(config.PlatformLimits))
	for platform, limit := range config.PlatformLimits {
		limits[strings.ToLower(platform)] = limit
	}

	return &Service{
		store:          store,
		window:         common.Duration(config.Window, 24*time.Hour),
		defaultLimit:   config.DefaultLimit,
		platformLimits: limits,
		now:            time.Now,
		logger:         logger,
	}
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Limit returns the attempts allowed per window on a platform
func (s *Service) Limit(platform string) int {
	if limit, ok := s.platformLimits[strings.ToLower(platform)]; ok {
		return limit
	}
	return s.defaultLimit
}

// TryAcquire consumes one attempt if the quota allows it.
// A denied call leaves the stored count unchanged.
func (s *Service) TryAcquire(ctx context.Context, userID, platform string) (bool, int, error) {
	req := s.request(userID, platform)
	if req.Limit <= 0 {
		telemetry.RateLimitDenials.WithLabelValues(req.Platform).Inc()
		return false, 0, nil
	}

	allowed, remaining, err := s.store.TryConsume(ctx, req)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check for %s/%s: %w", userID, platform, err)
	}

	if !allowed {
		telemetry.RateLimitDenials.WithLabelValues(req.Platform).Inc()
		s.logger.Info().
			Str("user_id", userID).
			Str("platform", req.Platform).
			Int("limit", req.Limit).
			Str("window_start", req.WindowStart.Format(time.RFC3339)).
			Msg("Rate limit reached")
		return false, 0, nil
	}

	s.logger.Debug().
		Str("user_id", userID).
		Str("platform", req.Platform).
		Int("remaining", remaining).
		Msg("Rate limit slot acquired")
	return true, remaining, nil
}

// Remaining reports the attempts left in the current window without consuming one
func (s *Service) Remaining(ctx context.Context, userID, platform string) (int, error) {
	req := s.request(userID, platform)
	if req.Limit <= 0 {
		return 0, nil
	}
	remaining, err := s.store.Remaining(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("rate limit peek for %s/%s: %w", userID, platform, err)
	}
	return remaining, nil
}

func (s *Service) request(userID, platform string) interfaces.QuotaRequest {
	now := s.now()
	platform = strings.ToLower(platform)
	return interfaces.QuotaRequest{
		UserID:      userID,
		Platform:    platform,
		Limit:       s.Limit(platform),
		WindowStart: models.WindowStart(now, s.window),
		Window:      s.window,
		Now:         now,
	}
}

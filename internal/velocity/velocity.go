// Package velocity counts failed verification attempts per capture device.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
)

const keyPrefix = "device-failures:"

// Service tracks rejected captures per device within a rolling window.
// Counts live in the cache so every node sees the same value in Pro tier.
type Service struct {
	cache  domain.Cache
	window time.Duration
}

// NewService creates a new velocity service.
func NewService(cache domain.Cache, cfg domain.VelocityConfig) *Service {
	window := time.Duration(cfg.WindowSecs) * time.Second
	if window <= 0 {
		window = time.Hour
	}
	return &Service{
		cache:  cache,
		window: window,
	}
}

// RecordFailure counts one failed capture for a device and returns the
// count in the current window. Captures without a device are not tracked.
func (s *Service) RecordFailure(ctx context.Context, deviceID string) (int64, error) {
	if deviceID == "" {
		return 0, nil
	}

	count, err := s.cache.IncrementCounter(ctx, keyPrefix+deviceID, s.window)
	if err != nil {
		return 0, fmt.Errorf("failed to record device failure: %w", err)
	}
	return count, nil
}

// Failures returns the failure count for a device in the current window.
func (s *Service) Failures(ctx context.Context, deviceID string) (int64, error) {
	if deviceID == "" {
		return 0, nil
	}

	count, err := s.cache.GetCounter(ctx, keyPrefix+deviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to read device failures: %w", err)
	}
	return count, nil
}

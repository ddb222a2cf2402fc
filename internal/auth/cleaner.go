package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/logging"
)

const DefaultTokenCleanupInterval = time.Hour

// RunTokenCleaner deletes expired tokens every interval until ctx is done.
func (s *Service) RunTokenCleaner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	log := logging.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn("cleanup expired tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("expired tokens removed", zap.Int64("count", n))
			}
		}
	}
}

package ratelimit

import (
	"go.uber.org/zap"

	"github.com/opencomply/gateway/ratelimit/store"
)

// NewStore selects the shared Redis backend when one is configured and
// reachable, and falls back to the in-process store otherwise. The fallback
// is logged: a process running on local state enforces quotas per instance,
// not per deployment.
func NewStore(cfg store.RedisConfig, log *zap.Logger) store.Store {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.URL != "" {
		st, err := store.NewRedis(cfg)
		if err == nil {
			log.Info("rate limit store: redis", zap.String("addr", cfg.URL))
			return st
		}
		log.Warn("redis unreachable, falling back to in-memory rate limit store",
			zap.Error(err))
	}
	return store.NewMemory()
}

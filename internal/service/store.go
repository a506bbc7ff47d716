package service

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-authcore/internal/config"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

// OpenStore returns the instrumented store selected by configuration. An
// enabled Redis that does not answer a ping fails initialization; there is no
// silent fallback to the in-process store.
func OpenStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock, log *zap.Logger) (store.Store, error) {
	var backend store.Store
	if cfg.RedisEnabled {
		rs := store.NewRedisStore(store.NewRedisClient(store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreOpTimeout()*4)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info("using redis store", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		backend = rs
	} else {
		ms, err := store.NewMemoryStore(cfg.MemoryStoreCapacity, clock)
		if err != nil {
			return nil, err
		}
		log.Warn("redis disabled, using in-process store; lockout and revocation state is not shared across replicas, is lost on restart, "+
			"and live lockouts, sessions or revocations may be evicted once capacity is reached (see authcore_memory_store_evictions_total)",
			zap.Int("capacity", cfg.MemoryStoreCapacity))
		backend = ms
	}
	return store.NewInstrumented(backend, cfg.StoreOpTimeout(), log), nil
}

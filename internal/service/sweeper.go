package service

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-authcore/internal/auth/session"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

const sweepConcurrency = 4

// IndexSweeper periodically removes session IDs from user indexes whose
// session record no longer exists.
type IndexSweeper struct {
	store    store.Store
	sessions *session.Manager
	interval time.Duration
	clock    clockwork.Clock
	log      *zap.Logger
	stopCh   chan struct{}
	done     chan struct{}
}

func NewIndexSweeper(s store.Store, sessions *session.Manager, interval time.Duration, clock clockwork.Clock, log *zap.Logger) *IndexSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IndexSweeper{
		store:    s,
		sessions: sessions,
		interval: interval,
		clock:    clock,
		log:      log.Named("sweeper"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs a sweep immediately and then on every interval until Stop or ctx is done.
func (s *IndexSweeper) Start(ctx context.Context) {
	s.log.Info("Starting session index sweeper", zap.Duration("interval", s.interval))

	go func() {
		defer close(s.done)
		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()

		s.run(ctx)
		for {
			select {
			case <-ticker.Chan():
				s.run(ctx)
			case <-s.stopCh:
				s.log.Info("Session index sweeper stopped")
				return
			case <-ctx.Done():
				s.log.Info("Session index sweeper context cancelled")
				return
			}
		}
	}()
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (s *IndexSweeper) Stop() {
	close(s.stopCh)
	<-s.done
}

func (s *IndexSweeper) run(ctx context.Context) {
	start := time.Now()
	pruned, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error("Session index sweep failed", zap.Error(err))
		return
	}
	level := zap.DebugLevel
	if pruned > 0 {
		level = zap.InfoLevel
	}
	s.log.Check(level, "Session index sweep completed").Write(
		zap.Int("pruned", pruned),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// Sweep prunes every user index once and returns the number of IDs removed.
func (s *IndexSweeper) Sweep(ctx context.Context) (int, error) {
	keys, err := s.store.KeysMatching(ctx, store.NSUserSessions+"*")
	if err != nil {
		return 0, err
	}
	var pruned atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, key := range keys {
		userID := strings.TrimPrefix(key, store.NSUserSessions)
		g.Go(func() error {
			n, err := s.sessions.PruneIndex(gctx, userID)
			pruned.Add(int64(n))
			return err
		})
	}
	err = g.Wait()
	return int(pruned.Load()), err
}

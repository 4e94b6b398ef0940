// ABOUTME: Periodic background GC for the Edge Router: stale-sent requeue, dead-letter drop, prune
// ABOUTME: Runs on a ticker so the same sweep logic exposed via POST /cleanup also fires on a schedule

package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaykeep/relaykeep/internal/routerstore"
)

// Config bounds how far back each sweep reaches.
type Config struct {
	Interval            time.Duration
	SessionTTL          time.Duration
	RetrySweepThreshold time.Duration
	DeadLetterAge       time.Duration
	SeenUpdateRetention time.Duration
}

const (
	defaultInterval            = time.Hour
	defaultRetrySweepThreshold = time.Hour
	defaultDeadLetterAge       = 24 * time.Hour
	defaultSeenUpdateRetention = time.Hour
	defaultSessionTTL          = 24 * time.Hour
)

// Sweeper runs Run's GC passes on a ticker until its context is canceled.
type Sweeper struct {
	store  routerstore.Store
	cfg    Config
	logger *slog.Logger
}

// New builds a Sweeper. A zero Interval falls back to the hourly cadence
// named in spec.md's retry-sweep description.
func New(store routerstore.Store, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RetrySweepThreshold <= 0 {
		cfg.RetrySweepThreshold = defaultRetrySweepThreshold
	}
	if cfg.DeadLetterAge <= 0 {
		cfg.DeadLetterAge = defaultDeadLetterAge
	}
	if cfg.SeenUpdateRetention <= 0 {
		cfg.SeenUpdateRetention = defaultSeenUpdateRetention
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	return &Sweeper{store: store, cfg: cfg, logger: logger}
}

// Start runs sweeps on cfg.Interval until ctx is canceled. Intended to be
// launched in its own goroutine by the caller.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Run(ctx)
		}
	}
}

// Run executes one GC pass: requeues stale sent entries, dead-letters
// ancient queue entries, prunes seen-update and reply-token rows, and
// evicts sessions that have gone quiet past their TTL.
func (s *Sweeper) Run(ctx context.Context) {
	now := time.Now()

	requeued, err := s.store.RequeueStaleSent(ctx, now.Add(-s.cfg.RetrySweepThreshold))
	if err != nil {
		s.logger.Error("requeue stale sweep failed", "error", err)
	} else if requeued > 0 {
		s.logger.Info("requeued stale sent commands", "count", requeued)
	}

	deadLettered, err := s.store.DeleteDeadLetters(ctx, now.Add(-s.cfg.DeadLetterAge))
	if err != nil {
		s.logger.Error("dead-letter sweep failed", "error", err)
	} else if deadLettered > 0 {
		s.logger.Info("dead-lettered stale commands", "count", deadLettered)
	}

	pruned, err := s.store.PruneSeenUpdates(ctx, now.Add(-s.cfg.SeenUpdateRetention))
	if err != nil {
		s.logger.Error("seen-update prune failed", "error", err)
	} else if pruned > 0 {
		s.logger.Info("pruned seen updates", "count", pruned)
	}

	prunedTokens, err := s.store.DeleteExpiredReplyTokens(ctx, now)
	if err != nil {
		s.logger.Error("reply token prune failed", "error", err)
	} else if prunedTokens > 0 {
		s.logger.Info("pruned expired reply tokens", "count", prunedTokens)
	}

	expired, err := s.store.DeleteExpiredSessions(ctx, now.Add(-s.cfg.SessionTTL))
	if err != nil {
		s.logger.Error("session expiry sweep failed", "error", err)
	} else if len(expired) > 0 {
		s.logger.Info("expired stale sessions", "count", len(expired), "session_ids", expired)
	}
}

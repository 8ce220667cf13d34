// Package scheduler drives overdue protections to their terminal state. The
// sweep is the only actor besides the buyer and seller that mutates
// protection state, and it does so through the exact same CAS-guarded
// transition path, so a race with a manual cancel resolves to exactly one
// winner.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"buyshield/clock"
	"buyshield/protection"
)

// Claimer marks overdue rows claimed-for-expiry before any work begins, so a
// crash mid-sweep cannot cause duplicate refunds on restart.
type Claimer interface {
	ClaimExpired(ctx context.Context, now time.Time, claimGrace time.Duration, limit int) ([]protection.Protection, error)
}

// Expirer forces a single protection to expired, refunding its hold.
type Expirer interface {
	Expire(ctx context.Context, id string) (protection.Protection, error)
}

// Config bounds the sweep. Zero values fall back to the defaults below.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	Workers       int
	ClaimGrace    time.Duration
	ItemRetries   uint64
	RetryInterval time.Duration
}

const (
	defaultInterval    = time.Minute
	defaultBatchSize   = 100
	defaultWorkers     = 4
	defaultClaimGrace    = 5 * time.Minute
	defaultItemRetries   = 3
	defaultRetryInterval = 500 * time.Millisecond
)

type Sweeper struct {
	claimer Claimer
	expirer Expirer
	clk     clock.Clock
	cfg     Config
	log     *slog.Logger

	sweeping atomic.Bool
}

func NewSweeper(claimer Claimer, expirer Expirer, clk clock.Clock, cfg Config, log *slog.Logger) *Sweeper {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ClaimGrace <= 0 {
		cfg.ClaimGrace = defaultClaimGrace
	}
	if cfg.ItemRetries == 0 {
		cfg.ItemRetries = defaultItemRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Sweeper{
		claimer: claimer,
		expirer: expirer,
		clk:     clk,
		cfg:     cfg,
		log:     log,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("sweep cycle failed", "error", err)
			}
		}
	}
}

// Sweep claims one batch of overdue protections and expires them through a
// bounded worker pool. Cycles are single-flight: if the previous sweep is
// still running the tick is skipped.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.log.Debug("sweep already in progress, skipping tick")
		return nil
	}
	defer s.sweeping.Store(false)

	now := s.clk.Now()
	claimed, err := s.claimer.ClaimExpired(ctx, now, s.cfg.ClaimGrace, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	s.log.Info("sweeping overdue protections", "claimed", len(claimed))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, p := range claimed {
		g.Go(func() error {
			s.expireOne(gctx, p.ID)
			return nil
		})
	}
	return g.Wait()
}

// expireOne retries transient failures with exponential backoff within a
// bounded budget. A lost CAS or invalid-state answer means another actor
// resolved the protection first and is not an error. Exhausting the budget
// is loud: the refund path has already flagged the row for manual review.
func (s *Sweeper) expireOne(ctx context.Context, id string) {
	op := func() error {
		_, err := s.expirer.Expire(ctx, id)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, protection.ErrStateConflict),
			errors.Is(err, protection.ErrInvalidState),
			errors.Is(err, protection.ErrNotFound):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.ItemRetries-1), ctx))
	switch {
	case err == nil:
		s.log.Info("protection expired", "protection_id", id)
	case errors.Is(err, protection.ErrStateConflict), errors.Is(err, protection.ErrInvalidState):
		s.log.Debug("protection resolved by another actor", "protection_id", id)
	case errors.Is(err, protection.ErrNotFound):
		s.log.Warn("claimed protection disappeared", "protection_id", id)
	default:
		s.log.Error("expire retry budget exhausted, awaiting manual review", "protection_id", id, "error", err)
	}
}

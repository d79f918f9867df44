package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Leadership serializes the sweep across processes. lock.Locker satisfies it.
type Leadership interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Sweeper periodically reclaims expired reservations. It tolerates being
// late or skipped: an overdue reservation merely keeps stock conservative
// until the next pass. When a Lock is configured only one instance sweeps
// at a time.
type Sweeper struct {
	Ledger   *Ledger
	Interval time.Duration
	Lock     Leadership
	LockKey  string
	LockTTL  time.Duration
	Logger   *zerolog.Logger
	OnSweep  func(released int)
}

func (s Sweeper) interval() time.Duration {
	if s.Interval <= 0 {
		return 2 * time.Minute
	}
	return s.Interval
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s Sweeper) Run(ctx context.Context) error {
	if s.Ledger == nil {
		return errors.New("ledger: sweeper not configured")
	}
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s Sweeper) sweepOnce(ctx context.Context) {
	run := func(ctx context.Context) error {
		released, err := s.Ledger.SweepExpired(ctx)
		if err != nil {
			return err
		}
		if s.OnSweep != nil {
			s.OnSweep(released)
		}
		if s.Logger != nil && released > 0 {
			s.Logger.Info().Int("released", released).Msg("reservation sweep")
		}
		return nil
	}
	var err error
	if s.Lock != nil {
		key := s.LockKey
		if key == "" {
			key = "ledger:sweep"
		}
		err = s.Lock.WithLock(ctx, key, s.LockTTL, run)
	} else {
		err = run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) && s.Logger != nil {
		s.Logger.Error().Err(err).Msg("reservation sweep failed")
	}
}

package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// LeadFunc runs while the elector holds the lease. The context is cancelled
// the moment leadership is lost or in doubt; the function must stop issuing
// orders and return promptly.
type LeadFunc func(ctx context.Context, lease domain.Lease) error

// Elector competes for the per-(account, symbol) lease and runs a LeadFunc
// for as long as it can prove it still holds it. Renewal happens well inside
// the TTL; a single failed or doubtful renewal surrenders leadership rather
// than risk two writers.
type Elector struct {
	store  domain.LeaseStore
	key    string
	holder string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

type Config struct {
	Key    string
	Holder string
	TTL    time.Duration
	// Retry is how long to wait between acquisition attempts while another
	// holder owns the lease.
	Retry time.Duration
}

func New(store domain.LeaseStore, cfg Config, logger *slog.Logger) *Elector {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = cfg.TTL / 2
	}
	return &Elector{
		store:  store,
		key:    cfg.Key,
		holder: cfg.Holder,
		ttl:    cfg.TTL,
		retry:  cfg.Retry,
		logger: logger.With(slog.String("component", "leader"), slog.String("lease_key", cfg.Key)),
	}
}

// Run blocks until ctx is cancelled, alternating between competing for the
// lease and leading. Each successful acquisition invokes lead exactly once
// with a fresh fencing token.
func (e *Elector) Run(ctx context.Context, lead LeadFunc) error {
	for {
		lease, err := e.store.Acquire(ctx, e.key, e.holder, e.ttl)
		switch {
		case errors.Is(err, domain.ErrLeaseHeld):
			if !sleep(ctx, e.retry) {
				return ctx.Err()
			}
			continue
		case err != nil:
			e.logger.Error("lease acquire failed", slog.Any("error", err))
			if !sleep(ctx, e.retry) {
				return ctx.Err()
			}
			continue
		}

		e.logger.Info("lease acquired",
			slog.Int64("token", lease.Token),
			slog.Time("expires_at", lease.ExpiresAt))

		if err := e.leadTerm(ctx, lease, lead); err != nil {
			e.logger.Error("leadership term ended with error", slog.Any("error", err))
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// leadTerm runs one term: heartbeat in the background, lead in the
// foreground. Whichever stops first takes the other down with it, and the
// lease is released on the way out if it is still ours.
func (e *Elector) leadTerm(ctx context.Context, lease domain.Lease, lead LeadFunc) error {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan error, 1)
	go func() {
		hbDone <- e.heartbeat(leadCtx, lease)
		cancel()
	}()

	leadErr := lead(leadCtx, lease)
	cancel()
	hbErr := <-hbDone

	// Release is best effort: if the lease was already lost the store treats
	// it as a no-op, and if it expired someone else will take it anyway.
	relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer relCancel()
	if err := e.store.Release(relCtx, e.key, e.holder, lease.Token); err != nil {
		e.logger.Warn("lease release failed", slog.Any("error", err))
	} else {
		e.logger.Info("lease released", slog.Int64("token", lease.Token))
	}

	if leadErr != nil {
		return leadErr
	}
	if hbErr != nil && !errors.Is(hbErr, context.Canceled) {
		return fmt.Errorf("heartbeat: %w", hbErr)
	}
	return nil
}

// heartbeat renews the lease at a third of its TTL. Any renew error, network
// or otherwise, ends the term immediately: an unconfirmed lease is treated
// as a lost one.
func (e *Elector) heartbeat(ctx context.Context, lease domain.Lease) error {
	interval := e.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		renewed, err := e.store.Renew(ctx, e.key, e.holder, lease.Token, e.ttl)
		if err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				e.logger.Warn("lease lost to another holder", slog.Int64("token", lease.Token))
				return domain.ErrLeaseLost
			}
			e.logger.Warn("lease renew failed, surrendering leadership", slog.Any("error", err))
			return err
		}
		lease = renewed
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

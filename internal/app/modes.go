package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/executor"
	"github.com/ldamasio/robson-sub000/internal/feed"
	"github.com/ldamasio/robson-sub000/internal/leader"
	"github.com/ldamasio/robson-sub000/internal/reconcile"
	"github.com/ldamasio/robson-sub000/internal/runner"
	"github.com/ldamasio/robson-sub000/internal/safetynet"
	"github.com/ldamasio/robson-sub000/internal/server"
	"github.com/ldamasio/robson-sub000/internal/server/handler"
)

// runnerRegistry exposes the live runners to the HTTP command handlers and
// routes exchange fills to them. Entries exist only while this process holds
// the symbol's lease; a process that lost a lease answers commands for that
// symbol with 404 instead of appending to streams it no longer owns.
type runnerRegistry struct {
	mu      sync.RWMutex
	runners map[string]*runner.Runner
	fills   map[string]chan domain.Fill
}

func newRunnerRegistry() *runnerRegistry {
	return &runnerRegistry{
		runners: make(map[string]*runner.Runner),
		fills:   make(map[string]chan domain.Fill),
	}
}

func (r *runnerRegistry) set(symbol string, rn *runner.Runner, fills chan domain.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[symbol] = rn
	r.fills[symbol] = fills
}

func (r *runnerRegistry) remove(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, symbol)
	delete(r.fills, symbol)
}

func (r *runnerRegistry) lookup(symbol string) (handler.Commander, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[symbol]
	return rn, ok
}

func (r *runnerRegistry) route(symbol string) (chan domain.Fill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.fills[symbol]
	return ch, ok
}

// TradeMode runs the core trading loop: leader election plus the HTTP API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	reg := newRunnerRegistry()

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, reg)
	}
	g.Go(func() error { return a.runLeader(ctx, deps, reg) })

	return g.Wait()
}

// MonitorMode runs only the safety net and the HTTP API. No leadership is
// taken and no core positions are driven.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	reg := newRunnerRegistry()

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, reg)
	}
	if a.cfg.SafetyNet.Enabled {
		g.Go(func() error { return a.runSafetyNet(ctx, deps) })
	}

	return g.Wait()
}

// FullMode runs everything: leader election, safety net, archiver and the
// HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	reg := newRunnerRegistry()

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, reg)
	}
	g.Go(func() error { return a.runLeader(ctx, deps, reg) })
	if a.cfg.SafetyNet.Enabled {
		g.Go(func() error { return a.runSafetyNet(ctx, deps) })
	}
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
			return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, retention)
		})
	}

	return g.Wait()
}

// startHTTPServer registers the API server on the errgroup and shuts it
// down when the group context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, reg *runnerRegistry) {
	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}
	if a.cfg.Server.RateLimit > 0 {
		srvCfg.RateLimiter = deps.RateLimiter
		srvCfg.RateLimit = a.cfg.Server.RateLimit
		srvCfg.RateWindow = a.cfg.Server.RateWindow.Duration
	}
	srv := server.NewServer(srvCfg, server.Handlers{
		Health:     handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Command:    handler.NewCommandHandler(reg.lookup, a.logger),
		Status:     handler.NewStatusHandler(a.cfg.Account, deps.Projection, a.logger),
		KillSwitch: handler.NewKillSwitchHandler(deps.KillSwitch, deps.Audit, a.logger),
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// runLeader competes for one lease per (account, symbol) key and drives a
// runner for each symbol whose lease it holds. Losing one symbol's lease
// interrupts only that symbol; the others keep trading.
func (a *App) runLeader(ctx context.Context, deps *Dependencies, reg *runnerRegistry) error {
	holder := a.cfg.Leader.Holder
	if holder == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		holder = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, symbol := range a.cfg.Trading.Symbols {
		elector := leader.New(deps.Leases, leader.Config{
			Key:    leaseKey(a.cfg.Leader.Key, a.cfg.Account, symbol),
			Holder: holder,
			TTL:    a.cfg.Leader.TTL.Duration,
			Retry:  a.cfg.Leader.Retry.Duration,
		}, a.logger)
		g.Go(func() error {
			return elector.Run(ctx, func(ctx context.Context, lease domain.Lease) error {
				a.logger.InfoContext(ctx, "leading",
					slog.String("symbol", symbol),
					slog.String("holder", lease.Holder),
					slog.Int64("token", lease.Token),
				)
				defer reg.remove(symbol)
				return a.leadSymbol(ctx, deps, reg, symbol)
			})
		})
	}

	// One user-data stream for the whole process; fills route to whichever
	// symbol terms are currently held. A fill for a symbol this process does
	// not lead is already journaled, and reconciliation picks it up.
	userStream, err := deps.Connector.SubscribeUserData(ctx)
	if err != nil {
		return fmt.Errorf("app: subscribe user data: %w", err)
	}
	correlator := executor.NewFillCorrelator(deps.Intents, deps.Audit, a.logger)
	g.Go(func() error {
		return correlator.Run(ctx, userStream, func(ctx context.Context, in domain.Intent, fill domain.Fill) error {
			route, ok := reg.route(in.Symbol)
			if !ok {
				return nil
			}
			select {
			case route <- fill:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	return g.Wait()
}

// leaseKey scopes the configured lease prefix down to one (account, symbol)
// key so each symbol's leadership is acquired, fenced and lost independently.
func leaseKey(prefix, account, symbol string) string {
	return prefix + ":" + domain.LeaseKey(account, symbol)
}

// leadSymbol is one uninterrupted term of leadership over a single symbol:
// reconcile, then run the live loops until the lease is lost or the context
// ends.
func (a *App) leadSymbol(ctx context.Context, deps *Dependencies, reg *runnerRegistry, symbol string) error {
	reconciler := reconcile.New(
		deps.Events, deps.Intents, deps.Connector, deps.Executor,
		deps.Prices, deps.Audit, deps.Notifier, a.logger,
	)

	positionID := ""
	pos, err := deps.Projection.GetActive(ctx, a.cfg.Account, symbol)
	switch {
	case err == nil:
		positionID = pos.ID
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("app: load active position for %s: %w", symbol, err)
	}

	outcome, err := reconciler.Reconcile(ctx, a.cfg.Account, symbol, positionID)
	if err != nil {
		return fmt.Errorf("app: reconcile %s: %w", symbol, err)
	}
	a.logger.InfoContext(ctx, "reconciled",
		slog.String("symbol", symbol),
		slog.String("verdict", string(outcome.Verdict)),
	)

	rn := runner.New(a.cfg.Account, symbol, runner.Deps{
		Events:     deps.Events,
		Projection: deps.Projection,
		Executor:   deps.Executor,
		Connector:  deps.Connector,
		Bus:        deps.Bus,
		Exclusions: deps.Exclusions,
		Logger:     a.logger,
	})
	if err := rn.Load(ctx); err != nil {
		return fmt.Errorf("app: load runner for %s: %w", symbol, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	ticks := make(chan domain.MarketTick)
	signals := make(chan domain.EntrySignal)
	fills := make(chan domain.Fill)
	reg.set(symbol, rn, fills)

	feeder := feed.NewFeeder(deps.Connector, deps.Prices, symbol, a.logger)
	source := feed.NewSignalSource(deps.Bus, symbol, a.logger)
	g.Go(func() error { return feeder.Run(ctx, ticks) })
	g.Go(func() error { return source.Run(ctx, signals) })
	g.Go(func() error { return rn.Run(ctx, ticks, signals, fills) })

	return g.Wait()
}

// runSafetyNet runs the fixed-stop monitor for non-core positions.
func (a *App) runSafetyNet(ctx context.Context, deps *Dependencies) error {
	symbols := a.cfg.SafetyNet.Symbols
	if len(symbols) == 0 {
		symbols = a.cfg.Trading.Symbols
	}
	monitor := safetynet.New(safetynet.Config{
		Symbols:        symbols,
		MaxLossPercent: decimal.NewFromFloat(a.cfg.SafetyNet.MaxLossPercent),
		Interval:       a.cfg.SafetyNet.Interval.Duration,
		Account:        a.cfg.Account,
	}, safetynet.Deps{
		Connector:  deps.Connector,
		Prices:     deps.Prices,
		Projection: deps.Projection,
		Exclusions: deps.Exclusions,
		Locks:      deps.Locks,
		Executor:   deps.Executor,
		Audit:      deps.Audit,
		Logger:     a.logger,
	})
	return monitor.Run(ctx)
}

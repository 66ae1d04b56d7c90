// Package feed moves market data and entry signals from their sources to the
// runner: exchange trade ticks are cached and fanned out, and externally
// detected entry signals arrive over the signal bus.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// ChannelSignals is the bus channel external detectors publish EntrySignal
// JSON to.
const ChannelSignals = "robson:signals"

// Feeder subscribes to the exchange market stream for one symbol, keeps the
// price cache current and forwards ticks to the runner.
type Feeder struct {
	connector domain.ExchangeConnector
	prices    domain.PriceCache
	symbol    string
	logger    *slog.Logger
}

func NewFeeder(connector domain.ExchangeConnector, prices domain.PriceCache, symbol string, logger *slog.Logger) *Feeder {
	return &Feeder{
		connector: connector,
		prices:    prices,
		symbol:    symbol,
		logger: logger.With(
			slog.String("component", "feed"),
			slog.String("symbol", symbol)),
	}
}

// Run pumps ticks until ctx is cancelled. Every tick lands in the price
// cache before it is offered to out, so the staleness guardrail never sees a
// price older than what the runner is acting on.
func (f *Feeder) Run(ctx context.Context, out chan<- domain.MarketTick) error {
	ticks, err := f.connector.SubscribeMarketData(ctx, f.symbol)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.symbol, err)
	}
	f.logger.Info("feed started")
	defer f.logger.Info("feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return fmt.Errorf("feed %s: %w", f.symbol, domain.ErrWSDisconnect)
			}
			if err := f.prices.SetLast(ctx, tick); err != nil {
				f.logger.Warn("price cache write failed", slog.Any("error", err))
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// SignalSource forwards entry signals published on the bus to the runner.
type SignalSource struct {
	bus    domain.SignalBus
	symbol string
	logger *slog.Logger
}

func NewSignalSource(bus domain.SignalBus, symbol string, logger *slog.Logger) *SignalSource {
	return &SignalSource{
		bus:    bus,
		symbol: symbol,
		logger: logger.With(slog.String("component", "signal_source")),
	}
}

// Run consumes the signal channel until ctx is cancelled. Signals for other
// symbols and unparseable payloads are dropped with a log line; the engine
// re-validates everything that gets through anyway.
func (s *SignalSource) Run(ctx context.Context, out chan<- domain.EntrySignal) error {
	ch, err := s.bus.Subscribe(ctx, ChannelSignals)
	if err != nil {
		return fmt.Errorf("feed: subscribe signals: %w", err)
	}
	s.logger.Info("signal source started")
	defer s.logger.Info("signal source stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return fmt.Errorf("signal channel: %w", domain.ErrWSDisconnect)
			}
			var sig domain.EntrySignal
			if err := json.Unmarshal(raw, &sig); err != nil {
				s.logger.Debug("unparseable signal dropped",
					slog.Int("payload_len", len(raw)), slog.Any("error", err))
				continue
			}
			if sig.Symbol != s.symbol {
				continue
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

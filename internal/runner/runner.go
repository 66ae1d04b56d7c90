// Package runner drives one (account, symbol) key: it feeds market data,
// signals, fills and operator commands through the decision engine, appends
// the resulting events and hands actions to the executor. All processing for
// a key is serialized, so cancellation can only land between inputs, never
// inside one.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/engine"
	"github.com/ldamasio/robson-sub000/internal/executor"
)

// appendRetries bounds optimistic-concurrency retries per input. Collisions
// on a single-writer stream mean another process is appending; giving up
// after a few attempts surfaces that instead of spinning.
const appendRetries = 3

// ArmRequest is the operator command that opens a new armed position.
// StopGain is optional: when set, an active position exits at that price
// instead of riding the trailed stop indefinitely.
type ArmRequest struct {
	Symbol           string
	Side             domain.Side
	CapitalAllocated decimal.Decimal
	RiskPercent      decimal.Decimal
	Leverage         int
	StopGain         *decimal.Decimal
}

func (r ArmRequest) validate() error {
	if r.Symbol == "" {
		return domain.NewValidationError("symbol is required")
	}
	if r.Side != domain.SideLong && r.Side != domain.SideShort {
		return domain.NewValidationError("side must be long or short")
	}
	if !r.CapitalAllocated.IsPositive() {
		return domain.NewValidationError("capital must be positive")
	}
	if !r.RiskPercent.IsPositive() || r.RiskPercent.GreaterThan(decimal.NewFromInt(1)) {
		return domain.NewValidationError("risk percent must be in (0, 1]")
	}
	if r.Leverage < 1 {
		return domain.NewValidationError("leverage must be at least 1")
	}
	if r.StopGain != nil && !r.StopGain.IsPositive() {
		return domain.NewValidationError("stop gain must be positive when set")
	}
	return nil
}

// Runner owns the live aggregate for one (account, symbol) key.
type Runner struct {
	account string
	symbol  string

	events     domain.EventStore
	projection domain.PositionProjection
	exec       *executor.Executor
	connector  domain.ExchangeConnector
	bus        domain.SignalBus
	exclusions domain.ExclusionSet
	logger     *slog.Logger

	// mu serializes every input; cached state below is only touched under it.
	mu     sync.Mutex
	pos    domain.Position
	hasPos bool
	seq    int64
}

type Deps struct {
	Events     domain.EventStore
	Projection domain.PositionProjection
	Executor   *executor.Executor
	// Connector, when set, is queried for the exchange-native position id
	// after an entry fill. Optional; fills still apply without it.
	Connector  domain.ExchangeConnector
	Bus        domain.SignalBus
	Exclusions domain.ExclusionSet
	Logger     *slog.Logger
}

func New(account, symbol string, deps Deps) *Runner {
	return &Runner{
		account:    account,
		symbol:     symbol,
		events:     deps.Events,
		projection: deps.Projection,
		exec:       deps.Executor,
		connector:  deps.Connector,
		bus:        deps.Bus,
		exclusions: deps.Exclusions,
		logger: deps.Logger.With(
			slog.String("component", "runner"),
			slog.String("account", account),
			slog.String("symbol", symbol)),
	}
}

// Load primes the cached aggregate from the event log. Call once after
// reconciliation, before Run.
func (r *Runner) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.projection.GetActive(ctx, r.account, r.symbol)
	if errors.Is(err, domain.ErrNotFound) {
		r.hasPos = false
		return nil
	}
	if err != nil {
		return fmt.Errorf("runner load: %w", err)
	}
	return r.reload(ctx, cur.ID)
}

// reload replaces the cached aggregate from the stream; caller holds mu.
func (r *Runner) reload(ctx context.Context, positionID string) error {
	stream := domain.PositionStream(positionID)
	pos, err := r.events.Replay(ctx, stream)
	if err != nil {
		return fmt.Errorf("runner replay %s: %w", positionID, err)
	}
	seq, err := r.events.CurrentSeq(ctx, stream)
	if err != nil {
		return fmt.Errorf("runner seq %s: %w", positionID, err)
	}
	r.pos, r.seq, r.hasPos = pos, seq, !pos.State.Terminal()
	return nil
}

// Position returns the cached aggregate, false when none is open.
func (r *Runner) Position() (domain.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos, r.hasPos
}

// Run consumes inputs until ctx is cancelled. The caller owns the channels;
// a closed channel is treated the same as cancellation.
func (r *Runner) Run(ctx context.Context, ticks <-chan domain.MarketTick, signals <-chan domain.EntrySignal, fills <-chan domain.Fill) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return fmt.Errorf("runner: tick stream closed: %w", domain.ErrWSDisconnect)
			}
			r.step(ctx, engine.TickInput{Tick: tick})
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("runner: signal stream closed: %w", domain.ErrWSDisconnect)
			}
			r.step(ctx, engine.SignalInput{Signal: sig})
		case fill, ok := <-fills:
			if !ok {
				return fmt.Errorf("runner: fill stream closed: %w", domain.ErrWSDisconnect)
			}
			r.handleFill(ctx, fill)
		}
	}
}

// Arm opens a fresh position stream in the armed state. At most one
// non-terminal position exists per key.
func (r *Runner) Arm(ctx context.Context, req ArmRequest) (domain.Position, error) {
	if err := req.validate(); err != nil {
		return domain.Position{}, err
	}
	if req.Symbol != r.symbol {
		return domain.Position{}, domain.NewValidationError("runner handles %s, not %s", r.symbol, req.Symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasPos {
		return domain.Position{}, fmt.Errorf("arm %s/%s: position %s is %s: %w",
			r.account, r.symbol, r.pos.ID, r.pos.State, domain.ErrAlreadyExists)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	drafts := []engine.EventDraft{{
		Type: domain.EventPositionArmed,
		Payload: domain.ArmedPayload{
			PositionID:       id,
			Account:          r.account,
			Symbol:           r.symbol,
			Side:             req.Side,
			CapitalAllocated: req.CapitalAllocated,
			RiskPercent:      req.RiskPercent,
			Leverage:         req.Leverage,
			StopGain:         req.StopGain,
			ArmedAt:          now,
		},
	}}
	events, err := engine.Materialize(r.account, id, "arm:"+id, drafts)
	if err != nil {
		return domain.Position{}, err
	}
	if err := r.events.Append(ctx, domain.PositionStream(id), 0, events); err != nil {
		return domain.Position{}, fmt.Errorf("arm %s/%s: %w", r.account, r.symbol, err)
	}
	if err := r.reload(ctx, id); err != nil {
		return domain.Position{}, err
	}

	r.announce(ctx, "opened")
	r.logger.Info("position armed",
		slog.String("position_id", id),
		slog.String("side", string(req.Side)))
	return r.pos, nil
}

// Disarm cancels an armed position before any order exists.
func (r *Runner) Disarm(ctx context.Context, reason string) (domain.Position, error) {
	return r.command(ctx, engine.DisarmInput{Reason: reason})
}

// Panic forces an immediate reduce-only market exit.
func (r *Runner) Panic(ctx context.Context) (domain.Position, error) {
	return r.command(ctx, engine.PanicInput{})
}

func (r *Runner) command(ctx context.Context, in engine.Input) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasPos {
		return domain.Position{}, fmt.Errorf("%s/%s: no open position: %w", r.account, r.symbol, domain.ErrNotFound)
	}
	dec, err := r.apply(ctx, in)
	if err != nil {
		return domain.Position{}, err
	}
	if dec.Declined {
		return r.pos, domain.NewValidationError("command declined: %s", dec.Reason)
	}
	return r.pos, nil
}

// step processes one stream input; declines are routine and only logged.
func (r *Runner) step(ctx context.Context, in engine.Input) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasPos {
		return
	}
	if _, isTick := in.(engine.TickInput); isTick {
		r.redrive(ctx)
	}
	dec, err := r.apply(ctx, in)
	if err != nil {
		r.logger.Error("input processing failed", slog.Any("error", err))
		return
	}
	if dec.Declined && dec.Reason != engine.DeclineNoOp {
		r.logger.Debug("input declined", slog.String("reason", dec.Reason))
	}
}

// redrive nudges the unconfirmed order a waiting state depends on. Once the
// intent confirms this costs one journal read per tick; until then a blocked
// or unresolved intent gets a fresh chance on every tick. Caller holds mu.
func (r *Runner) redrive(ctx context.Context) {
	var intentID string
	switch r.pos.State {
	case domain.StateEntering:
		intentID = engine.EntryIntentID(r.pos.ID)
	case domain.StateExiting:
		intentID = engine.ExitIntentID(r.pos.ID)
	default:
		return
	}
	res := r.exec.Redrive(ctx, intentID)
	if res.Outcome == executor.OutcomeFailed && res.Err != nil && !errors.Is(res.Err, domain.ErrNotFound) {
		r.logger.Warn("intent redrive failed",
			slog.String("intent_id", intentID),
			slog.Any("error", res.Err))
	}
}

func (r *Runner) handleFill(ctx context.Context, fill domain.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasPos {
		return
	}
	in := engine.FillInput{IntentID: fill.ClientOrderID, Fill: fill}
	if fill.ClientOrderID == engine.EntryIntentID(r.pos.ID) && r.connector != nil {
		// An entry fill opened an exchange position; capture its native id
		// so reconciliation can match ours against the exchange's.
		if xp, err := r.connector.GetPosition(ctx, r.symbol); err != nil {
			r.logger.Warn("exchange position lookup failed", slog.Any("error", err))
		} else if !xp.Flat() {
			in.NativePositionID = xp.NativeID
		}
	}
	if _, err := r.apply(ctx, in); err != nil {
		r.logger.Error("fill processing failed",
			slog.String("client_order_id", fill.ClientOrderID),
			slog.Any("error", err))
	}
}

// apply runs one input through decide-append-execute. Caller holds mu. A
// sequence collision reloads the aggregate and re-decides, bounded by
// appendRetries; the decision may legitimately change against the newer
// state.
func (r *Runner) apply(ctx context.Context, in engine.Input) (engine.Decision, error) {
	var dec engine.Decision
	var duplicate bool
	for attempt := 0; ; attempt++ {
		dec = engine.Decide(r.pos, in)
		if dec.Declined {
			return dec, nil
		}

		events, err := engine.Materialize(r.account, r.pos.ID, commandID(r.pos.ID, in), dec.Events)
		if err != nil {
			return dec, err
		}
		err = r.events.Append(ctx, domain.PositionStream(r.pos.ID), r.seq, events)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrDuplicateCommand):
			duplicate = true
		case errors.Is(err, domain.ErrConcurrency) && attempt < appendRetries:
			if rerr := r.reload(ctx, r.pos.ID); rerr != nil {
				return dec, rerr
			}
			continue
		default:
			return dec, fmt.Errorf("append: %w", err)
		}
		break
	}

	wasTerminal := r.pos.State.Terminal()
	if duplicate {
		// The command already landed in an earlier pass; advancing the cached
		// sequence again would desync it from the stream. Re-read instead.
		if err := r.reload(ctx, r.pos.ID); err != nil {
			return dec, err
		}
	} else {
		r.pos = dec.Next
		r.seq += int64(len(dec.Events))
	}

	for _, act := range dec.Actions {
		res := r.exec.Execute(ctx, executor.IntentFor(r.pos, act))
		switch res.Outcome {
		case executor.OutcomeBlocked:
			r.logger.Warn("action blocked",
				slog.String("intent_id", act.IntentID),
				slog.String("reason", res.BlockReason))
		case executor.OutcomeFailed:
			r.logger.Error("action failed",
				slog.String("intent_id", act.IntentID),
				slog.Any("error", res.Err))
		}
	}

	if !wasTerminal && r.pos.State.Terminal() {
		r.hasPos = false
		r.announce(ctx, "closed")
		r.logger.Info("position closed",
			slog.String("position_id", r.pos.ID),
			slog.String("state", string(r.pos.State)),
			slog.String("realized_pnl", r.pos.RealizedPnL.String()))
	}
	return dec, nil
}

// announce keeps the safety net in sync: the exclusion set is the fast path,
// the lifecycle channel the push path. Failures are logged, never fatal; the
// safety net falls back to the projection.
func (r *Runner) announce(ctx context.Context, phase string) {
	if r.exclusions != nil {
		var err error
		if phase == "opened" {
			err = r.exclusions.Add(ctx, r.symbol, r.pos.Side)
		} else {
			err = r.exclusions.Remove(ctx, r.symbol, r.pos.Side)
		}
		if err != nil {
			r.logger.Warn("exclusion set update failed",
				slog.String("phase", phase), slog.Any("error", err))
		}
	}
	if r.bus != nil {
		payload, err := json.Marshal(domain.LifecycleEvent{
			PositionID: r.pos.ID,
			Account:    r.account,
			Symbol:     r.symbol,
			Side:       r.pos.Side,
			Phase:      phase,
			At:         time.Now().UTC(),
		})
		if err == nil {
			err = r.bus.Publish(ctx, domain.ChannelLifecycle, payload)
		}
		if err != nil {
			r.logger.Warn("lifecycle publish failed",
				slog.String("phase", phase), slog.Any("error", err))
		}
	}
}

// commandID derives a stable command id per (position, input kind) so a
// replayed input dedupes on the idempotency key instead of double-appending.
func commandID(positionID string, in engine.Input) string {
	switch v := in.(type) {
	case engine.SignalInput:
		return "signal:" + positionID
	case engine.TickInput:
		return "tick:" + positionID + ":" + v.Tick.At.UTC().Format(time.RFC3339Nano)
	case engine.FillInput:
		return "fill:" + v.IntentID
	case engine.DisarmInput:
		return "disarm:" + positionID
	case engine.PanicInput:
		return "panic:" + positionID
	case engine.ReconcileExitInput:
		return "reconcile-exit:" + positionID
	default:
		return "input:" + positionID
	}
}

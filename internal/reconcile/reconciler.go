// Package reconcile re-establishes agreement between the replayed local
// aggregate and the exchange's view of orders and positions. It runs once per
// leadership acquisition, before any new order is issued.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/engine"
	"github.com/ldamasio/robson-sub000/internal/executor"
)

// Verdict classifies the outcome of one reconciliation pass.
type Verdict string

const (
	// VerdictClean means local and exchange state agree; normal processing
	// may resume.
	VerdictClean Verdict = "clean"
	// VerdictCaughtUp means the exchange was ahead (fills landed while no
	// leader was running) and the gap was closed with catch-up events.
	VerdictCaughtUp Verdict = "caught_up"
	// VerdictDegraded means the divergence could not be explained. The
	// position was force-closed and parked in the error state; the operator
	// was alerted.
	VerdictDegraded Verdict = "degraded"
)

// Outcome reports what a reconciliation pass found and did.
type Outcome struct {
	Verdict  Verdict
	Position domain.Position
	// HasPosition is false when no non-terminal position exists for the key.
	HasPosition bool
	Resolved    []executor.Result
	Detail      string
}

// Notifier is the alerting surface the reconciler needs.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

type Reconciler struct {
	events    domain.EventStore
	intents   domain.IntentJournal
	connector domain.ExchangeConnector
	exec      *executor.Executor
	prices    domain.PriceCache
	audit     domain.AuditStore
	notifier  Notifier
	logger    *slog.Logger
}

func New(
	events domain.EventStore,
	intents domain.IntentJournal,
	connector domain.ExchangeConnector,
	exec *executor.Executor,
	prices domain.PriceCache,
	audit domain.AuditStore,
	notifier Notifier,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		events:    events,
		intents:   intents,
		connector: connector,
		exec:      exec,
		prices:    prices,
		audit:     audit,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "reconcile")),
	}
}

// Reconcile brings the (account, symbol) key back into agreement with the
// exchange. positionID identifies the current non-terminal position, empty
// when the projection has none.
func (r *Reconciler) Reconcile(ctx context.Context, account, symbol, positionID string) (Outcome, error) {
	// In-doubt intents first: every journaled side effect must reach a
	// terminal status before the aggregate comparison means anything.
	resolved, err := r.exec.ResolveUnresolved(ctx, account, symbol)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile %s/%s: resolve intents: %w", account, symbol, err)
	}

	if positionID == "" {
		return r.reconcileFlat(ctx, account, symbol, resolved)
	}

	pos, err := r.events.Replay(ctx, domain.PositionStream(positionID))
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile %s/%s: replay: %w", account, symbol, err)
	}
	if pos.State.Terminal() {
		return Outcome{Verdict: VerdictClean, Position: pos, HasPosition: true, Resolved: resolved}, nil
	}

	switch pos.State {
	case domain.StateEntering:
		return r.reconcileEntering(ctx, pos, resolved)
	case domain.StateActive:
		return r.reconcileActive(ctx, pos, resolved)
	case domain.StateExiting:
		return r.reconcileExiting(ctx, pos, resolved)
	default: // armed: nothing is on the exchange yet
		return Outcome{Verdict: VerdictClean, Position: pos, HasPosition: true, Resolved: resolved}, nil
	}
}

// reconcileFlat checks that a key with no managed position really is flat on
// the exchange. A leftover exchange position is alerted, never touched: it
// may be manual or belong to the safety net.
func (r *Reconciler) reconcileFlat(ctx context.Context, account, symbol string, resolved []executor.Result) (Outcome, error) {
	exch, err := r.connector.GetPosition(ctx, symbol)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile %s/%s: exchange position: %w", account, symbol, err)
	}
	if exch.Flat() {
		return Outcome{Verdict: VerdictClean, Resolved: resolved}, nil
	}

	detail := fmt.Sprintf("exchange holds %s %s on %s but no managed position exists",
		exch.Quantity, exch.Side, symbol)
	r.flag(ctx, "reconcile_unmanaged_position", map[string]any{
		"account": account, "symbol": symbol,
		"exchange_qty": exch.Quantity.String(), "exchange_side": string(exch.Side),
	}, detail)
	return Outcome{Verdict: VerdictDegraded, Resolved: resolved, Detail: detail}, nil
}

// reconcileEntering inspects the resting entry order. A fill that landed
// while no leader was running becomes a catch-up event; a cancelled or
// rejected entry parks the position in the error state.
func (r *Reconciler) reconcileEntering(ctx context.Context, pos domain.Position, resolved []executor.Result) (Outcome, error) {
	intentID := engine.EntryIntentID(pos.ID)
	order, err := r.connector.GetOrder(ctx, pos.Symbol, intentID)
	if errors.Is(err, domain.ErrNotFound) {
		// The executor resolves unknown submissions above; an entry the
		// exchange has never seen at this point is an unexplained hole.
		return r.degrade(ctx, pos, resolved, "entry order unknown to exchange")
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile %s: entry order: %w", pos.ID, err)
	}

	switch order.Status {
	case domain.OrderStatusFilled:
		out, err := r.applyFill(ctx, pos, intentID, order)
		if err != nil {
			return Outcome{}, err
		}
		out.Resolved = resolved
		return out, nil
	case domain.OrderStatusAccepted:
		return Outcome{Verdict: VerdictClean, Position: pos, HasPosition: true, Resolved: resolved}, nil
	default: // cancelled, rejected, unknown
		return r.park(ctx, pos, resolved,
			fmt.Sprintf("entry order ended %s outside our control", order.Status))
	}
}

// reconcileActive compares the exchange position with the replayed quantity.
func (r *Reconciler) reconcileActive(ctx context.Context, pos domain.Position, resolved []executor.Result) (Outcome, error) {
	exch, err := r.connector.GetPosition(ctx, pos.Symbol)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile %s: exchange position: %w", pos.ID, err)
	}

	if !exch.Flat() && exch.Quantity.Equal(pos.Quantity) && exch.Side == pos.Side {
		// Exchange agrees with the aggregate, but the stop may have been
		// crossed while no leader was watching the tape.
		if out, handled, err := r.exitStaleStop(ctx, pos); handled || err != nil {
			if err != nil {
				return Outcome{}, err
			}
			out.Resolved = resolved
			return out, nil
		}
		return Outcome{Verdict: VerdictClean, Position: pos, HasPosition: true, Resolved: resolved}, nil
	}
	if exch.Flat() {
		// Closed from under us: liquidation or a manual intervention. There
		// is nothing left to exit, so record the error and stand down.
		return r.park(ctx, pos, resolved, "exchange position is flat while aggregate is active")
	}
	// Partial or side mismatch: close what remains and stand down.
	return r.degrade(ctx, pos, resolved,
		fmt.Sprintf("exchange holds %s %s, aggregate expects %s %s",
			exch.Quantity, exch.Side, pos.Quantity, pos.Side))
}

// reconcileExiting inspects the in-flight exit order and folds a completed
// exit into the stream.
func (r *Reconciler) reconcileExiting(ctx context.Context, pos domain.Position, resolved []executor.Result) (Outcome, error) {
	intentID := engine.ExitIntentID(pos.ID)
	order, err := r.connector.GetOrder(ctx, pos.Symbol, intentID)
	if errors.Is(err, domain.ErrNotFound) {
		return r.degrade(ctx, pos, resolved, "exit order unknown to exchange")
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile %s: exit order: %w", pos.ID, err)
	}

	switch order.Status {
	case domain.OrderStatusFilled:
		out, err := r.applyFill(ctx, pos, intentID, order)
		if err != nil {
			return Outcome{}, err
		}
		out.Resolved = resolved
		return out, nil
	case domain.OrderStatusAccepted:
		return Outcome{Verdict: VerdictClean, Position: pos, HasPosition: true, Resolved: resolved}, nil
	default:
		// A market reduce-only exit that got cancelled or rejected leaves
		// real exposure open.
		return r.degrade(ctx, pos, resolved,
			fmt.Sprintf("exit order ended %s, exposure may remain", order.Status))
	}
}

// exitStaleStop closes an active position whose stop price was crossed while
// no leader was running. Holding past the stop is the one loss the daemon
// exists to cap, so the position gets a single reduce-only market exit; when
// the order fills immediately the exit folds straight through to closed.
func (r *Reconciler) exitStaleStop(ctx context.Context, pos domain.Position) (Outcome, bool, error) {
	if r.prices == nil {
		return Outcome{}, false, nil
	}
	tick, err := r.prices.GetLast(ctx, pos.Symbol)
	if err != nil {
		// No cached price means no verdict on the stop; the live tick loop
		// re-checks within moments of the term starting.
		return Outcome{}, false, nil
	}
	if !domain.StopBreached(pos.Side, pos.StopLoss, tick.Price) {
		return Outcome{}, false, nil
	}

	detail := fmt.Sprintf("stop %s crossed while unattended, last price %s",
		pos.StopLoss, tick.Price)
	r.flag(ctx, "reconcile_stale_stop", map[string]any{
		"position_id": pos.ID, "account": pos.Account, "symbol": pos.Symbol,
		"stop_loss": pos.StopLoss.String(), "last_price": tick.Price.String(),
	}, fmt.Sprintf("position %s: %s", pos.ID, detail))

	dec := engine.Decide(pos, engine.ReconcileExitInput{Price: tick.Price})
	if dec.Declined {
		return Outcome{}, false, nil
	}
	if err := r.append(ctx, pos, "reconcile-exit:"+pos.ID, dec.Events); err != nil {
		return Outcome{}, false, err
	}
	pos = dec.Next

	for _, act := range dec.Actions {
		res := r.exec.Execute(ctx, executor.IntentFor(pos, act))
		if res.Err != nil {
			r.logger.Error("stale-stop exit failed",
				slog.String("position_id", pos.ID),
				slog.String("intent_id", act.IntentID),
				slog.Any("error", res.Err))
			continue
		}
		if res.Order.Status == domain.OrderStatusFilled {
			out, err := r.applyFill(ctx, pos, act.IntentID, res.Order)
			if err != nil {
				return Outcome{}, false, err
			}
			out.Verdict = VerdictDegraded
			out.Detail = detail
			return out, true, nil
		}
	}
	return Outcome{Verdict: VerdictDegraded, Position: pos, HasPosition: true, Detail: detail}, true, nil
}

// applyFill feeds an already-settled order through the decision engine so the
// catch-up events are exactly what the live path would have produced.
func (r *Reconciler) applyFill(ctx context.Context, pos domain.Position, intentID string, order domain.OrderResult) (Outcome, error) {
	in := engine.FillInput{
		IntentID: intentID,
		Fill: domain.Fill{
			ClientOrderID:   intentID,
			ExchangeOrderID: order.ExchangeOrderID,
			Symbol:          pos.Symbol,
			Price:           order.FilledPrice,
			Quantity:        order.FilledQuantity,
		},
	}
	if intentID == engine.EntryIntentID(pos.ID) {
		// The filled entry opened an exchange position; record its native id
		// so later passes can match ours against the exchange's.
		if exch, err := r.connector.GetPosition(ctx, pos.Symbol); err == nil && !exch.Flat() {
			in.NativePositionID = exch.NativeID
		}
	}
	dec := engine.Decide(pos, in)
	if dec.Declined {
		return r.degrade(ctx, pos, nil, "settled order does not apply: "+dec.Reason)
	}
	if err := r.append(ctx, pos, "reconcile:"+intentID, dec.Events); err != nil {
		return Outcome{}, err
	}

	r.logger.Info("caught up from exchange",
		slog.String("position_id", pos.ID),
		slog.String("intent_id", intentID),
		slog.String("state", string(dec.Next.State)))
	return Outcome{Verdict: VerdictCaughtUp, Position: dec.Next, HasPosition: true}, nil
}

// degrade force-closes the position with a reduce-only market order, parks it
// in the error state and alerts the operator.
func (r *Reconciler) degrade(ctx context.Context, pos domain.Position, resolved []executor.Result, detail string) (Outcome, error) {
	r.flag(ctx, "reconcile_degraded", map[string]any{
		"position_id": pos.ID, "account": pos.Account, "symbol": pos.Symbol,
		"state": string(pos.State), "detail": detail,
	}, fmt.Sprintf("position %s: %s", pos.ID, detail))

	dec := engine.Decide(pos, engine.ReconcileExitInput{})
	if !dec.Declined {
		if err := r.append(ctx, pos, "reconcile-exit:"+pos.ID, dec.Events); err != nil {
			return Outcome{}, err
		}
		for _, act := range dec.Actions {
			res := r.exec.Execute(ctx, executor.IntentFor(pos, act))
			if res.Err != nil {
				r.logger.Error("degraded-mode exit failed",
					slog.String("position_id", pos.ID),
					slog.String("intent_id", act.IntentID),
					slog.Any("error", res.Err))
			}
		}
		pos = dec.Next
	}

	return r.parkErrored(ctx, pos, resolved, detail)
}

// park records the error terminally without issuing any order; used when
// there is nothing left on the exchange to close.
func (r *Reconciler) park(ctx context.Context, pos domain.Position, resolved []executor.Result, detail string) (Outcome, error) {
	r.flag(ctx, "reconcile_degraded", map[string]any{
		"position_id": pos.ID, "account": pos.Account, "symbol": pos.Symbol,
		"state": string(pos.State), "detail": detail,
	}, fmt.Sprintf("position %s: %s", pos.ID, detail))
	return r.parkErrored(ctx, pos, resolved, detail)
}

func (r *Reconciler) parkErrored(ctx context.Context, pos domain.Position, resolved []executor.Result, detail string) (Outcome, error) {
	drafts := []engine.EventDraft{{
		Type:    domain.EventPositionErrored,
		Payload: domain.ErroredPayload{Reason: detail},
	}}
	if err := r.append(ctx, pos, "reconcile-error:"+pos.ID, drafts); err != nil {
		return Outcome{}, err
	}
	payload, _ := json.Marshal(domain.ErroredPayload{Reason: detail})
	next, err := domain.ApplyEvent(pos, domain.Event{
		StreamKey: domain.PositionStream(pos.ID),
		Type:      domain.EventPositionErrored,
		Payload:   payload,
	})
	if err != nil {
		next = pos
	}
	return Outcome{Verdict: VerdictDegraded, Position: next, HasPosition: true, Resolved: resolved, Detail: detail}, nil
}

func (r *Reconciler) append(ctx context.Context, pos domain.Position, commandID string, drafts []engine.EventDraft) error {
	events, err := engine.Materialize(pos.Account, pos.ID, commandID, drafts)
	if err != nil {
		return err
	}
	stream := domain.PositionStream(pos.ID)
	seq, err := r.events.CurrentSeq(ctx, stream)
	if err != nil {
		return err
	}
	err = r.events.Append(ctx, stream, seq, events)
	if errors.Is(err, domain.ErrDuplicateCommand) {
		return nil
	}
	return err
}

// flag writes the audit entry and alerts the operator. Neither failure stops
// reconciliation; both are logged.
func (r *Reconciler) flag(ctx context.Context, event string, detail map[string]any, message string) {
	if r.audit != nil {
		if err := r.audit.Log(ctx, event, detail); err != nil {
			r.logger.Error("audit write failed", slog.Any("error", err))
		}
	}
	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, event, "Reconciliation alert", message); err != nil {
			r.logger.Error("notify failed", slog.Any("error", err))
		}
	}
	r.logger.Warn(message, slog.String("event", event))
}

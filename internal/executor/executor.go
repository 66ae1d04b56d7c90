// Package executor is the idempotent execution layer between engine decisions
// and the exchange. Every side effect is journaled as an intent before any
// external call; the journal is consulted before any retry, which is the sole
// duplicate-order defense.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// Outcome classifies what the executor did with an intent. Expected business
// outcomes are values, not errors; hard failures are reserved for genuinely
// exceptional conditions.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeFailed   Outcome = "failed"
)

// Result is the executor's answer for one intent.
type Result struct {
	Outcome     Outcome
	Intent      domain.Intent
	Order       domain.OrderResult
	BlockReason string
	Err         error
}

// Executor journals, guards and submits intents. It is safe to call Execute
// with the same intent id any number of times: the journal absorbs retries.
type Executor struct {
	journal    domain.IntentJournal
	connector  domain.ExchangeConnector
	guardrails []Guardrail
	audit      domain.AuditStore
	logger     *slog.Logger

	maxAttempts int
	callTimeout time.Duration
	backoffBase time.Duration

	// breaker, when set, records every connector outcome so the circuit
	// guardrail can open after repeated failures.
	breaker *CircuitBreaker
}

// Config tunes retry behaviour.
type Config struct {
	MaxAttempts int
	CallTimeout time.Duration
	BackoffBase time.Duration
}

// New creates an Executor. Guardrails run in order before every submission;
// each can only block, never crash, execution.
func New(
	journal domain.IntentJournal,
	connector domain.ExchangeConnector,
	guardrails []Guardrail,
	audit domain.AuditStore,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	e := &Executor{
		journal:     journal,
		connector:   connector,
		guardrails:  guardrails,
		audit:       audit,
		logger:      logger.With(slog.String("component", "executor")),
		maxAttempts: cfg.MaxAttempts,
		callTimeout: cfg.CallTimeout,
		backoffBase: cfg.BackoffBase,
	}
	for _, g := range guardrails {
		if cb, ok := g.(*CircuitBreaker); ok {
			e.breaker = cb
		}
	}
	return e
}

// Execute runs one intent through journal, guardrails and submission.
// Journal-first: the intent row exists before the exchange ever hears about
// the order, so a crash at any point leaves a record to resolve from.
func (e *Executor) Execute(ctx context.Context, in domain.Intent) Result {
	log := e.logger.With(
		slog.String("intent_id", in.ID),
		slog.String("position_id", in.PositionID),
		slog.String("kind", string(in.Kind)),
	)

	if err := e.journal.Create(ctx, in); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return Result{Outcome: OutcomeFailed, Intent: in,
				Err: &domain.PersistenceError{Op: "journal intent", Err: err}}
		}
		// Retry of a known intent: the journal decides.
		existing, err := e.journal.Get(ctx, in.ID)
		if err != nil {
			return Result{Outcome: OutcomeFailed, Intent: in,
				Err: &domain.PersistenceError{Op: "read intent", Err: err}}
		}
		if existing.Status.Terminal() {
			log.Info("intent already terminal, returning recorded outcome",
				slog.String("status", string(existing.Status)))
			return resultFromJournal(existing)
		}
		// Pending, submitted or blocked from a previous pass: resolve
		// against the exchange and current guardrail state.
		return e.Resolve(ctx, existing)
	}
	in.Status = domain.IntentPending

	if res, blocked := e.guard(ctx, in, "", log); blocked {
		return res
	}
	return e.submit(ctx, in, log)
}

// guard runs the guardrail chain. prior carries the reason already journaled
// on a blocked intent; an unchanged block comes back without touching the
// journal or audit trail again, so re-driving a blocked intent every tick
// does not grow a row per tick.
func (e *Executor) guard(ctx context.Context, in domain.Intent, prior string, log *slog.Logger) (Result, bool) {
	for _, g := range e.guardrails {
		reason, blocked := g.Check(ctx, in)
		if !blocked {
			continue
		}
		in.Status = domain.IntentBlocked
		in.BlockReason = reason
		if reason == prior {
			return Result{Outcome: OutcomeBlocked, Intent: in, BlockReason: reason}, true
		}
		log.Warn("guardrail blocked intent",
			slog.String("guardrail", g.Name()),
			slog.String("reason", reason),
		)
		if err := e.journal.MarkBlocked(ctx, in.ID, reason); err != nil {
			return Result{Outcome: OutcomeFailed, Intent: in, Err: err}, true
		}
		e.auditLog(ctx, "guardrail_block", map[string]any{
			"intent_id": in.ID, "guardrail": g.Name(), "reason": reason,
		})
		return Result{Outcome: OutcomeBlocked, Intent: in, BlockReason: reason}, true
	}
	return Result{}, false
}

// Resolve settles a non-terminal intent found after a restart or re-drive.
// A pending or submitted order the exchange already has is confirmed from
// exchange truth, and only a provably-unknown order is resubmitted, exactly
// once. A blocked intent is re-checked against the guardrails and submitted
// once the block has lifted.
func (e *Executor) Resolve(ctx context.Context, in domain.Intent) Result {
	log := e.logger.With(slog.String("intent_id", in.ID))

	if in.Status == domain.IntentBlocked {
		if res, blocked := e.guard(ctx, in, in.BlockReason, log); blocked {
			return res
		}
		log.Info("guardrail block lifted, submitting intent",
			slog.String("was", in.BlockReason))
		return e.submit(ctx, in, log)
	}

	if in.Status == domain.IntentSubmitted || in.Status == domain.IntentPending {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		res, err := e.connector.GetOrder(callCtx, in.Symbol, in.ID)
		cancel()
		switch {
		case err == nil:
			log.Info("intent resolved from exchange",
				slog.String("exchange_order_id", res.ExchangeOrderID),
				slog.String("status", string(res.Status)),
			)
			if err := e.journal.MarkConfirmed(ctx, in.ID, res.ExchangeOrderID, res.FilledPrice, res.FilledQuantity); err != nil && !errors.Is(err, domain.ErrIntentTerminal) {
				return Result{Outcome: OutcomeFailed, Intent: in, Err: err}
			}
			in.Status = domain.IntentConfirmed
			in.ExchangeOrderID = res.ExchangeOrderID
			return Result{Outcome: OutcomeExecuted, Intent: in, Order: res}
		case errors.Is(err, domain.ErrNotFound):
			// The exchange never saw it: safe to submit exactly once.
			return e.submit(ctx, in, log)
		default:
			// Cannot tell. Do not resubmit; surface for the next pass.
			return Result{Outcome: OutcomeFailed, Intent: in,
				Err: fmt.Errorf("resolve intent %s: %w", in.ID, err)}
		}
	}
	return resultFromJournal(in)
}

// Redrive re-executes one journaled intent by id. A terminal intent costs a
// single journal read; a pending, submitted or blocked one is resolved
// against the exchange and current guardrail state. Runners call this on
// ticks while a position waits on an unconfirmed order.
func (e *Executor) Redrive(ctx context.Context, intentID string) Result {
	in, err := e.journal.Get(ctx, intentID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	if in.Status.Terminal() {
		return resultFromJournal(in)
	}
	return e.Resolve(ctx, in)
}

// ResolveUnresolved settles all pending, submitted and blocked intents for a
// key. Lease holders call this on (re)acquisition before issuing anything
// new.
func (e *Executor) ResolveUnresolved(ctx context.Context, account, symbol string) ([]Result, error) {
	intents, err := e.journal.ListUnresolved(ctx, account, symbol)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(intents))
	for _, in := range intents {
		results = append(results, e.Resolve(ctx, in))
	}
	return results, nil
}

func (e *Executor) submit(ctx context.Context, in domain.Intent, log *slog.Logger) Result {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := e.journal.MarkSubmitted(ctx, in.ID); err != nil {
			if errors.Is(err, domain.ErrIntentTerminal) {
				// Raced with a concurrent resolution; return what the journal
				// settled on.
				existing, gerr := e.journal.Get(ctx, in.ID)
				if gerr == nil {
					return resultFromJournal(existing)
				}
			}
			return Result{Outcome: OutcomeFailed, Intent: in, Err: err}
		}
		in.Status = domain.IntentSubmitted
		in.Attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		res, err := e.call(callCtx, in)
		cancel()
		e.record(err)

		if err == nil {
			if err := e.journal.MarkConfirmed(ctx, in.ID, res.ExchangeOrderID, res.FilledPrice, res.FilledQuantity); err != nil && !errors.Is(err, domain.ErrIntentTerminal) {
				return Result{Outcome: OutcomeFailed, Intent: in, Err: err}
			}
			in.Status = domain.IntentConfirmed
			in.ExchangeOrderID = res.ExchangeOrderID
			log.Info("intent confirmed",
				slog.String("exchange_order_id", res.ExchangeOrderID),
				slog.Int("attempt", attempt),
			)
			return Result{Outcome: OutcomeExecuted, Intent: in, Order: res}
		}

		lastErr = err
		if !domain.IsRetryable(err) || attempt == e.maxAttempts {
			break
		}
		backoff := e.backoffBase << (attempt - 1)
		log.Warn("connector call failed, backing off",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			// Leave the intent submitted; the next resolve pass settles it.
			return Result{Outcome: OutcomeFailed, Intent: in, Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}

	if err := e.journal.MarkFailed(ctx, in.ID, lastErr.Error()); err != nil && !errors.Is(err, domain.ErrIntentTerminal) {
		return Result{Outcome: OutcomeFailed, Intent: in, Err: err}
	}
	in.Status = domain.IntentFailed
	in.LastError = lastErr.Error()
	e.auditLog(ctx, "intent_failed", map[string]any{
		"intent_id": in.ID, "error": lastErr.Error(),
	})
	return Result{Outcome: OutcomeFailed, Intent: in, Err: lastErr}
}

// call dispatches the intent to the right connector operation.
func (e *Executor) call(ctx context.Context, in domain.Intent) (domain.OrderResult, error) {
	switch in.Kind {
	case domain.IntentPlaceEntry, domain.IntentPlaceExit:
		return e.connector.PlaceOrder(ctx, in.Order)
	case domain.IntentCancelOrder:
		if err := e.connector.CancelOrder(ctx, in.Order.Symbol, in.Order.ClientOrderID); err != nil {
			return domain.OrderResult{}, err
		}
		return domain.OrderResult{ClientOrderID: in.Order.ClientOrderID, Status: domain.OrderStatusCancelled}, nil
	default:
		return domain.OrderResult{}, &domain.ConnectorError{
			Op: "dispatch", Err: fmt.Errorf("unknown intent kind %q", in.Kind),
		}
	}
}

// record feeds connector outcomes to the circuit breaker when one is wired.
func (e *Executor) record(err error) {
	if e.breaker != nil {
		e.breaker.Record(err)
	}
}

func (e *Executor) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func resultFromJournal(in domain.Intent) Result {
	switch in.Status {
	case domain.IntentConfirmed:
		return Result{Outcome: OutcomeExecuted, Intent: in, Order: domain.OrderResult{
			ExchangeOrderID: in.ExchangeOrderID,
			ClientOrderID:   in.ID,
			Status:          domain.OrderStatusAccepted,
			FilledPrice:     in.FilledPrice,
			FilledQuantity:  in.FilledQuantity,
		}}
	case domain.IntentBlocked:
		return Result{Outcome: OutcomeBlocked, Intent: in, BlockReason: in.BlockReason}
	default:
		return Result{Outcome: OutcomeFailed, Intent: in, Err: errors.New(in.LastError)}
	}
}

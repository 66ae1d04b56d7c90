package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/engine"
	"github.com/ldamasio/robson-sub000/internal/executor"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// --- in-memory stores ---

type memEventStore struct {
	mu      sync.Mutex
	streams map[string][]domain.Event
}

func newMemEventStore() *memEventStore {
	return &memEventStore{streams: make(map[string][]domain.Event)}
}

func (s *memEventStore) Append(_ context.Context, streamKey string, expectedSeq int64, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := int64(len(s.streams[streamKey]))
	if cur != expectedSeq {
		return domain.ErrConcurrency
	}
	for i := range events {
		ev := events[i]
		ev.StreamKey = streamKey
		ev.Seq = cur + int64(i) + 1
		ev.IngestedAt = time.Now().UTC()
		s.streams[streamKey] = append(s.streams[streamKey], ev)
	}
	return nil
}

func (s *memEventStore) Load(_ context.Context, streamKey string, fromSeq int64) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.streams[streamKey] {
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memEventStore) CurrentSeq(_ context.Context, streamKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.streams[streamKey])), nil
}

func (s *memEventStore) Replay(ctx context.Context, streamKey string) (domain.Position, error) {
	events, err := s.Load(ctx, streamKey, 0)
	if err != nil {
		return domain.Position{}, err
	}
	if len(events) == 0 {
		return domain.Position{}, domain.ErrNotFound
	}
	return domain.ReplayEvents(domain.Position{}, events)
}

func (s *memEventStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, evs := range s.streams {
		for _, ev := range evs {
			if ev.IngestedAt.Before(before) {
				out = append(out, ev)
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memEventStore) types(streamKey string) []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EventType
	for _, ev := range s.streams[streamKey] {
		out = append(out, ev.Type)
	}
	return out
}

type memJournal struct {
	mu      sync.Mutex
	intents map[string]domain.Intent
}

func newMemJournal() *memJournal {
	return &memJournal{intents: make(map[string]domain.Intent)}
}

func (j *memJournal) Create(_ context.Context, in domain.Intent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.intents[in.ID]; ok {
		return domain.ErrAlreadyExists
	}
	in.Status = domain.IntentPending
	j.intents[in.ID] = in
	return nil
}

func (j *memJournal) Get(_ context.Context, id string) (domain.Intent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	in, ok := j.intents[id]
	if !ok {
		return domain.Intent{}, domain.ErrNotFound
	}
	return in, nil
}

func (j *memJournal) set(id string, fn func(*domain.Intent)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	in, ok := j.intents[id]
	if !ok {
		return domain.ErrNotFound
	}
	if in.Status.Terminal() {
		return domain.ErrIntentTerminal
	}
	fn(&in)
	j.intents[id] = in
	return nil
}

func (j *memJournal) MarkSubmitted(_ context.Context, id string) error {
	return j.set(id, func(in *domain.Intent) { in.Status = domain.IntentSubmitted; in.Attempts++ })
}

func (j *memJournal) MarkConfirmed(_ context.Context, id, exchangeID string, price, qty decimal.Decimal) error {
	return j.set(id, func(in *domain.Intent) {
		in.Status = domain.IntentConfirmed
		in.ExchangeOrderID = exchangeID
		in.FilledPrice = price
		in.FilledQuantity = qty
	})
}

func (j *memJournal) MarkFailed(_ context.Context, id, reason string) error {
	return j.set(id, func(in *domain.Intent) { in.Status = domain.IntentFailed; in.LastError = reason })
}

func (j *memJournal) MarkBlocked(_ context.Context, id, reason string) error {
	return j.set(id, func(in *domain.Intent) { in.Status = domain.IntentBlocked; in.BlockReason = reason })
}

func (j *memJournal) ListUnresolved(_ context.Context, account, symbol string) ([]domain.Intent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.Intent
	for _, in := range j.intents {
		if in.Account == account && in.Symbol == symbol && !in.Status.Terminal() {
			out = append(out, in)
		}
	}
	return out, nil
}

type stubConnector struct {
	mu       sync.Mutex
	orders   map[string]domain.OrderResult
	position domain.ExchangePosition
	placed   []domain.OrderRequest

	// marketFillPrice, when set, fills market orders immediately at that
	// price instead of leaving them resting.
	marketFillPrice decimal.Decimal
}

func newStubConnector() *stubConnector {
	return &stubConnector{orders: make(map[string]domain.OrderResult)}
}

func (c *stubConnector) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placed = append(c.placed, req)
	res := domain.OrderResult{
		ExchangeOrderID: "ex-" + req.ClientOrderID,
		ClientOrderID:   req.ClientOrderID,
		Status:          domain.OrderStatusAccepted,
	}
	if req.Type == domain.OrderTypeMarket && !c.marketFillPrice.IsZero() {
		res.Status = domain.OrderStatusFilled
		res.FilledPrice = c.marketFillPrice
		res.FilledQuantity = req.Quantity
	}
	c.orders[req.ClientOrderID] = res
	return res, nil
}

func (c *stubConnector) CancelOrder(_ context.Context, _, _ string) error { return nil }

func (c *stubConnector) GetOrder(_ context.Context, _, clientOrderID string) (domain.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.orders[clientOrderID]
	if !ok {
		return domain.OrderResult{}, domain.ErrNotFound
	}
	return res, nil
}

func (c *stubConnector) GetPosition(_ context.Context, _ string) (domain.ExchangePosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position, nil
}

func (c *stubConnector) ListOpenOrders(_ context.Context, _ string) ([]domain.OrderResult, error) {
	return nil, nil
}

func (c *stubConnector) SubscribeMarketData(_ context.Context, _ string) (<-chan domain.MarketTick, error) {
	return nil, nil
}

func (c *stubConnector) SubscribeUserData(_ context.Context) (<-chan domain.Fill, error) {
	return nil, nil
}

type stubPrices struct {
	mu    sync.Mutex
	ticks map[string]domain.MarketTick
}

func newStubPrices() *stubPrices {
	return &stubPrices{ticks: make(map[string]domain.MarketTick)}
}

func (p *stubPrices) SetLast(_ context.Context, tick domain.MarketTick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks[tick.Symbol] = tick
	return nil
}

func (p *stubPrices) GetLast(_ context.Context, symbol string) (domain.MarketTick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tick, ok := p.ticks[symbol]
	if !ok {
		return domain.MarketTick{}, domain.ErrNotFound
	}
	return tick, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) seen(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type memNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *memNotifier) Notify(_ context.Context, _, _, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

// --- fixtures ---

const (
	acct   = "acct"
	symbol = "BTCUSDT"
	posID  = "p1"
)

func draft(t *testing.T, typ domain.EventType, payload any) domain.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.Event{Account: acct, Type: typ, Payload: raw}
}

// seedEntering appends armed + entry.placed; seedActive adds entry.filled.
func seedEntering(t *testing.T, store *memEventStore) {
	t.Helper()
	stream := domain.PositionStream(posID)
	events := []domain.Event{
		draft(t, domain.EventPositionArmed, domain.ArmedPayload{
			PositionID: posID, Account: acct, Symbol: symbol, Side: domain.SideLong,
			CapitalAllocated: d("1000"), RiskPercent: d("0.01"), Leverage: 3,
			ArmedAt: time.Now().UTC(),
		}),
		draft(t, domain.EventEntryPlaced, domain.EntryPlacedPayload{
			IntentID: engine.EntryIntentID(posID), EntryPrice: d("95000"),
			StopLoss: d("93000"), Palma: d("2000"), Quantity: d("0.005"),
		}),
	}
	require.NoError(t, store.Append(context.Background(), stream, 0, events))
}

func seedActive(t *testing.T, store *memEventStore) {
	t.Helper()
	seedEntering(t, store)
	stream := domain.PositionStream(posID)
	fill := draft(t, domain.EventEntryFilled, domain.FilledPayload{
		IntentID: engine.EntryIntentID(posID), Price: d("95000"), Quantity: d("0.005"),
		FilledAt: time.Now().UTC(),
	})
	require.NoError(t, store.Append(context.Background(), stream, 2, []domain.Event{fill}))
}

type fixture struct {
	events    *memEventStore
	journal   *memJournal
	connector *stubConnector
	prices    *stubPrices
	audit     *memAudit
	notifier  *memNotifier
	rec       *Reconciler
}

func newFixture() *fixture {
	f := &fixture{
		events:    newMemEventStore(),
		journal:   newMemJournal(),
		connector: newStubConnector(),
		prices:    newStubPrices(),
		audit:     &memAudit{},
		notifier:  &memNotifier{},
	}
	logger := slog.New(slog.DiscardHandler)
	exec := executor.New(f.journal, f.connector, nil, f.audit, executor.Config{
		MaxAttempts: 2, CallTimeout: time.Second, BackoffBase: time.Millisecond,
	}, logger)
	f.rec = New(f.events, f.journal, f.connector, exec, f.prices, f.audit, f.notifier, logger)
	return f
}

// --- tests ---

func TestCleanActivePositionResumes(t *testing.T) {
	f := newFixture()
	seedActive(t, f.events)
	f.connector.position = domain.ExchangePosition{
		Symbol: symbol, Side: domain.SideLong, Quantity: d("0.005"),
	}

	out, err := f.rec.Reconcile(context.Background(), acct, symbol, posID)
	require.NoError(t, err)

	assert.Equal(t, VerdictClean, out.Verdict)
	assert.Equal(t, domain.StateActive, out.Position.State)
	assert.Empty(t, f.connector.placed, "clean reconciliation issues no orders")
	assert.Len(t, f.events.types(domain.PositionStream(posID)), 3, "no catch-up events written")
}

func TestStaleStopCrossForcesSingleExitToClosed(t *testing.T) {
	f := newFixture()
	seedActive(t, f.events)
	// Exchange and aggregate agree, but the price crossed the stop while no
	// leader was running.
	f.connector.position = domain.ExchangePosition{
		Symbol: symbol, Side: domain.SideLong, Quantity: d("0.005"),
	}
	f.connector.marketFillPrice = d("92800")
	require.NoError(t, f.prices.SetLast(context.Background(), domain.MarketTick{
		Symbol: symbol, Price: d("92800"), At: time.Now().UTC(),
	}))

	out, err := f.rec.Reconcile(context.Background(), acct, symbol, posID)
	require.NoError(t, err)

	assert.Equal(t, VerdictDegraded, out.Verdict)
	assert.Equal(t, domain.StateClosed, out.Position.State)
	assert.True(t, f.audit.seen("reconcile_stale_stop"))

	require.Len(t, f.connector.placed, 1, "exactly one exit order")
	exit := f.connector.placed[0]
	assert.Equal(t, engine.ExitIntentID(posID), exit.ClientOrderID)
	assert.True(t, exit.ReduceOnly)
	assert.Equal(t, domain.OrderTypeMarket, exit.Type)

	types := f.events.types(domain.PositionStream(posID))
	assert.Contains(t, types, domain.EventExitPlaced)
	assert.Contains(t, types, domain.EventExitFilled)

	replayed, err := f.events.Replay(context.Background(), domain.PositionStream(posID))
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, replayed.State)

	// A second pass over the now-closed position must not trade again.
	out, err = f.rec.Reconcile(context.Background(), acct, symbol, posID)
	require.NoError(t, err)
	assert.Equal(t, VerdictClean, out.Verdict)
	assert.Len(t, f.connector.placed, 1, "reconciliation is idempotent")
}

func TestUncrossedStopStaysClean(t *testing.T) {
	f := newFixture()
	seedActive(t, f.events)
	f.connector.position = domain.ExchangePosition{
		Symbol: symbol, Side: domain.SideLong, Quantity: d("0.005"),
	}
	require.NoError(t, f.prices.SetLast(context.Background(), domain.MarketTick{
		Symbol: symbol, Price: d("94000"), At: time.Now().UTC(),
	}))

	out, err := f.rec.Reconcile(context.Background(), acct, symbol, posID)
	require.NoError(t, err)

	assert.Equal(t, VerdictClean, out.Verdict)
	assert.Empty(t, f.connector.placed)
}

func TestEntryFillCaughtUpFromExchange(t *testing.T) {
	f := newFixture()
	seedEntering(t, f.events)
	// The entry filled while no leader was running.
	f.connector.orders[engine.EntryIntentID(posID)] = domain.OrderResult{
		ExchangeOrderID: "ex-1", ClientOrderID: engine.EntryIntentID(posID),
		Status: domain.OrderStatusFilled, FilledPrice: d("95010"), FilledQuantity: d("0.005"),
	}

	out, err := f.rec.Reconcile(context.Background(), acct, symbol, posID)
	require.NoError(t, err)

	assert.Equal(t, VerdictCaughtUp, out.Verdict)
	assert.Equal(t, domain.StateActive, out.Position.State)
	assert.Contains(t, f.events.types(domain.PositionStream(posID)), domain.EventEntryFilled)

	// The written stream must replay to the same state.
	replayed, err := f.events.Replay(context.Background(), domain.PositionStream(posID))
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, replayed.State)
}

func TestQuantityMismatchForcesExitAndDegrades(t *testing.T) {
	f := newFixture()
	seedActive(t, f.events)
	// Exchange holds half the expected quantity.
	f.connector.position = domain.ExchangePosition{
		Symbol: symbol, Side: domain.SideLong, Quantity: d("0.0025"),
	}

	out, err := f.rec.Reconcile(context.Background(), acct, symbol, posID)
	require.NoError(t, err)

	assert.Equal(t, VerdictDegraded, out.Verdict)
	assert.Equal(t, domain.StateError, out.Position.State)

	require.Len(t, f.connector.placed, 1)
	exit := f.connector.placed[0]
	assert.Equal(t, engine.ExitIntentID(posID), exit.ClientOrderID)
	assert.True(t, exit.ReduceOnly)
	assert.Equal(t, domain.OrderTypeMarket, exit.Type)

	types := f.events.types(domain.PositionStream(posID))
	assert.Contains(t, types, domain.EventExitPlaced)
	assert.Contains(t, types, domain.EventPositionErrored)

	assert.True(t, f.audit.seen("reconcile_degraded"))
	assert.NotEmpty(t, f.notifier.messages)
}

func TestExchangeFlatWhileActiveParksWithoutOrders(t *testing.T) {
	f := newFixture()
	seedActive(t, f.events)
	f.connector.position = domain.ExchangePosition{Symbol: symbol}

	out, err := f.rec.Reconcile(context.Background(), acct, symbol, posID)
	require.NoError(t, err)

	assert.Equal(t, VerdictDegraded, out.Verdict)
	assert.Equal(t, domain.StateError, out.Position.State)
	assert.Empty(t, f.connector.placed, "nothing left on the exchange to close")
	assert.Contains(t, f.events.types(domain.PositionStream(posID)), domain.EventPositionErrored)
}

func TestUnmanagedExchangePositionIsAlertedNotTouched(t *testing.T) {
	f := newFixture()
	f.connector.position = domain.ExchangePosition{
		Symbol: symbol, Side: domain.SideShort, Quantity: d("1.5"),
	}

	out, err := f.rec.Reconcile(context.Background(), acct, symbol, "")
	require.NoError(t, err)

	assert.Equal(t, VerdictDegraded, out.Verdict)
	assert.False(t, out.HasPosition)
	assert.Empty(t, f.connector.placed, "never close a position we did not open")
	assert.True(t, f.audit.seen("reconcile_unmanaged_position"))
}

func TestInDoubtIntentResolvedBeforeComparison(t *testing.T) {
	f := newFixture()
	seedEntering(t, f.events)

	// Submitted intent from a dead leader; the exchange accepted the order
	// and it is still resting.
	intentID := engine.EntryIntentID(posID)
	require.NoError(t, f.journal.Create(context.Background(), domain.Intent{
		ID: intentID, PositionID: posID, Account: acct, Symbol: symbol,
		Kind: domain.IntentPlaceEntry,
		Order: domain.OrderRequest{
			Symbol: symbol, Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
			Quantity: d("0.005"), Price: d("95000"), ClientOrderID: intentID,
		},
	}))
	require.NoError(t, f.journal.MarkSubmitted(context.Background(), intentID))
	f.connector.orders[intentID] = domain.OrderResult{
		ExchangeOrderID: "ex-1", ClientOrderID: intentID, Status: domain.OrderStatusAccepted,
	}

	out, err := f.rec.Reconcile(context.Background(), acct, symbol, posID)
	require.NoError(t, err)

	assert.Equal(t, VerdictClean, out.Verdict)
	require.Len(t, out.Resolved, 1)
	assert.Equal(t, executor.OutcomeExecuted, out.Resolved[0].Outcome)

	in, err := f.journal.Get(context.Background(), intentID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentConfirmed, in.Status)
}

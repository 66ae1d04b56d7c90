package runner

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

// --- in-memory fakes ---

type memEventStore struct {
	mu      sync.Mutex
	streams map[string][]domain.Event
	// failAppends injects ErrConcurrency into the next N appends.
	failAppends int
	// dupAppends injects ErrDuplicateCommand into the next N appends, as if
	// another writer had already landed the same command.
	dupAppends int
}

func newMemEventStore() *memEventStore {
	return &memEventStore{streams: make(map[string][]domain.Event)}
}

func (s *memEventStore) Append(_ context.Context, streamKey string, expectedSeq int64, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppends > 0 {
		s.failAppends--
		return domain.ErrConcurrency
	}
	if s.dupAppends > 0 {
		s.dupAppends--
		return domain.ErrDuplicateCommand
	}
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

func (s *memEventStore) ListBefore(_ context.Context, _ time.Time, _ int) ([]domain.Event, error) {
	return nil, nil
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

// memProjection answers GetActive by replaying whatever stream the test
// registered as current.
type memProjection struct {
	store    *memEventStore
	activeID string
}

func (p *memProjection) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return p.store.Replay(ctx, domain.PositionStream(id))
}

func (p *memProjection) GetActive(ctx context.Context, _, _ string) (domain.Position, error) {
	if p.activeID == "" {
		return domain.Position{}, domain.ErrNotFound
	}
	pos, err := p.store.Replay(ctx, domain.PositionStream(p.activeID))
	if err != nil {
		return domain.Position{}, err
	}
	if pos.State.Terminal() {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (p *memProjection) ActiveOnSide(context.Context, string, domain.Side) (bool, error) {
	return false, nil
}

func (p *memProjection) ListOpen(context.Context, string) ([]domain.Position, error) {
	return nil, nil
}

func (p *memProjection) ListHistory(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type memJournal struct {
	mu      sync.Mutex
	intents map[string]domain.Intent
}

func newMemJournal() *memJournal { return &memJournal{intents: make(map[string]domain.Intent)} }

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

func (j *memJournal) ListUnresolved(context.Context, string, string) ([]domain.Intent, error) {
	return nil, nil
}

type stubConnector struct {
	mu     sync.Mutex
	placed []domain.OrderRequest
	// position, when non-zero, is what GetPosition reports.
	position domain.ExchangePosition
}

func (c *stubConnector) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placed = append(c.placed, req)
	return domain.OrderResult{
		ExchangeOrderID: "ex-" + req.ClientOrderID,
		ClientOrderID:   req.ClientOrderID,
		Status:          domain.OrderStatusAccepted,
	}, nil
}

func (c *stubConnector) CancelOrder(context.Context, string, string) error { return nil }

func (c *stubConnector) GetOrder(context.Context, string, string) (domain.OrderResult, error) {
	return domain.OrderResult{}, domain.ErrNotFound
}

func (c *stubConnector) GetPosition(_ context.Context, symbol string) (domain.ExchangePosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.position.Symbol != "" {
		return c.position, nil
	}
	return domain.ExchangePosition{Symbol: symbol}, nil
}

func (c *stubConnector) ListOpenOrders(context.Context, string) ([]domain.OrderResult, error) {
	return nil, nil
}

func (c *stubConnector) SubscribeMarketData(context.Context, string) (<-chan domain.MarketTick, error) {
	return nil, nil
}

func (c *stubConnector) SubscribeUserData(context.Context) (<-chan domain.Fill, error) {
	return nil, nil
}

func (c *stubConnector) orders() []domain.OrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.OrderRequest(nil), c.placed...)
}

type memExclusions struct {
	mu      sync.Mutex
	members map[string]bool
}

func newMemExclusions() *memExclusions { return &memExclusions{members: make(map[string]bool)} }

func (e *memExclusions) key(symbol string, side domain.Side) string {
	return symbol + ":" + string(side)
}

func (e *memExclusions) Add(_ context.Context, symbol string, side domain.Side) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.members[e.key(symbol, side)] = true
	return nil
}

func (e *memExclusions) Remove(_ context.Context, symbol string, side domain.Side) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.members, e.key(symbol, side))
	return nil
}

func (e *memExclusions) Contains(_ context.Context, symbol string, side domain.Side) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.members[e.key(symbol, side)], nil
}

type memBus struct {
	mu       sync.Mutex
	messages [][]byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func (b *memBus) phases(t *testing.T) []string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, raw := range b.messages {
		var ev domain.LifecycleEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev.Phase)
	}
	return out
}

// --- fixture ---

type fixture struct {
	store      *memEventStore
	projection *memProjection
	journal    *memJournal
	connector  *stubConnector
	exclusions *memExclusions
	bus        *memBus
	runner     *Runner
}

func newFixture() *fixture { return newFixtureWith(nil) }

func newFixtureWith(rails []executor.Guardrail) *fixture {
	store := newMemEventStore()
	f := &fixture{
		store:      store,
		projection: &memProjection{store: store},
		journal:    newMemJournal(),
		connector:  &stubConnector{},
		exclusions: newMemExclusions(),
		bus:        &memBus{},
	}
	logger := slog.New(slog.DiscardHandler)
	exec := executor.New(f.journal, f.connector, rails, nil, executor.Config{
		MaxAttempts: 2, CallTimeout: time.Second, BackoffBase: time.Millisecond,
	}, logger)
	f.runner = New("acct", "BTCUSDT", Deps{
		Events:     f.store,
		Projection: f.projection,
		Executor:   exec,
		Connector:  f.connector,
		Bus:        f.bus,
		Exclusions: f.exclusions,
		Logger:     logger,
	})
	return f
}

func armReq() ArmRequest {
	return ArmRequest{
		Symbol:           "BTCUSDT",
		Side:             domain.SideLong,
		CapitalAllocated: d("1000"),
		RiskPercent:      d("0.01"),
		Leverage:         3,
	}
}

func signal() domain.EntrySignal {
	return domain.EntrySignal{
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: d("95000"),
		StopPrice:  d("93000"),
		DetectedAt: time.Now().UTC(),
	}
}

// armAndEnter drives a fixture to the active state and returns the position.
func armAndEnter(t *testing.T, f *fixture) domain.Position {
	t.Helper()
	ctx := context.Background()
	pos, err := f.runner.Arm(ctx, armReq())
	require.NoError(t, err)

	f.runner.step(ctx, engine.SignalInput{Signal: signal()})
	cur, ok := f.runner.Position()
	require.True(t, ok)
	require.Equal(t, domain.StateEntering, cur.State)

	f.runner.handleFill(ctx, domain.Fill{
		ClientOrderID: engine.EntryIntentID(pos.ID),
		Symbol:        "BTCUSDT",
		Price:         d("95000"),
		Quantity:      cur.Quantity,
		TradeTime:     time.Now().UTC(),
	})
	cur, ok = f.runner.Position()
	require.True(t, ok)
	require.Equal(t, domain.StateActive, cur.State)
	return cur
}

// --- tests ---

func TestArmThenSignalPlacesSizedEntry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.runner.Arm(ctx, armReq())
	require.NoError(t, err)
	assert.Equal(t, domain.StateArmed, pos.State)

	excluded, _ := f.exclusions.Contains(ctx, "BTCUSDT", domain.SideLong)
	assert.True(t, excluded, "armed position claims its (symbol, side)")
	assert.Equal(t, []string{"opened"}, f.bus.phases(t))

	f.runner.step(ctx, engine.SignalInput{Signal: signal()})

	orders := f.connector.orders()
	require.Len(t, orders, 1)
	// (1000 * 0.01) / |95000 - 93000| = 0.005
	assert.True(t, orders[0].Quantity.Equal(d("0.005")), "golden rule sizing, got %s", orders[0].Quantity)
	assert.Equal(t, domain.OrderTypeLimit, orders[0].Type)
	assert.Equal(t, engine.EntryIntentID(pos.ID), orders[0].ClientOrderID)

	types := f.store.types(domain.PositionStream(pos.ID))
	assert.Equal(t, []domain.EventType{domain.EventPositionArmed, domain.EventEntryPlaced}, types)
}

func TestSecondArmRejectedWhileOpen(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.runner.Arm(ctx, armReq())
	require.NoError(t, err)

	_, err = f.runner.Arm(ctx, armReq())
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestStopBreachPlacesReduceOnlyExit(t *testing.T) {
	f := newFixture()
	pos := armAndEnter(t, f)
	ctx := context.Background()

	f.runner.step(ctx, engine.TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("92999"), At: time.Now().UTC(),
	}})

	orders := f.connector.orders()
	require.Len(t, orders, 2, "entry plus exit")
	exit := orders[1]
	assert.Equal(t, engine.ExitIntentID(pos.ID), exit.ClientOrderID)
	assert.True(t, exit.ReduceOnly)
	assert.Equal(t, domain.OrderTypeMarket, exit.Type)
	assert.Equal(t, domain.OrderSideSell, exit.Side)

	cur, ok := f.runner.Position()
	require.True(t, ok)
	assert.Equal(t, domain.StateExiting, cur.State)
}

func TestExitFillClosesAndReleasesExclusion(t *testing.T) {
	f := newFixture()
	pos := armAndEnter(t, f)
	ctx := context.Background()

	f.runner.step(ctx, engine.TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("92999"), At: time.Now().UTC(),
	}})
	f.runner.handleFill(ctx, domain.Fill{
		ClientOrderID: engine.ExitIntentID(pos.ID),
		Symbol:        "BTCUSDT",
		Price:         d("92990"),
		Quantity:      pos.Quantity,
		TradeTime:     time.Now().UTC(),
	})

	_, open := f.runner.Position()
	assert.False(t, open)

	excluded, _ := f.exclusions.Contains(ctx, "BTCUSDT", domain.SideLong)
	assert.False(t, excluded, "closed position releases its (symbol, side)")
	assert.Equal(t, []string{"opened", "closed"}, f.bus.phases(t))

	// Stream replays to closed with the realized loss.
	replayed, err := f.store.Replay(ctx, domain.PositionStream(pos.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, replayed.State)
	assert.True(t, replayed.RealizedPnL.IsNegative())
}

func TestFavorableMoveTrailsStop(t *testing.T) {
	f := newFixture()
	pos := armAndEnter(t, f)
	ctx := context.Background()

	// One full palma above entry: stop moves up by exactly one palma.
	f.runner.step(ctx, engine.TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("97000"), At: time.Now().UTC(),
	}})

	cur, ok := f.runner.Position()
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, cur.State)
	assert.True(t, cur.StopLoss.Equal(d("95000")), "stop at %s", cur.StopLoss)
	assert.Contains(t, f.store.types(domain.PositionStream(pos.ID)), domain.EventStopAdjusted)
	assert.Len(t, f.connector.orders(), 1, "trailing never places orders")
}

func TestDisarmClosesWithoutOrders(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.runner.Arm(ctx, armReq())
	require.NoError(t, err)

	pos, err := f.runner.Disarm(ctx, "operator change of mind")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, pos.State)
	assert.Empty(t, f.connector.orders())

	// A fresh arm is possible immediately.
	_, err = f.runner.Arm(ctx, armReq())
	assert.NoError(t, err)
}

func TestPanicFromActiveExitsAtMarket(t *testing.T) {
	f := newFixture()
	pos := armAndEnter(t, f)
	ctx := context.Background()

	next, err := f.runner.Panic(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExiting, next.State)

	orders := f.connector.orders()
	require.Len(t, orders, 2)
	assert.Equal(t, engine.ExitIntentID(pos.ID), orders[1].ClientOrderID)
	assert.Equal(t, domain.OrderTypeMarket, orders[1].Type)
}

func TestConcurrencyCollisionReloadsAndRetries(t *testing.T) {
	f := newFixture()
	armAndEnter(t, f)
	ctx := context.Background()

	f.store.mu.Lock()
	f.store.failAppends = 1
	f.store.mu.Unlock()

	// The collision forces a reload and a second decide; the tick still
	// lands.
	f.runner.step(ctx, engine.TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("97000"), At: time.Now().UTC(),
	}})

	cur, ok := f.runner.Position()
	require.True(t, ok)
	assert.True(t, cur.StopLoss.Equal(d("95000")))
}

func TestLoadPrimesFromProjection(t *testing.T) {
	f := newFixture()
	pos := armAndEnter(t, f)
	ctx := context.Background()

	// A fresh runner (new process) primes itself from the stored stream.
	f.projection.activeID = pos.ID
	logger := slog.New(slog.DiscardHandler)
	exec := executor.New(f.journal, f.connector, nil, nil, executor.Config{
		MaxAttempts: 2, CallTimeout: time.Second, BackoffBase: time.Millisecond,
	}, logger)
	fresh := New("acct", "BTCUSDT", Deps{
		Events: f.store, Projection: f.projection, Executor: exec, Logger: logger,
	})
	require.NoError(t, fresh.Load(ctx))

	cur, ok := fresh.Position()
	require.True(t, ok)
	assert.Equal(t, pos.ID, cur.ID)
	assert.Equal(t, domain.StateActive, cur.State)
	assert.True(t, cur.Quantity.Equal(pos.Quantity))
}

func TestDuplicateAppendResyncsFromStream(t *testing.T) {
	f := newFixture()
	pos := armAndEnter(t, f)
	ctx := context.Background()

	// Another writer already landed this command; the store answers with
	// the dedupe sentinel and the stream stays where it was.
	f.store.mu.Lock()
	f.store.dupAppends = 1
	f.store.mu.Unlock()

	f.runner.step(ctx, engine.TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("92999"), At: time.Now().UTC(),
	}})

	streamSeq, err := f.store.CurrentSeq(ctx, domain.PositionStream(pos.ID))
	require.NoError(t, err)
	f.runner.mu.Lock()
	cachedSeq, state := f.runner.seq, f.runner.pos.State
	f.runner.mu.Unlock()
	assert.Equal(t, streamSeq, cachedSeq, "cached sequence must match the stream after a dedupe")
	assert.Equal(t, domain.StateActive, state, "state comes from the stream, not the skipped decision")

	// The next tick re-decides against the true state and appends normally.
	f.runner.step(ctx, engine.TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("92998"), At: time.Now().UTC(),
	}})
	cur, ok := f.runner.Position()
	require.True(t, ok)
	assert.Equal(t, domain.StateExiting, cur.State)
	assert.Len(t, f.connector.orders(), 2, "entry plus exactly one exit")
}

func TestTickRedrivesEntryBlockedByKillSwitch(t *testing.T) {
	ks := executor.NewKillSwitch()
	ks.Trip()
	f := newFixtureWith([]executor.Guardrail{ks})
	ctx := context.Background()

	pos, err := f.runner.Arm(ctx, armReq())
	require.NoError(t, err)
	f.runner.step(ctx, engine.SignalInput{Signal: signal()})

	cur, ok := f.runner.Position()
	require.True(t, ok)
	require.Equal(t, domain.StateEntering, cur.State)
	assert.Empty(t, f.connector.orders(), "blocked entry must not reach the exchange")

	// Ticks while the switch holds change nothing.
	f.runner.step(ctx, engine.TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("94000"), At: time.Now().UTC(),
	}})
	assert.Empty(t, f.connector.orders())

	// Once it resets, the next tick re-drives the journaled intent.
	ks.Reset()
	f.runner.step(ctx, engine.TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("94000"), At: time.Now().UTC(),
	}})
	orders := f.connector.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, engine.EntryIntentID(pos.ID), orders[0].ClientOrderID)
}

func TestArmStopGainSurvivesEntryAndExits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	req := armReq()
	gain := d("99000")
	req.StopGain = &gain
	pos, err := f.runner.Arm(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, pos.StopGain)

	f.runner.step(ctx, engine.SignalInput{Signal: signal()})
	cur, ok := f.runner.Position()
	require.True(t, ok)
	require.NotNil(t, cur.StopGain, "stop gain survives entry placement")
	assert.True(t, cur.StopGain.Equal(gain))

	f.runner.handleFill(ctx, domain.Fill{
		ClientOrderID: engine.EntryIntentID(pos.ID),
		Symbol:        "BTCUSDT",
		Price:         d("95000"),
		Quantity:      cur.Quantity,
		TradeTime:     time.Now().UTC(),
	})

	f.runner.step(ctx, engine.TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("99000"), At: time.Now().UTC(),
	}})

	cur, ok = f.runner.Position()
	require.True(t, ok)
	assert.Equal(t, domain.StateExiting, cur.State)
	orders := f.connector.orders()
	require.Len(t, orders, 2)
	assert.True(t, orders[1].ReduceOnly)
	assert.Equal(t, domain.OrderTypeMarket, orders[1].Type)
}

func TestEntryFillRecordsExchangePositionID(t *testing.T) {
	f := newFixture()
	f.connector.position = domain.ExchangePosition{
		NativeID: "binance-777", Symbol: "BTCUSDT",
		Side: domain.SideLong, Quantity: d("0.005"),
	}
	armAndEnter(t, f)

	cur, ok := f.runner.Position()
	require.True(t, ok)
	assert.Equal(t, "binance-777", cur.ExchangePositionID)
}

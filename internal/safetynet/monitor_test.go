package safetynet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/executor"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// --- fakes ---

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
	mu        sync.Mutex
	positions map[string]domain.ExchangePosition
	placed    []domain.OrderRequest
}

func newStubConnector() *stubConnector {
	return &stubConnector{positions: make(map[string]domain.ExchangePosition)}
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
	pos, ok := c.positions[symbol]
	if !ok {
		return domain.ExchangePosition{Symbol: symbol}, nil
	}
	return pos, nil
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

type stubProjection struct {
	active map[string]bool // "symbol:side"
	err    error
}

func (p *stubProjection) ActiveOnSide(_ context.Context, symbol string, side domain.Side) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return p.active[symbol+":"+string(side)], nil
}

func (p *stubProjection) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (p *stubProjection) GetActive(context.Context, string, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (p *stubProjection) ListOpen(context.Context, string) ([]domain.Position, error) {
	return nil, nil
}

func (p *stubProjection) ListHistory(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type stubExclusions struct {
	members map[string]bool
	err     error
}

func (e *stubExclusions) Add(context.Context, string, domain.Side) error    { return nil }
func (e *stubExclusions) Remove(context.Context, string, domain.Side) error { return nil }
func (e *stubExclusions) Contains(_ context.Context, symbol string, side domain.Side) (bool, error) {
	if e.err != nil {
		return false, e.err
	}
	return e.members[symbol+":"+string(side)], nil
}

type stubLocks struct {
	held bool
}

func (l *stubLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

type stubPrices struct {
	ticks map[string]domain.MarketTick
}

func (p *stubPrices) SetLast(context.Context, domain.MarketTick) error { return nil }
func (p *stubPrices) GetLast(_ context.Context, symbol string) (domain.MarketTick, error) {
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

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
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

// --- fixture ---

type fixture struct {
	connector  *stubConnector
	journal    *memJournal
	projection *stubProjection
	exclusions *stubExclusions
	locks      *stubLocks
	prices     *stubPrices
	audit      *memAudit
	monitor    *Monitor
}

func newFixture() *fixture {
	f := &fixture{
		connector:  newStubConnector(),
		journal:    newMemJournal(),
		projection: &stubProjection{active: make(map[string]bool)},
		exclusions: &stubExclusions{members: make(map[string]bool)},
		locks:      &stubLocks{},
		prices:     &stubPrices{ticks: make(map[string]domain.MarketTick)},
		audit:      &memAudit{},
	}
	logger := slog.New(slog.DiscardHandler)
	exec := executor.New(f.journal, f.connector, nil, f.audit, executor.Config{
		MaxAttempts: 2, CallTimeout: time.Second, BackoffBase: time.Millisecond,
	}, logger)
	f.monitor = New(Config{
		Symbols:        []string{"ETHUSDT"},
		MaxLossPercent: d("0.02"),
		Interval:       time.Second,
		Account:        "acct",
	}, Deps{
		Connector:  f.connector,
		Prices:     f.prices,
		Projection: f.projection,
		Exclusions: f.exclusions,
		Locks:      f.locks,
		Executor:   exec,
		Audit:      f.audit,
		Logger:     logger,
	})
	return f
}

func (f *fixture) losingLong() {
	f.connector.positions["ETHUSDT"] = domain.ExchangePosition{
		NativeID: "n-42", Symbol: "ETHUSDT", Side: domain.SideLong,
		Quantity: d("1.5"), EntryPrice: d("3000"),
	}
	// 3% under entry, past the 2% stop.
	f.prices.ticks["ETHUSDT"] = domain.MarketTick{
		Symbol: "ETHUSDT", Price: d("2910"), At: time.Now().UTC(),
	}
}

// --- tests ---

func TestClosesUnmanagedPositionPastFixedStop(t *testing.T) {
	f := newFixture()
	f.losingLong()

	f.monitor.scan(context.Background())

	orders := f.connector.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, ExitIntentID("n-42"), orders[0].ClientOrderID)
	assert.Equal(t, domain.OrderSideSell, orders[0].Side)
	assert.Equal(t, domain.OrderTypeMarket, orders[0].Type)
	assert.True(t, orders[0].ReduceOnly)
	assert.True(t, orders[0].Quantity.Equal(d("1.5")))
	assert.True(t, f.audit.seen("safetynet_exit"))
}

func TestRescanDoesNotDoubleExit(t *testing.T) {
	f := newFixture()
	f.losingLong()

	f.monitor.scan(context.Background())
	f.monitor.scan(context.Background())

	assert.Len(t, f.connector.orders(), 1, "journal absorbs the second scan")
}

func TestLossInsideThresholdIsLeftAlone(t *testing.T) {
	f := newFixture()
	f.losingLong()
	// 1% under entry, inside the 2% stop.
	f.prices.ticks["ETHUSDT"] = domain.MarketTick{
		Symbol: "ETHUSDT", Price: d("2970"), At: time.Now().UTC(),
	}

	f.monitor.scan(context.Background())
	assert.Empty(t, f.connector.orders())
}

func TestProjectionManagedPositionIsNeverTouched(t *testing.T) {
	f := newFixture()
	f.losingLong()
	f.projection.active["ETHUSDT:long"] = true

	f.monitor.scan(context.Background())
	assert.Empty(t, f.connector.orders())
}

func TestExclusionSetMemberIsNeverTouched(t *testing.T) {
	f := newFixture()
	f.losingLong()
	f.exclusions.members["ETHUSDT:long"] = true

	f.monitor.scan(context.Background())
	assert.Empty(t, f.connector.orders())
}

func TestCheckFailureMeansNoAction(t *testing.T) {
	f := newFixture()
	f.losingLong()
	f.exclusions.err = errors.New("redis down")

	f.monitor.scan(context.Background())

	assert.Empty(t, f.connector.orders(), "cannot prove ownership, so do nothing")
	assert.True(t, f.audit.seen("safetynet_check_failed"))
}

func TestLockHeldSkipsScan(t *testing.T) {
	f := newFixture()
	f.losingLong()
	f.locks.held = true

	f.monitor.scan(context.Background())
	assert.Empty(t, f.connector.orders())
}

func TestShortSideLoss(t *testing.T) {
	f := newFixture()
	f.connector.positions["ETHUSDT"] = domain.ExchangePosition{
		NativeID: "n-7", Symbol: "ETHUSDT", Side: domain.SideShort,
		Quantity: d("2"), EntryPrice: d("3000"),
	}
	// Price up 3% hurts a short past the 2% stop.
	f.prices.ticks["ETHUSDT"] = domain.MarketTick{
		Symbol: "ETHUSDT", Price: d("3090"), At: time.Now().UTC(),
	}

	f.monitor.scan(context.Background())

	orders := f.connector.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderSideBuy, orders[0].Side, "closing a short buys back")
}

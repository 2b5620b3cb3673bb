package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
	"github.com/uhyunpark/tradesim/pkg/storage"
	"github.com/uhyunpark/tradesim/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	store ledger.Store
	svc   *Service
	clock *util.ManualClock
	seq   uint64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := storage.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := util.NewManualClock(start)
	n := 0
	opts = append([]Option{
		WithClock(clock),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("t%d", n) }),
	}, opts...)
	return &fixture{
		ctx:   context.Background(),
		store: store,
		svc:   New(store, DefaultConfig(), zap.NewNop().Sugar(), opts...),
		clock: clock,
	}
}

func (f *fixture) limit(t *testing.T, id, user string, side ledger.Side, qty, price string) *ledger.Order {
	t.Helper()
	f.seq++
	o := &ledger.Order{
		ID: id, UserID: user, AssetID: "ACME", Side: side, Type: ledger.Limit,
		Price: decimal.NewNullDecimal(d(price)), Quantity: d(qty), Seq: f.seq,
	}
	reserve := decimal.Zero
	if side == ledger.Buy {
		reserve = d(qty).Mul(d(price))
	}
	created, err := f.svc.CreateOrder(f.ctx, o, reserve)
	require.NoError(t, err)
	return created
}

func (f *fixture) wallet(t *testing.T, user string) *ledger.Wallet {
	t.Helper()
	w, err := f.store.Wallet(f.ctx, user)
	require.NoError(t, err)
	return w
}

func (f *fixture) portfolio(t *testing.T, user string) *ledger.Portfolio {
	t.Helper()
	p, err := f.store.Portfolio(f.ctx, user, "ACME")
	require.NoError(t, err)
	return p
}

func (f *fixture) order(t *testing.T, id string) *ledger.Order {
	t.Helper()
	o, err := f.store.Order(f.ctx, id)
	require.NoError(t, err)
	return o
}

func (f *fixture) audit(t *testing.T, users ...string) {
	t.Helper()
	require.NoError(t, f.svc.Audit(f.ctx, users, []string{"ACME"}))
}

func TestCreateOrderReservesFunds(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(f.ctx, "alice", d("1000"))
	require.NoError(t, err)

	o := f.limit(t, "b1", "alice", ledger.Buy, "10", "50")
	assert.Equal(t, ledger.StatusOpen, o.Status)
	assert.True(t, o.Reserved.Equal(d("500")))
	assert.True(t, o.CreatedAt.Equal(start))
	assert.True(t, o.FilledQuantity.IsZero())

	w := f.wallet(t, "alice")
	assert.True(t, w.AvailableBalance.Equal(d("500")))
	assert.True(t, w.LockedBalance.Equal(d("500")))
	f.audit(t, "alice")
}

func TestCreateOrderRejections(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(f.ctx, "alice", d("100"))
	require.NoError(t, err)
	_, err = f.svc.GrantAsset(f.ctx, "bob", "ACME", d("3"), d("20"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		order   ledger.Order
		reserve string
		kind    ledger.Kind
	}{
		{
			name:    "buy beyond balance",
			order:   ledger.Order{ID: "x1", UserID: "alice", AssetID: "ACME", Side: ledger.Buy, Type: ledger.Limit, Price: decimal.NewNullDecimal(d("50")), Quantity: d("3")},
			reserve: "150",
			kind:    ledger.KindInsufficientFunds,
		},
		{
			name:    "buy without wallet",
			order:   ledger.Order{ID: "x2", UserID: "nobody", AssetID: "ACME", Side: ledger.Buy, Type: ledger.Limit, Price: decimal.NewNullDecimal(d("1")), Quantity: d("1")},
			reserve: "1",
			kind:    ledger.KindInsufficientFunds,
		},
		{
			name:  "sell beyond holding",
			order: ledger.Order{ID: "x3", UserID: "bob", AssetID: "ACME", Side: ledger.Sell, Type: ledger.Limit, Price: decimal.NewNullDecimal(d("1")), Quantity: d("5")},
			kind:  ledger.KindInsufficientAsset,
		},
		{
			name:  "sell without holding",
			order: ledger.Order{ID: "x4", UserID: "alice", AssetID: "ACME", Side: ledger.Sell, Type: ledger.Market, Quantity: d("1")},
			kind:  ledger.KindInsufficientAsset,
		},
		{
			name:  "invalid order",
			order: ledger.Order{ID: "x5", UserID: "bob", AssetID: "ACME", Side: ledger.Sell, Type: ledger.Limit, Quantity: d("1")},
			kind:  ledger.KindMissingFields,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reserve := decimal.Zero
			if tt.reserve != "" {
				reserve = d(tt.reserve)
			}
			o := tt.order
			_, err := f.svc.CreateOrder(f.ctx, &o, reserve)
			require.Error(t, err)
			assert.Equal(t, tt.kind, ledger.KindOf(err))

			_, err = f.store.Order(f.ctx, o.ID)
			assert.ErrorIs(t, err, ledger.ErrNotFound)
		})
	}

	// nothing moved
	w := f.wallet(t, "alice")
	assert.True(t, w.AvailableBalance.Equal(d("100")))
	assert.True(t, w.LockedBalance.IsZero())
	p := f.portfolio(t, "bob")
	assert.True(t, p.AvailableQuantity.Equal(d("3")))
	assert.True(t, p.LockedQuantity.IsZero())
}

func TestApplyTradeReleasesPriceImprovement(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(f.ctx, "buyer", d("1000"))
	require.NoError(t, err)
	_, err = f.svc.GrantAsset(f.ctx, "seller", "ACME", d("10"), d("30"))
	require.NoError(t, err)

	f.limit(t, "ask", "seller", ledger.Sell, "10", "45")
	f.limit(t, "bid", "buyer", ledger.Buy, "10", "50")
	f.clock.Advance(time.Second)

	res, err := f.svc.ApplyTrade(f.ctx, Fill{
		BuyOrderID: "bid", SellOrderID: "ask", Quantity: d("10"), Price: d("45"), TakerSide: ledger.Buy,
	})
	require.NoError(t, err)
	assert.True(t, res.Released.Equal(d("50")), res.Released.String())
	assert.Equal(t, "t1", res.Trade.ID)
	assert.True(t, res.Trade.ExecutedAt.Equal(start.Add(time.Second)))

	buy := f.order(t, "bid")
	assert.Equal(t, ledger.StatusFilled, buy.Status)
	assert.True(t, buy.Reserved.IsZero())
	sell := f.order(t, "ask")
	assert.Equal(t, ledger.StatusFilled, sell.Status)

	w := f.wallet(t, "buyer")
	assert.True(t, w.LockedBalance.IsZero(), w.LockedBalance.String())
	assert.True(t, w.AvailableBalance.Equal(d("550")), w.AvailableBalance.String())
	p := f.portfolio(t, "buyer")
	assert.True(t, p.AvailableQuantity.Equal(d("10")))
	assert.True(t, p.AvgBuyPrice.Equal(d("45")))

	sw := f.wallet(t, "seller")
	assert.True(t, sw.AvailableBalance.Equal(d("450")))
	sp := f.portfolio(t, "seller")
	assert.True(t, sp.LockedQuantity.IsZero())
	assert.True(t, sp.AvailableQuantity.IsZero())

	trades, err := f.store.TradesForOrder(f.ctx, "bid")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "buyer", trades[0].BuyerID)
	assert.Equal(t, "seller", trades[0].SellerID)
	f.audit(t, "buyer", "seller")
}

func TestApplyTradePartialKeepsReservation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(f.ctx, "buyer", d("1000"))
	require.NoError(t, err)
	_, err = f.svc.GrantAsset(f.ctx, "seller", "ACME", d("4"), d("30"))
	require.NoError(t, err)

	f.limit(t, "bid", "buyer", ledger.Buy, "10", "100")
	f.limit(t, "ask", "seller", ledger.Sell, "4", "100")

	_, err = f.svc.ApplyTrade(f.ctx, Fill{BuyOrderID: "bid", SellOrderID: "ask", Quantity: d("4"), Price: d("100"), TakerSide: ledger.Sell})
	require.NoError(t, err)

	buy := f.order(t, "bid")
	assert.Equal(t, ledger.StatusPartial, buy.Status)
	assert.True(t, buy.Reserved.Equal(d("600")))
	w := f.wallet(t, "buyer")
	assert.True(t, w.LockedBalance.Equal(d("600")))
	assert.True(t, w.AvailableBalance.IsZero())
	f.audit(t, "buyer", "seller")
}

func TestApplyTradeRejectsInactiveOrders(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(f.ctx, "buyer", d("1000"))
	require.NoError(t, err)
	_, err = f.svc.GrantAsset(f.ctx, "seller", "ACME", d("10"), d("30"))
	require.NoError(t, err)

	f.limit(t, "bid", "buyer", ledger.Buy, "5", "10")
	f.limit(t, "ask", "seller", ledger.Sell, "10", "10")
	_, err = f.svc.ReleaseReservation(f.ctx, "bid", ReleaseCancel)
	require.NoError(t, err)

	_, err = f.svc.ApplyTrade(f.ctx, Fill{BuyOrderID: "bid", SellOrderID: "ask", Quantity: d("1"), Price: d("10"), TakerSide: ledger.Sell})
	require.ErrorIs(t, err, ledger.ErrOrderInactive)
	var le *ledger.Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "bid", le.OrderID)

	// overfilling an active order is rejected the same way
	f.limit(t, "bid2", "buyer", ledger.Buy, "2", "10")
	_, err = f.svc.ApplyTrade(f.ctx, Fill{BuyOrderID: "bid2", SellOrderID: "ask", Quantity: d("3"), Price: d("10"), TakerSide: ledger.Buy})
	require.ErrorIs(t, err, ledger.ErrOrderInactive)

	sell := f.order(t, "ask")
	assert.True(t, sell.FilledQuantity.IsZero())
	assert.Equal(t, ledger.StatusOpen, sell.Status)
	trades, err := f.store.RecentTrades(f.ctx, "ACME", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
	f.audit(t, "buyer", "seller")
}

func TestApplyTradeRejectsBadFills(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyTrade(f.ctx, Fill{BuyOrderID: "a", SellOrderID: "b", Quantity: d("0"), Price: d("1")})
	require.Error(t, err)
	assert.True(t, ledger.IsFatal(err))

	_, err = f.svc.ApplyTrade(f.ctx, Fill{BuyOrderID: "a", SellOrderID: "b", Quantity: d("1"), Price: d("1")})
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSelfTradeSettlesBothLegs(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(f.ctx, "carol", d("100"))
	require.NoError(t, err)
	_, err = f.svc.GrantAsset(f.ctx, "carol", "ACME", d("5"), d("8"))
	require.NoError(t, err)

	f.limit(t, "ask", "carol", ledger.Sell, "5", "10")
	f.limit(t, "bid", "carol", ledger.Buy, "5", "10")

	_, err = f.svc.ApplyTrade(f.ctx, Fill{BuyOrderID: "bid", SellOrderID: "ask", Quantity: d("5"), Price: d("10"), TakerSide: ledger.Buy})
	require.NoError(t, err)

	w := f.wallet(t, "carol")
	assert.True(t, w.AvailableBalance.Equal(d("100")), w.AvailableBalance.String())
	assert.True(t, w.LockedBalance.IsZero())
	p := f.portfolio(t, "carol")
	assert.True(t, p.AvailableQuantity.Equal(d("5")))
	assert.True(t, p.LockedQuantity.IsZero())
	// 5 held at 8 (all locked then sold), 5 bought at 10
	assert.True(t, p.AvgBuyPrice.Equal(d("9")), p.AvgBuyPrice.String())
	f.audit(t, "carol")
}

func TestReleaseReservation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(f.ctx, "alice", d("1000"))
	require.NoError(t, err)
	_, err = f.svc.GrantAsset(f.ctx, "bob", "ACME", d("10"), d("1"))
	require.NoError(t, err)

	f.limit(t, "bid", "alice", ledger.Buy, "10", "50")
	o, err := f.svc.ReleaseReservation(f.ctx, "bid", ReleaseCancel)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, o.Status)
	assert.True(t, o.Reserved.IsZero())

	w := f.wallet(t, "alice")
	assert.True(t, w.AvailableBalance.Equal(d("1000")))
	assert.True(t, w.LockedBalance.IsZero())

	// a second cancel is ORDER_INACTIVE and changes nothing
	_, err = f.svc.ReleaseReservation(f.ctx, "bid", ReleaseCancel)
	require.ErrorIs(t, err, ledger.ErrOrderInactive)
	assert.Equal(t, w.Version, f.wallet(t, "alice").Version)

	// remainder mode keeps the status
	f.limit(t, "ask", "bob", ledger.Sell, "4", "2")
	o, err = f.svc.ReleaseReservation(f.ctx, "ask", ReleaseRemainder)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, o.Status)
	p := f.portfolio(t, "bob")
	assert.True(t, p.AvailableQuantity.Equal(d("10")))
	assert.True(t, p.LockedQuantity.IsZero())

	_, err = f.svc.ReleaseReservation(f.ctx, "missing", ReleaseCancel)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	f.audit(t, "alice", "bob")
}

func TestAuditReportsDrift(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(f.ctx, "alice", d("100"))
	require.NoError(t, err)
	f.limit(t, "bid", "alice", ledger.Buy, "1", "10")

	// lock currency behind settlement's back
	require.NoError(t, f.store.Update(f.ctx, func(tx ledger.Tx) error {
		w, err := tx.Wallet("alice")
		if err != nil {
			return err
		}
		w.LockedBalance = w.LockedBalance.Add(d("1"))
		return tx.PutWallet(w)
	}))

	err = f.svc.Audit(f.ctx, []string{"alice", "ghost"}, []string{"ACME"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet alice")
	assert.NotContains(t, err.Error(), "ghost")
}

func TestFundingRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deposit(f.ctx, "alice", d("0"))
	assert.ErrorIs(t, err, ledger.ErrMissingFields)
	_, err = f.svc.GrantAsset(f.ctx, "alice", "", d("1"), d("1"))
	assert.ErrorIs(t, err, ledger.ErrMissingFields)

	p, err := f.svc.GrantAsset(f.ctx, "alice", "ACME", d("2"), d("10"))
	require.NoError(t, err)
	p, err = f.svc.GrantAsset(f.ctx, "alice", "ACME", d("2"), d("20"))
	require.NoError(t, err)
	assert.True(t, p.AvgBuyPrice.Equal(d("15")))
	assert.True(t, p.AvailableQuantity.Equal(d("4")))
}

// conflictingStore fails the first n units with a conflict
type conflictingStore struct {
	ledger.Store
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return ledger.Conflict(errors.New("version moved"))
	}
	return s.Store.Update(ctx, fn)
}

func TestRetriesConflicts(t *testing.T) {
	inner, err := storage.NewInMemoryStore()
	require.NoError(t, err)
	defer inner.Close()

	clock := util.NewManualClock(start)
	var hooks []string

	t.Run("recovers within budget", func(t *testing.T) {
		store := &conflictingStore{Store: inner}
		store.remaining.Store(2)
		svc := New(store, Config{MaxAttempts: 3, Backoff: 10 * time.Millisecond}, nil,
			WithClock(clock), WithConflictHook(func(op string) { hooks = append(hooks, op) }))

		_, err := svc.Deposit(context.Background(), "alice", d("5"))
		require.NoError(t, err)
		assert.Equal(t, int32(3), store.calls.Load())
		assert.Equal(t, []string{"deposit", "deposit"}, hooks)
		// linear backoff: 10ms then 20ms
		assert.True(t, clock.Now().Equal(start.Add(30*time.Millisecond)), clock.Now())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		store := &conflictingStore{Store: inner}
		store.remaining.Store(5)
		svc := New(store, Config{MaxAttempts: 2}, nil, WithClock(clock))

		_, err := svc.Deposit(context.Background(), "alice", d("5"))
		require.ErrorIs(t, err, ledger.ErrTransactionConflict)
		assert.Equal(t, int32(2), store.calls.Load())
	})

	t.Run("does not retry rejections", func(t *testing.T) {
		store := &conflictingStore{Store: inner}
		svc := New(store, Config{MaxAttempts: 3}, nil, WithClock(clock))

		o := &ledger.Order{ID: "b", UserID: "nobody", AssetID: "ACME", Side: ledger.Buy, Type: ledger.Market, Quantity: d("1")}
		_, err := svc.CreateOrder(context.Background(), o, d("1"))
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		assert.Equal(t, int32(1), store.calls.Load())
	})
}

func TestReleaseModeString(t *testing.T) {
	assert.Equal(t, "cancel", ReleaseCancel.String())
	assert.Equal(t, "remainder", ReleaseRemainder.String())
}

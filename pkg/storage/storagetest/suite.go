// Package storagetest holds the behaviour every ledger backend must share.
// Backend packages run it from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
)

// Factory opens a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) ledger.Store

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func limitOrder(id, user string, side ledger.Side, price, qty string, seq uint64) *ledger.Order {
	return &ledger.Order{
		ID:        id,
		UserID:    user,
		AssetID:   "ACME",
		Side:      side,
		Type:      ledger.Limit,
		Price:     decimal.NewNullDecimal(d(price)),
		Quantity:  d(qty),
		Status:    ledger.StatusOpen,
		Reserved:  d(qty),
		Seq:       seq,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

// Run executes the whole suite against the backend
func Run(t *testing.T, open Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, open(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ReadsOwnWrites", func(t *testing.T) { testReadsOwnWrites(t, open(t)) })
	t.Run("StaleWriteConflicts", func(t *testing.T) { testStaleWrite(t, open(t)) })
	t.Run("ActiveOrdersBySeq", func(t *testing.T) { testActiveOrders(t, open(t)) })
	t.Run("Trades", func(t *testing.T) { testTrades(t, open(t)) })
}

func put(t *testing.T, s ledger.Store, fn func(tx ledger.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func testRoundTrip(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()

	put(t, s, func(tx ledger.Tx) error {
		w := ledger.NewWallet("alice")
		w.AvailableBalance = d("1000.5")
		w.UpdatedAt = epoch
		if err := tx.PutWallet(w); err != nil {
			return err
		}
		p := ledger.NewPortfolio("alice", "ACME")
		p.AvailableQuantity = d("3.25")
		p.AvgBuyPrice = d("41.5")
		p.UpdatedAt = epoch
		if err := tx.PutPortfolio(p); err != nil {
			return err
		}
		return tx.PutOrder(limitOrder("o1", "alice", ledger.Sell, "45", "2", 7))
	})

	w, err := s.Wallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.Equal(d("1000.5")))
	assert.Equal(t, ledger.VirtualINR, w.Currency)
	assert.Equal(t, uint64(1), w.Version)

	p, err := s.Portfolio(ctx, "alice", "ACME")
	require.NoError(t, err)
	assert.True(t, p.AvailableQuantity.Equal(d("3.25")))
	assert.True(t, p.AvgBuyPrice.Equal(d("41.5")))

	o, err := s.Order(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Sell, o.Side)
	assert.Equal(t, ledger.Limit, o.Type)
	require.True(t, o.Price.Valid)
	assert.True(t, o.Price.Decimal.Equal(d("45")))
	assert.Equal(t, uint64(7), o.Seq)
	assert.True(t, o.CreatedAt.Equal(epoch))

	// market orders keep a null price
	put(t, s, func(tx ledger.Tx) error {
		m := limitOrder("m1", "alice", ledger.Buy, "1", "1", 8)
		m.Type = ledger.Market
		m.Price = decimal.NullDecimal{}
		return tx.PutOrder(m)
	})
	m, err := s.Order(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, m.Price.Valid)
}

func testNotFound(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.Wallet(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.Portfolio(ctx, "ghost", "ACME")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.Order(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	put(t, s, func(tx ledger.Tx) error {
		_, err := tx.Wallet("ghost")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	})
}

func testRollback(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx ledger.Tx) error {
		w := ledger.NewWallet("bob")
		w.AvailableBalance = d("10")
		if err := tx.PutWallet(w); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Wallet(ctx, "bob")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testReadsOwnWrites(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()

	put(t, s, func(tx ledger.Tx) error {
		w := ledger.NewWallet("carol")
		w.AvailableBalance = d("5")
		return tx.PutWallet(w)
	})

	// same record modified twice inside one unit, as a self-trade does
	put(t, s, func(tx ledger.Tx) error {
		for i := 0; i < 2; i++ {
			w, err := tx.Wallet("carol")
			if err != nil {
				return err
			}
			w.AvailableBalance = w.AvailableBalance.Add(d("1"))
			if err := tx.PutWallet(w); err != nil {
				return err
			}
		}
		return nil
	})

	w, err := s.Wallet(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.Equal(d("7")), w.AvailableBalance.String())
	assert.Equal(t, uint64(3), w.Version)
}

func testStaleWrite(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()

	put(t, s, func(tx ledger.Tx) error {
		w := ledger.NewWallet("dave")
		w.AvailableBalance = d("100")
		return tx.PutWallet(w)
	})

	stale, err := s.Wallet(ctx, "dave")
	require.NoError(t, err)

	put(t, s, func(tx ledger.Tx) error {
		w, err := tx.Wallet("dave")
		if err != nil {
			return err
		}
		w.AvailableBalance = d("60")
		return tx.PutWallet(w)
	})

	// writing back a copy read before the last commit must not clobber it
	err = s.Update(ctx, func(tx ledger.Tx) error {
		stale.AvailableBalance = d("0")
		return tx.PutWallet(stale)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrTransactionConflict)

	w, err := s.Wallet(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.Equal(d("60")))

	// creating a record that already exists is a conflict too
	err = s.Update(ctx, func(tx ledger.Tx) error {
		return tx.PutWallet(ledger.NewWallet("dave"))
	})
	assert.ErrorIs(t, err, ledger.ErrTransactionConflict)
}

func testActiveOrders(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()

	put(t, s, func(tx ledger.Tx) error {
		for i, seq := range []uint64{30, 10, 20, 40} {
			o := limitOrder(fmt.Sprintf("o%d", i), "erin", ledger.Buy, "10", "1", seq)
			if err := tx.PutOrder(o); err != nil {
				return err
			}
		}
		return nil
	})

	// o3 (seq 40) is filled and leaves the active set
	put(t, s, func(tx ledger.Tx) error {
		o, err := tx.Order("o3")
		if err != nil {
			return err
		}
		o.Fill(o.Quantity)
		o.Reserved = decimal.Zero
		return tx.PutOrder(o)
	})

	active, err := s.ActiveOrders(ctx)
	require.NoError(t, err)
	got := make([]uint64, len(active))
	for i, o := range active {
		got[i] = o.Seq
	}
	assert.Equal(t, []uint64{10, 20, 30}, got)
}

func testTrades(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()

	put(t, s, func(tx ledger.Tx) error {
		for i := 0; i < 3; i++ {
			tr := &ledger.Trade{
				ID:          fmt.Sprintf("t%d", i),
				BuyOrderID:  "buy",
				SellOrderID: fmt.Sprintf("sell%d", i),
				BuyerID:     "alice",
				SellerID:    "bob",
				AssetID:     "ACME",
				Price:       d("10"),
				Quantity:    d("1"),
				TakerSide:   ledger.Buy,
				ExecutedAt:  epoch.Add(time.Duration(i) * time.Second),
			}
			if err := tx.InsertTrade(tr); err != nil {
				return err
			}
		}
		return nil
	})

	byOrder, err := s.TradesForOrder(ctx, "buy")
	require.NoError(t, err)
	require.Len(t, byOrder, 3)
	assert.Equal(t, "t0", byOrder[0].ID)
	assert.Equal(t, "t2", byOrder[2].ID)

	sell, err := s.TradesForOrder(ctx, "sell1")
	require.NoError(t, err)
	require.Len(t, sell, 1)
	assert.Equal(t, "t1", sell[0].ID)
	assert.Equal(t, ledger.Buy, sell[0].TakerSide)

	recent, err := s.RecentTrades(ctx, "ACME", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "t2", recent[0].ID)
	assert.Equal(t, "t1", recent[1].ID)
}

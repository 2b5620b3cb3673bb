package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
	"github.com/uhyunpark/tradesim/pkg/storage/storagetest"
)

func TestPebbleStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ledger.Store {
		s, err := NewInMemoryStore()
		require.NoError(t, err)
		return s
	})
}

func TestPebbleInterleavedUnitsConflict(t *testing.T) {
	s, err := NewInMemoryStore()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		w := ledger.NewWallet("alice")
		w.AvailableBalance = decimal.NewFromInt(100)
		return tx.PutWallet(w)
	}))

	// unit A reads, unit B commits underneath it, A must lose
	err = s.Update(ctx, func(tx ledger.Tx) error {
		w, err := tx.Wallet("alice")
		if err != nil {
			return err
		}
		inner := s.Update(ctx, func(tx ledger.Tx) error {
			w, err := tx.Wallet("alice")
			if err != nil {
				return err
			}
			w.AvailableBalance = w.AvailableBalance.Sub(decimal.NewFromInt(30))
			return tx.PutWallet(w)
		})
		require.NoError(t, inner)

		w.AvailableBalance = w.AvailableBalance.Sub(decimal.NewFromInt(80))
		return tx.PutWallet(w)
	})
	require.ErrorIs(t, err, ledger.ErrTransactionConflict)
	assert.True(t, ledger.KindOf(err).Retryable())

	w, err := s.Wallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.Equal(decimal.NewFromInt(70)))
}

func TestPebbleReadOnlyObservationConflicts(t *testing.T) {
	s, err := NewInMemoryStore()
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// a unit that only read a record still fails if the record moved
	err = s.Update(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Wallet("bob"); err == nil {
			t.Fatal("wallet should not exist yet")
		}
		require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
			return tx.PutWallet(ledger.NewWallet("bob"))
		}))
		p := ledger.NewPortfolio("bob", "ACME")
		p.AvailableQuantity = decimal.NewFromInt(1)
		return tx.PutPortfolio(p)
	})
	require.ErrorIs(t, err, ledger.ErrTransactionConflict)

	_, err = s.Portfolio(ctx, "bob", "ACME")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPebbleCancelledContext(t *testing.T) {
	s, err := NewInMemoryStore()
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Update(ctx, func(tx ledger.Tx) error {
		return tx.PutWallet(ledger.NewWallet("carol"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPebbleSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	ctx := context.Background()

	s, err := NewPebbleStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		o := &ledger.Order{
			ID: "o1", UserID: "alice", AssetID: "ACME", Side: ledger.Buy, Type: ledger.Limit,
			Price: decimal.NewNullDecimal(decimal.NewFromInt(10)), Quantity: decimal.NewFromInt(2),
			Status: ledger.StatusOpen, Reserved: decimal.NewFromInt(20), Seq: 1,
		}
		return tx.PutOrder(o)
	}))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	active, err := s.ActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "o1", active[0].ID)
	assert.True(t, active[0].Reserved.Equal(decimal.NewFromInt(20)))
}

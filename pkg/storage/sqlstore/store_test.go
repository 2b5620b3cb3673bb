package sqlstore

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

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "ledger.db"))
	require.NoError(t, err)
	return s
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ledger.Store { return openTemp(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		w := ledger.NewWallet("alice")
		w.AvailableBalance = decimal.RequireFromString("12.345")
		return tx.PutWallet(w)
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.DB().PingContext(ctx))

	w, err := s.Wallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.AvailableBalance.Equal(decimal.RequireFromString("12.345")))
}

func TestVersionAdvancesOnPut(t *testing.T) {
	s := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		p := ledger.NewPortfolio("bob", "ACME")
		if err := tx.PutPortfolio(p); err != nil {
			return err
		}
		assert.Equal(t, uint64(1), p.Version)

		// the in-memory copy tracks the row, so a second put in the unit applies
		p.AvailableQuantity = decimal.NewFromInt(4)
		return tx.PutPortfolio(p)
	}))

	p, err := s.Portfolio(ctx, "bob", "ACME")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Version)
	assert.True(t, p.AvailableQuantity.Equal(decimal.NewFromInt(4)))
}

func TestClassifyLeavesPlainErrors(t *testing.T) {
	err := classify(assert.AnError)
	assert.Equal(t, assert.AnError, err)
	assert.NotErrorIs(t, err, ledger.ErrTransactionConflict)
}

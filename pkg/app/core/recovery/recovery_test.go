package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tradesim/pkg/app/core/engine"
	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
	"github.com/uhyunpark/tradesim/pkg/app/core/orderbook"
	"github.com/uhyunpark/tradesim/pkg/app/core/settlement"
	"github.com/uhyunpark/tradesim/pkg/storage"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limit(user string, side ledger.Side, qty, px string) engine.SubmitRequest {
	return engine.SubmitRequest{
		UserID: user, AssetID: "ACME", Side: side, Type: ledger.Limit,
		Quantity: d(qty), Price: decimal.NewNullDecimal(d(px)),
	}
}

// Books rebuilt from a reopened ledger equal the books the engine held
func TestRebuildMatchesLiveBooks(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ledger")

	store, err := storage.NewPebbleStore(dir)
	require.NoError(t, err)
	svc := settlement.New(store, settlement.DefaultConfig(), nil)
	eng := engine.New(engine.DefaultConfig(), orderbook.NewRegistry(), svc, store, nil, nil, nil, 0)

	_, err = svc.Deposit(ctx, "buyer", d("10000"))
	require.NoError(t, err)
	_, err = svc.GrantAsset(ctx, "seller", "ACME", d("50"), d("1"))
	require.NoError(t, err)

	_, err = eng.SubmitOrder(ctx, limit("seller", ledger.Sell, "5", "101"))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(ctx, limit("seller", ledger.Sell, "5", "101"))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(ctx, limit("seller", ledger.Sell, "4", "102"))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(ctx, limit("buyer", ledger.Buy, "7", "101")) // fills 5, partially fills the next
	require.NoError(t, err)
	_, err = eng.SubmitOrder(ctx, limit("buyer", ledger.Buy, "3", "99"))
	require.NoError(t, err)
	bid, err := eng.SubmitOrder(ctx, limit("buyer", ledger.Buy, "2", "98"))
	require.NoError(t, err)
	_, err = eng.CancelOrder(ctx, bid.ID)
	require.NoError(t, err)
	// market remainder stays active in the ledger but never rests
	_, err = eng.SubmitOrder(ctx, engine.SubmitRequest{
		UserID: "seller", AssetID: "ACME", Side: ledger.Sell, Type: ledger.Market, Quantity: d("20"),
	})
	require.NoError(t, err)

	live := eng.BookSnapshot("ACME", 0)
	liveAsks := eng.Books().Book("ACME").Candidates(ledger.Sell)
	require.NoError(t, store.Close())

	store, err = storage.NewPebbleStore(dir)
	require.NoError(t, err)
	defer store.Close()

	books, stats, err := NewCoordinator(store, nil).Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Assets)
	assert.Equal(t, 1, stats.Skipped, "the market order")
	assert.Equal(t, uint64(7), stats.LastSeq)

	book, ok := books.Lookup("ACME")
	require.True(t, ok)
	assertSameLevels(t, live.Bids, book.Snapshot(0).Bids)
	assertSameLevels(t, live.Asks, book.Snapshot(0).Asks)
	assert.Equal(t, stats.Orders, book.Len())

	rebuilt := book.Candidates(ledger.Sell)
	require.Len(t, rebuilt, len(liveAsks))
	for i := range liveAsks {
		assert.Equal(t, liveAsks[i].ID, rebuilt[i].ID)
		assert.Equal(t, liveAsks[i].Seq, rebuilt[i].Seq)
		assert.True(t, liveAsks[i].Remaining().Equal(rebuilt[i].Remaining()))
	}
}

func assertSameLevels(t *testing.T, want, got []orderbook.PriceLevel) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Price.Equal(got[i].Price), "price %s != %s", want[i].Price, got[i].Price)
		assert.True(t, want[i].Quantity.Equal(got[i].Quantity), "qty %s != %s", want[i].Quantity, got[i].Quantity)
		assert.Equal(t, want[i].Orders, got[i].Orders)
	}
}

type staticSource struct {
	orders []*ledger.Order
	err    error
}

func (s staticSource) ActiveOrders(context.Context) ([]*ledger.Order, error) { return s.orders, s.err }

func TestRebuildSkipsUnrestableRows(t *testing.T) {
	px := decimal.NewNullDecimal(d("10"))
	src := staticSource{orders: []*ledger.Order{
		{ID: "ok", AssetID: "ACME", Side: ledger.Buy, Type: ledger.Limit, Price: px, Quantity: d("2"), Status: ledger.StatusOpen, Seq: 3},
		{ID: "mkt", AssetID: "ACME", Side: ledger.Sell, Type: ledger.Market, Quantity: d("2"), Status: ledger.StatusPartial, FilledQuantity: d("1"), Seq: 9},
		{ID: "noprice", AssetID: "ACME", Side: ledger.Buy, Type: ledger.Limit, Quantity: d("2"), Status: ledger.StatusOpen, Seq: 4},
		{ID: "noasset", Side: ledger.Buy, Type: ledger.Limit, Price: px, Quantity: d("2"), Status: ledger.StatusOpen, Seq: 5},
		{ID: "ok", AssetID: "ACME", Side: ledger.Buy, Type: ledger.Limit, Price: px, Quantity: d("2"), Status: ledger.StatusOpen, Seq: 6},
		{ID: "other", AssetID: "BETA", Side: ledger.Sell, Type: ledger.Limit, Price: px, Quantity: d("1"), Status: ledger.StatusOpen, Seq: 7},
	}}

	books, stats, err := NewCoordinator(src, nil).Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Orders: 2, Assets: 2, Skipped: 4, LastSeq: 9}, stats)
	assert.Equal(t, []string{"ACME", "BETA"}, books.Assets())
}

func TestRebuildEmptyLedger(t *testing.T) {
	books, stats, err := NewCoordinator(staticSource{}, nil).Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, books.Assets())
}

func TestRebuildFailsWhenSourceFails(t *testing.T) {
	boom := errors.New("unreadable")
	_, _, err := NewCoordinator(staticSource{err: boom}, nil).Rebuild(context.Background())
	assert.ErrorIs(t, err, boom)
}

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
)

const (
	orderColumns = `id, user_id, asset_id, side, order_type, price, quantity, filled_quantity,
  status, reserved, seq, created_at, updated_at, version`
	walletColumns    = `user_id, available_balance, locked_balance, currency, updated_at, version`
	portfolioColumns = `user_id, asset_id, available_quantity, locked_quantity, avg_buy_price, updated_at, version`
	tradeColumns     = `id, buy_order_id, sell_order_id, buyer_id, seller_id, asset_id, price, quantity,
  taker_side, executed_at`
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type tx struct {
	ctx context.Context
	q   queryer
}

func scanOrder(sc scanner) (*ledger.Order, error) {
	var (
		o                 ledger.Order
		side, typ, status string
		seq, version      int64
		created, updated  int64
	)
	err := sc.Scan(&o.ID, &o.UserID, &o.AssetID, &side, &typ, &o.Price, &o.Quantity, &o.FilledQuantity,
		&status, &o.Reserved, &seq, &created, &updated, &version)
	if err != nil {
		return nil, err
	}
	o.Side = ledger.Side(side)
	o.Type = ledger.OrderType(typ)
	o.Status = ledger.OrderStatus(status)
	o.Seq = uint64(seq)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	o.Version = uint64(version)
	return &o, nil
}

func scanTrade(sc scanner) (*ledger.Trade, error) {
	var (
		t        ledger.Trade
		side     string
		executed int64
	)
	err := sc.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.AssetID,
		&t.Price, &t.Quantity, &side, &executed)
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	t.TakerSide = ledger.Side(side)
	t.ExecutedAt = fromNanos(executed)
	return &t, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}

// checkApplied turns a guarded UPDATE that matched no row into a conflict
func checkApplied(res sql.Result, what string, version uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.Conflict(fmt.Errorf("%s changed since version %d", what, version))
	}
	return nil
}

func (t *tx) Order(id string) (*ledger.Order, error) {
	row := t.q.QueryRowContext(t.ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func (t *tx) PutOrder(o *ledger.Order) error {
	var (
		res sql.Result
		err error
	)
	if o.Version == 0 {
		res, err = t.q.ExecContext(t.ctx, `INSERT INTO orders (`+orderColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			o.ID, o.UserID, o.AssetID, string(o.Side), string(o.Type), o.Price, o.Quantity, o.FilledQuantity,
			string(o.Status), o.Reserved, int64(o.Seq), nanos(o.CreatedAt), nanos(o.UpdatedAt))
	} else {
		res, err = t.q.ExecContext(t.ctx, `UPDATE orders SET filled_quantity = ?, status = ?, reserved = ?,
  updated_at = ?, version = version + 1 WHERE id = ? AND version = ?`,
			o.FilledQuantity, string(o.Status), o.Reserved, nanos(o.UpdatedAt), o.ID, int64(o.Version))
	}
	if err != nil {
		return classify(fmt.Errorf("put order %s: %w", o.ID, err))
	}
	if err := checkApplied(res, "order "+o.ID, o.Version); err != nil {
		return err
	}
	o.Version++
	return nil
}

func (t *tx) Wallet(userID string) (*ledger.Wallet, error) {
	var (
		w                ledger.Wallet
		currency         string
		updated, version int64
	)
	err := t.q.QueryRowContext(t.ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID).
		Scan(&w.UserID, &w.AvailableBalance, &w.LockedBalance, &currency, &updated, &version)
	if err != nil {
		return nil, notFound(err)
	}
	w.Currency = ledger.Currency(currency)
	w.UpdatedAt = fromNanos(updated)
	w.Version = uint64(version)
	return &w, nil
}

func (t *tx) PutWallet(w *ledger.Wallet) error {
	var (
		res sql.Result
		err error
	)
	if w.Version == 0 {
		res, err = t.q.ExecContext(t.ctx, `INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, 1)`,
			w.UserID, w.AvailableBalance, w.LockedBalance, string(w.Currency), nanos(w.UpdatedAt))
	} else {
		res, err = t.q.ExecContext(t.ctx, `UPDATE wallets SET available_balance = ?, locked_balance = ?,
  currency = ?, updated_at = ?, version = version + 1 WHERE user_id = ? AND version = ?`,
			w.AvailableBalance, w.LockedBalance, string(w.Currency), nanos(w.UpdatedAt), w.UserID, int64(w.Version))
	}
	if err != nil {
		return classify(fmt.Errorf("put wallet %s: %w", w.UserID, err))
	}
	if err := checkApplied(res, "wallet "+w.UserID, w.Version); err != nil {
		return err
	}
	w.Version++
	return nil
}

func (t *tx) Portfolio(userID, assetID string) (*ledger.Portfolio, error) {
	var (
		p                ledger.Portfolio
		updated, version int64
	)
	err := t.q.QueryRowContext(t.ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE user_id = ? AND asset_id = ?`, userID, assetID).
		Scan(&p.UserID, &p.AssetID, &p.AvailableQuantity, &p.LockedQuantity, &p.AvgBuyPrice, &updated, &version)
	if err != nil {
		return nil, notFound(err)
	}
	p.UpdatedAt = fromNanos(updated)
	p.Version = uint64(version)
	return &p, nil
}

func (t *tx) PutPortfolio(p *ledger.Portfolio) error {
	var (
		res sql.Result
		err error
	)
	if p.Version == 0 {
		res, err = t.q.ExecContext(t.ctx, `INSERT INTO portfolios (`+portfolioColumns+`) VALUES (?, ?, ?, ?, ?, ?, 1)`,
			p.UserID, p.AssetID, p.AvailableQuantity, p.LockedQuantity, p.AvgBuyPrice, nanos(p.UpdatedAt))
	} else {
		res, err = t.q.ExecContext(t.ctx, `UPDATE portfolios SET available_quantity = ?, locked_quantity = ?,
  avg_buy_price = ?, updated_at = ?, version = version + 1 WHERE user_id = ? AND asset_id = ? AND version = ?`,
			p.AvailableQuantity, p.LockedQuantity, p.AvgBuyPrice, nanos(p.UpdatedAt), p.UserID, p.AssetID, int64(p.Version))
	}
	if err != nil {
		return classify(fmt.Errorf("put portfolio %s/%s: %w", p.UserID, p.AssetID, err))
	}
	if err := checkApplied(res, "portfolio "+p.UserID+"/"+p.AssetID, p.Version); err != nil {
		return err
	}
	p.Version++
	return nil
}

func (t *tx) InsertTrade(tr *ledger.Trade) error {
	_, err := t.q.ExecContext(t.ctx, `INSERT INTO trades (`+tradeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.BuyOrderID, tr.SellOrderID, tr.BuyerID, tr.SellerID, tr.AssetID, tr.Price, tr.Quantity,
		string(tr.TakerSide), nanos(tr.ExecutedAt))
	if err != nil {
		return classify(fmt.Errorf("insert trade %s: %w", tr.ID, err))
	}
	return nil
}

var _ ledger.Tx = (*tx)(nil)

// Package sqlstore is the SQLite-backed ledger. It uses the pure-Go
// modernc.org/sqlite driver over a single connection, so units are
// serialized by the connection pool and every UPDATE is additionally
// guarded by the record version the caller read.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file and applies the schema
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection and units rely on a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying handle for health checks
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	if err := fn(&tx{ctx: ctx, q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) Order(ctx context.Context, id string) (*ledger.Order, error) {
	return (&tx{ctx: ctx, q: s.db}).Order(id)
}

func (s *Store) Wallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	return (&tx{ctx: ctx, q: s.db}).Wallet(userID)
}

func (s *Store) Portfolio(ctx context.Context, userID, assetID string) (*ledger.Portfolio, error) {
	return (&tx{ctx: ctx, q: s.db}).Portfolio(userID, assetID)
}

func (s *Store) ActiveOrders(ctx context.Context) ([]*ledger.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status IN (?, ?) ORDER BY seq`,
		string(ledger.StatusOpen), string(ledger.StatusPartial))
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var orders []*ledger.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *Store) TradesForOrder(ctx context.Context, orderID string) ([]*ledger.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE buy_order_id = ? OR sell_order_id = ? ORDER BY executed_at, id`,
		orderID, orderID)
}

func (s *Store) RecentTrades(ctx context.Context, assetID string, limit int) ([]*ledger.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE asset_id = ? ORDER BY executed_at DESC, id DESC LIMIT ?`,
		assetID, limit)
}

func (s *Store) queryTrades(ctx context.Context, query string, args ...any) ([]*ledger.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*ledger.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// classify turns lock contention and uniqueness races into retryable conflicts
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CONSTRAINT:
			return ledger.Conflict(err)
		}
	}
	return err
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

var _ ledger.Store = (*Store)(nil)

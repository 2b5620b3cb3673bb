package sqlstore

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  side TEXT NOT NULL,
  order_type TEXT NOT NULL,
  price TEXT,
  quantity TEXT NOT NULL,
  filled_quantity TEXT NOT NULL,
  status TEXT NOT NULL,
  reserved TEXT NOT NULL,
  seq INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  version INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_seq ON orders(status, seq);`,
		`
CREATE TABLE IF NOT EXISTS wallets (
  user_id TEXT PRIMARY KEY,
  available_balance TEXT NOT NULL,
  locked_balance TEXT NOT NULL,
  currency TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  version INTEGER NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS portfolios (
  user_id TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  available_quantity TEXT NOT NULL,
  locked_quantity TEXT NOT NULL,
  avg_buy_price TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  version INTEGER NOT NULL,
  PRIMARY KEY (user_id, asset_id)
);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  buy_order_id TEXT NOT NULL,
  sell_order_id TEXT NOT NULL,
  buyer_id TEXT NOT NULL,
  seller_id TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  price TEXT NOT NULL,
  quantity TEXT NOT NULL,
  taker_side TEXT NOT NULL,
  executed_at INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_asset_time ON trades(asset_id, executed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_buy_order ON trades(buy_order_id);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_sell_order ON trades(sell_order_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

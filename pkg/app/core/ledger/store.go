// Package ledger defines the durable records of the exchange (orders,
// wallets, portfolios, trades), the typed rejection errors, and the store
// contract the settlement service and recovery run against.
package ledger

import "context"

// Tx is the view of the store inside one atomic unit. Reads observe the
// unit's own earlier writes. Records returned are copies; callers mutate
// them and write them back with the matching Put.
type Tx interface {
	Order(id string) (*Order, error)
	PutOrder(o *Order) error

	// Wallet returns ErrNotFound when the user has no wallet
	Wallet(userID string) (*Wallet, error)
	PutWallet(w *Wallet) error

	// Portfolio returns ErrNotFound when the user holds no row for the asset
	Portfolio(userID, assetID string) (*Portfolio, error)
	PutPortfolio(p *Portfolio) error

	InsertTrade(t *Trade) error
}

// Store is the durable ledger
type Store interface {
	// Update runs fn as one atomic unit. If fn returns an error nothing is
	// written. A concurrent commit touching a record fn read makes Update
	// return a TRANSACTION_CONFLICT error.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Order(ctx context.Context, id string) (*Order, error)
	Wallet(ctx context.Context, userID string) (*Wallet, error)
	Portfolio(ctx context.Context, userID, assetID string) (*Portfolio, error)

	// ActiveOrders returns every OPEN or PARTIAL order ordered by Seq
	ActiveOrders(ctx context.Context) ([]*Order, error)

	// TradesForOrder returns every trade the order took part in, oldest first
	TradesForOrder(ctx context.Context, orderID string) ([]*Trade, error)

	// RecentTrades returns the newest trades of an asset, newest first
	RecentTrades(ctx context.Context, assetID string, limit int) ([]*Trade, error)

	Close() error
}

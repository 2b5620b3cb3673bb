package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
)

// PebbleStore is the Pebble-backed ledger.
//
// Units run on an indexed batch so they read their own writes. Every record
// a unit reads or writes is remembered with the version it had; at commit
// the versions are re-checked against the database under commitMu and any
// mismatch aborts the unit with TRANSACTION_CONFLICT. Commits are fsynced.
type PebbleStore struct {
	db       *pebble.DB
	commitMu sync.Mutex
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(128 << 20) // 128MB cache
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                64 << 20, // 64MB memtable
		MaxConcurrentCompactions:    func() int { return 3 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20,
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10,
		DisableAutomaticCompactions: false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// NewInMemoryStore opens a Pebble database on an in-memory filesystem.
// Contents are lost on Close.
func NewInMemoryStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Update runs fn as one atomic unit
func (s *PebbleStore) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &pebbleTx{
		batch: s.db.NewIndexedBatch(),
		reads: make(map[string]uint64),
	}
	defer tx.batch.Close()

	if err := fn(tx); err != nil {
		return err
	}
	if tx.batch.Empty() {
		return nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := s.validate(tx.reads); err != nil {
		return err
	}
	if err := tx.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit ledger batch: %w", err)
	}
	return nil
}

// validate compares the versions a unit observed with the committed ones.
// Caller holds commitMu.
func (s *PebbleStore) validate(reads map[string]uint64) error {
	for key, seen := range reads {
		current, err := s.committedVersion([]byte(key))
		if err != nil {
			return err
		}
		if current != seen {
			return ledger.Conflict(fmt.Errorf("%s changed: read version %d, committed %d", key, seen, current))
		}
	}
	return nil
}

func (s *PebbleStore) committedVersion(key []byte) (uint64, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return versionOf(val)
}

// get loads and decodes a single key, returning ledger.ErrNotFound if absent
func (s *PebbleStore) get(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	if err := decode(val, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Order(ctx context.Context, id string) (*ledger.Order, error) {
	var o ledger.Order
	if err := s.get(orderKey(id), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PebbleStore) Wallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	var w ledger.Wallet
	if err := s.get(walletKey(userID), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PebbleStore) Portfolio(ctx context.Context, userID, assetID string) (*ledger.Portfolio, error) {
	var p ledger.Portfolio
	if err := s.get(portfolioKey(userID, assetID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ActiveOrders walks the active index, which is keyed by sequence
func (s *PebbleStore) ActiveOrders(ctx context.Context) ([]*ledger.Order, error) {
	prefix := []byte(prefixActive)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open active order iterator: %w", err)
	}
	defer iter.Close()

	var orders []*ledger.Order
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := string(iter.Value())
		var o ledger.Order
		if err := s.get(orderKey(id), &o); err != nil {
			return nil, fmt.Errorf("active index points at order %s: %w", id, err)
		}
		orders = append(orders, &o)
	}
	return orders, iter.Error()
}

func (s *PebbleStore) TradesForOrder(ctx context.Context, orderID string) ([]*ledger.Trade, error) {
	prefix := tradeByOrderPrefix(orderID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trade iterator: %w", err)
	}
	defer iter.Close()

	var trades []*ledger.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t ledger.Trade
		if err := s.get(iter.Value(), &t); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, iter.Error()
}

// RecentTrades returns trades in reverse chronological order (newest first)
func (s *PebbleStore) RecentTrades(ctx context.Context, assetID string, limit int) ([]*ledger.Trade, error) {
	prefix := tradePrefix(assetID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trade iterator: %w", err)
	}
	defer iter.Close()

	var trades []*ledger.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t ledger.Trade
		if err := decode(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		trades = append(trades, &t)
	}
	return trades, iter.Error()
}

var _ ledger.Store = (*PebbleStore)(nil)

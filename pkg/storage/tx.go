package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
)

// pebbleTx is one unit of work on an indexed batch
type pebbleTx struct {
	batch *pebble.Batch
	reads map[string]uint64 // key -> version first observed by this unit
}

// observe remembers the version of a key the first time the unit touches it.
// Later reads come from the batch and must not overwrite the baseline.
func (tx *pebbleTx) observe(key []byte, version uint64) {
	k := string(key)
	if _, ok := tx.reads[k]; !ok {
		tx.reads[k] = version
	}
}

func (tx *pebbleTx) get(key []byte, v any) error {
	val, closer, err := tx.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		tx.observe(key, 0)
		return ledger.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	version, err := versionOf(val)
	if err != nil {
		return fmt.Errorf("failed to read version of %s: %w", key, err)
	}
	if err := decode(val, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	tx.observe(key, version)
	return nil
}

// put bumps the record's version and stages it. The version the caller's copy
// carried becomes the baseline for conflict detection if the key was not read.
func (tx *pebbleTx) put(key []byte, version *uint64, v any) error {
	tx.observe(key, *version)
	*version++
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return tx.batch.Set(key, data, nil)
}

func (tx *pebbleTx) Order(id string) (*ledger.Order, error) {
	var o ledger.Order
	if err := tx.get(orderKey(id), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// PutOrder stores the order and keeps the active index in step with its status
func (tx *pebbleTx) PutOrder(o *ledger.Order) error {
	if err := tx.put(orderKey(o.ID), &o.Version, o); err != nil {
		return err
	}
	idx := activeKey(o.Seq, o.ID)
	if o.IsActive() {
		return tx.batch.Set(idx, []byte(o.ID), nil)
	}
	return tx.batch.Delete(idx, nil)
}

func (tx *pebbleTx) Wallet(userID string) (*ledger.Wallet, error) {
	var w ledger.Wallet
	if err := tx.get(walletKey(userID), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (tx *pebbleTx) PutWallet(w *ledger.Wallet) error {
	return tx.put(walletKey(w.UserID), &w.Version, w)
}

func (tx *pebbleTx) Portfolio(userID, assetID string) (*ledger.Portfolio, error) {
	var p ledger.Portfolio
	if err := tx.get(portfolioKey(userID, assetID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (tx *pebbleTx) PutPortfolio(p *ledger.Portfolio) error {
	return tx.put(portfolioKey(p.UserID, p.AssetID), &p.Version, p)
}

// InsertTrade stores the trade and indexes it under both orders
func (tx *pebbleTx) InsertTrade(t *ledger.Trade) error {
	data, err := encode(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	ts := t.ExecutedAt.UnixNano()
	key := tradeKey(t.AssetID, ts, t.ID)
	if err := tx.batch.Set(key, data, nil); err != nil {
		return err
	}
	if err := tx.batch.Set(tradeByOrderKey(t.BuyOrderID, ts, t.ID), key, nil); err != nil {
		return err
	}
	return tx.batch.Set(tradeByOrderKey(t.SellOrderID, ts, t.ID), key, nil)
}

var _ ledger.Tx = (*pebbleTx)(nil)

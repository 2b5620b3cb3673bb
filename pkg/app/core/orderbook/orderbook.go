package orderbook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
)

// Entry is the in-memory projection of a resting order
type Entry struct {
	ID       string
	UserID   string
	AssetID  string
	Side     ledger.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Filled   decimal.Decimal
	Seq      uint64
}

// Remaining returns unfilled quantity
func (e *Entry) Remaining() decimal.Decimal {
	return e.Quantity.Sub(e.Filled)
}

// EntryFromOrder projects a LIMIT order onto the book
func EntryFromOrder(o *ledger.Order) Entry {
	return Entry{
		ID:       o.ID,
		UserID:   o.UserID,
		AssetID:  o.AssetID,
		Side:     o.Side,
		Price:    o.Price.Decimal,
		Quantity: o.Quantity,
		Filled:   o.FilledQuantity,
		Seq:      o.Seq,
	}
}

// PriceLevel aggregates the resting quantity at one price
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"` // total remaining qty at this price level
	Orders   int             `json:"orders"`
}

// Snapshot is the read-only top of book handed to display consumers
type Snapshot struct {
	AssetID string       `json:"assetId"`
	Bids    []PriceLevel `json:"bids"`
	Asks    []PriceLevel `json:"asks"`
}

// level is a FIFO queue of entries at one price, kept in Seq order
type level struct {
	price   decimal.Decimal
	entries []*Entry
}

// OrderBook holds the resting orders of one asset.
// Bids match best (highest) price first, asks lowest first; within a price
// the lower Seq (earlier submission) matches first.
type OrderBook struct {
	mu sync.RWMutex

	assetID string

	// Price level queues keyed by canonical price string
	bids map[string]*level
	asks map[string]*level

	// The same levels ordered best price first
	bidLadder []*level
	askLadder []*level

	// Order index for O(1) lookup and cancellation
	index map[string]*Entry
}

func NewOrderBook(assetID string) *OrderBook {
	return &OrderBook{
		assetID: assetID,
		bids:    make(map[string]*level),
		asks:    make(map[string]*level),
		index:   make(map[string]*Entry),
	}
}

func (ob *OrderBook) AssetID() string { return ob.assetID }

func priceKey(p decimal.Decimal) string { return p.String() }

func (ob *OrderBook) levels(side ledger.Side) map[string]*level {
	if side == ledger.Buy {
		return ob.bids
	}
	return ob.asks
}

// ladder returns a side's levels best price first. Caller holds mu.
func (ob *OrderBook) ladder(side ledger.Side) []*level {
	if side == ledger.Buy {
		return ob.bidLadder
	}
	return ob.askLadder
}

func (ob *OrderBook) setLadder(side ledger.Side, l []*level) {
	if side == ledger.Buy {
		ob.bidLadder = l
	} else {
		ob.askLadder = l
	}
}

// ahead reports whether price a matches before price b on side
func ahead(side ledger.Side, a, b decimal.Decimal) bool {
	if side == ledger.Buy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// addLevel slots a new level into the side's ladder
func (ob *OrderBook) addLevel(side ledger.Side, lvl *level) {
	l := ob.ladder(side)
	i := sort.Search(len(l), func(i int) bool { return ahead(side, lvl.price, l[i].price) })
	l = append(l, nil)
	copy(l[i+1:], l[i:])
	l[i] = lvl
	ob.setLadder(side, l)
}

// dropLevel takes an empty level out of the side's ladder
func (ob *OrderBook) dropLevel(side ledger.Side, price decimal.Decimal) {
	l := ob.ladder(side)
	i := sort.Search(len(l), func(i int) bool { return !ahead(side, l[i].price, price) })
	if i < len(l) && l[i].price.Equal(price) {
		copy(l[i:], l[i+1:])
		l[len(l)-1] = nil
		ob.setLadder(side, l[:len(l)-1])
	}
}

// Insert rests an entry on its own side
func (ob *OrderBook) Insert(e Entry) error {
	if !e.Side.Valid() {
		return fmt.Errorf("entry %s: invalid side %q", e.ID, e.Side)
	}
	if e.Price.Sign() <= 0 {
		return fmt.Errorf("entry %s: price must be positive", e.ID)
	}
	if e.Remaining().Sign() <= 0 {
		return fmt.Errorf("entry %s: nothing left to rest", e.ID)
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.index[e.ID]; exists {
		return fmt.Errorf("entry %s already resting", e.ID)
	}

	levels := ob.levels(e.Side)
	key := priceKey(e.Price)
	lvl, ok := levels[key]
	if !ok {
		lvl = &level{price: e.Price}
		levels[key] = lvl
		ob.addLevel(e.Side, lvl)
	}

	entry := e
	// Almost always appends; an older Seq (recovery) is slotted into place
	i := sort.Search(len(lvl.entries), func(i int) bool { return lvl.entries[i].Seq > entry.Seq })
	lvl.entries = append(lvl.entries, nil)
	copy(lvl.entries[i+1:], lvl.entries[i:])
	lvl.entries[i] = &entry

	ob.index[entry.ID] = &entry
	return nil
}

// Remove takes an entry off the book. Returns false if it was not resting.
func (ob *OrderBook) Remove(id string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	e, ok := ob.index[id]
	if !ok {
		return false
	}

	levels := ob.levels(e.Side)
	key := priceKey(e.Price)
	if lvl, exists := levels[key]; exists {
		kept := lvl.entries[:0]
		for _, cur := range lvl.entries {
			if cur.ID != id {
				kept = append(kept, cur)
			}
		}
		// clear the dropped tail so the removed entry can be collected
		for i := len(kept); i < len(lvl.entries); i++ {
			lvl.entries[i] = nil
		}
		lvl.entries = kept

		if len(lvl.entries) == 0 {
			delete(levels, key)
			ob.dropLevel(e.Side, lvl.price)
		}
	}

	delete(ob.index, id)
	return true
}

// SetFilled records the committed filled quantity of a resting entry
func (ob *OrderBook) SetFilled(id string, filled decimal.Decimal) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	e, ok := ob.index[id]
	if !ok {
		return fmt.Errorf("entry %s not resting", id)
	}
	if filled.LessThan(e.Filled) || filled.GreaterThan(e.Quantity) {
		return fmt.Errorf("entry %s: filled %s outside [%s, %s]", id, filled, e.Filled, e.Quantity)
	}
	e.Filled = filled
	return nil
}

// Candidates returns copies of a side's entries in matching order.
// The slice is detached from the book, so the caller may Remove or
// SetFilled while walking it.
func (ob *OrderBook) Candidates(side ledger.Side) []Entry {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	out := make([]Entry, 0, len(ob.index))
	for _, lvl := range ob.ladder(side) {
		for _, e := range lvl.entries {
			out = append(out, *e)
		}
	}
	return out
}

// Snapshot returns the top depth price levels per side. depth <= 0 returns all.
func (ob *OrderBook) Snapshot(depth int) Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return Snapshot{
		AssetID: ob.assetID,
		Bids:    aggregate(ob.ladder(ledger.Buy), depth),
		Asks:    aggregate(ob.ladder(ledger.Sell), depth),
	}
}

func aggregate(levels []*level, depth int) []PriceLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		total := decimal.Zero
		for _, e := range lvl.entries {
			total = total.Add(e.Remaining())
		}
		out = append(out, PriceLevel{Price: lvl.price, Quantity: total, Orders: len(lvl.entries)})
	}
	return out
}

// EstimateBuyCost prices qty against the resting asks, best first.
// filled is how much of qty the current asks can cover; ok is false when
// there are no asks at all.
func (ob *OrderBook) EstimateBuyCost(qty decimal.Decimal) (cost, filled decimal.Decimal, ok bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if len(ob.askLadder) == 0 {
		return decimal.Zero, decimal.Zero, false
	}

	need := qty
	for _, lvl := range ob.ladder(ledger.Sell) {
		for _, e := range lvl.entries {
			if need.Sign() <= 0 {
				return cost, filled, true
			}
			take := decimal.Min(need, e.Remaining())
			cost = cost.Add(take.Mul(lvl.price))
			filled = filled.Add(take)
			need = need.Sub(take)
		}
	}
	return cost, filled, true
}

// BestBid returns the highest bid price
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	return ob.best(ledger.Buy)
}

// BestAsk returns the lowest ask price
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	return ob.best(ledger.Sell)
}

func (ob *OrderBook) best(side ledger.Side) (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	l := ob.ladder(side)
	if len(l) == 0 {
		return decimal.Zero, false
	}
	return l[0].price, true
}

// Len returns the number of resting entries
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.index)
}

// Depth returns the number of resting entries per side
func (ob *OrderBook) Depth() (bids, asks int) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	for _, e := range ob.index {
		if e.Side == ledger.Buy {
			bids++
		} else {
			asks++
		}
	}
	return bids, asks
}

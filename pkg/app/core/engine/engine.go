// Package engine turns submissions into trades. It owns the order book
// registry, serializes work per asset, and drives the settlement service
// for every reservation, fill and release.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
	"github.com/uhyunpark/tradesim/pkg/app/core/orderbook"
	"github.com/uhyunpark/tradesim/pkg/app/core/settlement"
	"github.com/uhyunpark/tradesim/pkg/metrics"
)

type Config struct {
	// BookDepth is the number of price levels per side in book-updated events
	BookDepth int
	// MarketBuyBufferBps pads the estimated cost reserved for a MARKET BUY
	MarketBuyBufferBps int64
	// MatchRetries is how many extra settlement attempts a candidate gets
	MatchRetries int
}

func DefaultConfig() Config {
	return Config{
		BookDepth:          10,
		MarketBuyBufferBps: 500,
		MatchRetries:       1,
	}
}

// Settler is the ledger side of the engine
type Settler interface {
	CreateOrder(ctx context.Context, order *ledger.Order, reserve decimal.Decimal) (*ledger.Order, error)
	ApplyTrade(ctx context.Context, f settlement.Fill) (*settlement.Settled, error)
	ReleaseReservation(ctx context.Context, orderID string, mode settlement.ReleaseMode) (*ledger.Order, error)
}

// OrderReader resolves an order id to its persisted record
type OrderReader interface {
	Order(ctx context.Context, id string) (*ledger.Order, error)
}

// SubmitRequest is an incoming order. Price is set for LIMIT only.
type SubmitRequest struct {
	UserID   string
	AssetID  string
	Side     ledger.Side
	Type     ledger.OrderType
	Quantity decimal.Decimal
	Price    decimal.NullDecimal
}

func (r SubmitRequest) validate() error {
	switch {
	case r.UserID == "":
		return ledger.Errorf(ledger.KindMissingFields, "", "userId is required")
	case r.AssetID == "":
		return ledger.Errorf(ledger.KindMissingFields, "", "assetId is required")
	case !r.Side.Valid():
		return ledger.Errorf(ledger.KindMissingFields, "", "invalid side %q", r.Side)
	case !r.Type.Valid():
		return ledger.Errorf(ledger.KindMissingFields, "", "invalid order type %q", r.Type)
	case r.Quantity.Sign() <= 0:
		return ledger.Errorf(ledger.KindMissingFields, "", "quantity must be positive")
	case r.Type == ledger.Limit && (!r.Price.Valid || r.Price.Decimal.Sign() <= 0):
		return ledger.Errorf(ledger.KindMissingFields, "", "limit order needs a positive price")
	case r.Type == ledger.Market && r.Price.Valid:
		return ledger.Errorf(ledger.KindMissingFields, "", "market order must not carry a price")
	}
	return nil
}

type Engine struct {
	cfg     Config
	books   *orderbook.Registry
	settler Settler
	orders  OrderReader
	notify  Notifier
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	seq   *Sequencer
	lanes *lanes
	newID func() string
}

// New builds an engine over a registry recovered from the ledger.
// lastSeq is the highest Seq already persisted among active orders.
func New(cfg Config, books *orderbook.Registry, settler Settler, orders OrderReader,
	notify Notifier, logger *zap.SugaredLogger, m *metrics.Metrics, lastSeq uint64) *Engine {
	if notify == nil {
		notify = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MatchRetries < 0 {
		cfg.MatchRetries = 0
	}
	return &Engine{
		cfg:     cfg,
		books:   books,
		settler: settler,
		orders:  orders,
		notify:  notify,
		log:     logger,
		metrics: m,
		seq:     NewSequencer(lastSeq),
		lanes:   newLanes(),
		newID:   uuid.NewString,
	}
}

// Books returns the registry the engine matches against
func (e *Engine) Books() *orderbook.Registry { return e.books }

// SubmitOrder reserves, matches and finalizes one order.
// Rejections happen before anything is written. A non-nil order is returned
// together with an error only when a fatal error cut matching short; trades
// committed before it stay committed.
func (e *Engine) SubmitOrder(ctx context.Context, req SubmitRequest) (*ledger.Order, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		e.reject("submit", err)
		return nil, err
	}

	release := e.lanes.lock(req.AssetID)
	defer release()

	book := e.books.Book(req.AssetID)

	reserve, err := e.reservation(book, req)
	if err != nil {
		e.reject("submit", err)
		return nil, err
	}

	order := &ledger.Order{
		ID:       e.newID(),
		UserID:   req.UserID,
		AssetID:  req.AssetID,
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   ledger.StatusOpen,
		Seq:      e.seq.Next(),
	}
	created, err := e.settler.CreateOrder(ctx, order, reserve)
	if err != nil {
		e.reject("submit", err)
		return nil, err
	}
	e.metrics.OrderAccepted(string(created.Side), string(created.Type))
	e.log.Infow("order_accepted",
		"order", created.ID, "user", created.UserID, "asset", created.AssetID,
		"side", created.Side, "type", created.Type, "qty", created.Quantity, "seq", created.Seq)

	final, err := e.match(ctx, book, created)

	e.notify.OrderConfirmed(*final)
	e.publishBook(book)
	e.metrics.ObserveMatch(time.Since(start))

	if err != nil {
		e.log.Errorw("matching_aborted", "order", final.ID, "asset", final.AssetID, "err", err)
		return final, fmt.Errorf("submit %s: %w", final.ID, err)
	}
	return final, nil
}

// reservation computes what CreateOrder must lock for the request
func (e *Engine) reservation(book *orderbook.OrderBook, req SubmitRequest) (decimal.Decimal, error) {
	if req.Side == ledger.Sell {
		return req.Quantity, nil
	}
	if req.Type == ledger.Limit {
		return req.Price.Decimal.Mul(req.Quantity), nil
	}

	cost, _, ok := book.EstimateBuyCost(req.Quantity)
	if !ok {
		return decimal.Zero, ledger.Errorf(ledger.KindNoLiquidity, "", "no resting asks for %s", req.AssetID)
	}
	buffer := decimal.NewFromInt(e.cfg.MarketBuyBufferBps).Shift(-4)
	return cost.Mul(decimal.NewFromInt(1).Add(buffer)), nil
}

// crosses reports whether the taker accepts a maker's price
func crosses(taker *ledger.Order, makerPrice decimal.Decimal) bool {
	if taker.Type == ledger.Market {
		return true
	}
	if taker.Side == ledger.Buy {
		return taker.Price.Decimal.GreaterThanOrEqual(makerPrice)
	}
	return taker.Price.Decimal.LessThanOrEqual(makerPrice)
}

// affordableQty is the largest 8-decimal quantity whose cost at price
// stays within reserved
func affordableQty(reserved, price decimal.Decimal) decimal.Decimal {
	q, _ := reserved.QuoRem(price, 8)
	return q
}

// opposite returns the makers a taker may match, best first. A taker that
// does not cross the best opposite price gets none.
func opposite(book *orderbook.OrderBook, taker *ledger.Order) []orderbook.Entry {
	best, ok := book.BestAsk()
	if taker.Side == ledger.Sell {
		best, ok = book.BestBid()
	}
	if !ok || !crosses(taker, best) {
		return nil
	}
	return book.Candidates(taker.Side.Opposite())
}

// match walks the opposite side best price first and settles each crossing
// maker, then rests, finalizes or releases the taker's remainder.
func (e *Engine) match(ctx context.Context, book *orderbook.OrderBook, taker *ledger.Order) (*ledger.Order, error) {
	var fatal error

candidates:
	for _, maker := range opposite(book, taker) {
		if taker.Remaining().Sign() <= 0 {
			break
		}
		if !crosses(taker, maker.Price) {
			break
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		if taker.Type == ledger.Market && taker.Side == ledger.Buy {
			// a market buy can only take what its remaining reservation pays for
			qty = decimal.Min(qty, affordableQty(taker.Reserved, maker.Price))
			if qty.Sign() <= 0 {
				break
			}
		}

		fill := settlement.Fill{Quantity: qty, Price: maker.Price, TakerSide: taker.Side}
		if taker.Side == ledger.Buy {
			fill.BuyOrderID, fill.SellOrderID = taker.ID, maker.ID
		} else {
			fill.BuyOrderID, fill.SellOrderID = maker.ID, taker.ID
		}

		settled, err := e.applyTrade(ctx, fill)
		if err != nil {
			if ledger.IsFatal(err) {
				fatal = err
				break
			}

			var lerr *ledger.Error
			errors.As(err, &lerr)
			switch {
			case lerr.Kind == ledger.KindOrderInactive && lerr.OrderID == maker.ID:
				// the ledger already finished this maker; the book entry is stale
				book.Remove(maker.ID)
				e.log.Warnw("dropped_inactive_maker", "asset", book.AssetID(), "maker", maker.ID, "err", err)
			case lerr.OrderID == taker.ID:
				e.log.Warnw("taker_cannot_continue", "order", taker.ID, "err", err)
				break candidates
			default:
				e.log.Warnw("skipped_candidate", "order", taker.ID, "maker", maker.ID, "err", err)
			}
			continue
		}

		makerOrder := settled.Sell
		if taker.Side == ledger.Buy {
			taker = settled.Buy
		} else {
			taker, makerOrder = settled.Sell, settled.Buy
		}

		if makerOrder.Status == ledger.StatusFilled {
			book.Remove(makerOrder.ID)
		} else if err := book.SetFilled(makerOrder.ID, makerOrder.FilledQuantity); err != nil {
			e.log.Errorw("book_out_of_step_with_ledger", "maker", makerOrder.ID, "err", err)
		}

		e.notify.OrderUpdated(*makerOrder)
		e.metrics.TradeSettled(settled.Trade.AssetID, settled.Trade.Quantity.InexactFloat64())
		e.log.Infow("trade",
			"trade", settled.Trade.ID, "asset", settled.Trade.AssetID, "taker", taker.ID, "maker", makerOrder.ID,
			"qty", settled.Trade.Quantity, "price", settled.Trade.Price)
	}

	switch {
	case fatal != nil:
		// keep the book in line with what the ledger holds for this order
		if taker.Type == ledger.Limit && taker.IsActive() {
			e.rest(book, taker)
		}
		return taker, fatal

	case taker.Status == ledger.StatusFilled:
		// nothing rests

	case taker.Type == ledger.Limit:
		e.rest(book, taker)

	default:
		released, err := e.settler.ReleaseReservation(ctx, taker.ID, settlement.ReleaseRemainder)
		if err != nil {
			return taker, err
		}
		taker = released
		e.log.Infow("market_remainder_released", "order", taker.ID, "filled", taker.FilledQuantity, "qty", taker.Quantity)
	}
	return taker, nil
}

// applyTrade settles one fill with the configured number of extra attempts
func (e *Engine) applyTrade(ctx context.Context, f settlement.Fill) (*settlement.Settled, error) {
	var err error
	for attempt := 0; attempt <= e.cfg.MatchRetries; attempt++ {
		var settled *settlement.Settled
		settled, err = e.settler.ApplyTrade(ctx, f)
		if err == nil {
			return settled, nil
		}
		if !ledger.KindOf(err).Retryable() {
			return nil, err
		}
		e.log.Warnw("settlement_failed_retrying", "buy", f.BuyOrderID, "sell", f.SellOrderID, "attempt", attempt+1, "err", err)
	}
	return nil, err
}

func (e *Engine) rest(book *orderbook.OrderBook, o *ledger.Order) {
	if err := book.Insert(orderbook.EntryFromOrder(o)); err != nil {
		e.log.Errorw("failed_to_rest_order", "order", o.ID, "err", err)
	}
}

// CancelOrder releases an active order's reservation and takes it off the book
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*ledger.Order, error) {
	if orderID == "" {
		err := ledger.Errorf(ledger.KindMissingFields, "", "orderId is required")
		e.reject("cancel", err)
		return nil, err
	}

	o, err := e.orders.Order(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", orderID, err)
	}

	release := e.lanes.lock(o.AssetID)
	defer release()

	book := e.books.Book(o.AssetID)
	cancelled, err := e.settler.ReleaseReservation(ctx, orderID, settlement.ReleaseCancel)
	if err != nil {
		if errors.Is(err, ledger.ErrOrderInactive) {
			book.Remove(orderID)
		}
		e.reject("cancel", err)
		return nil, err
	}

	book.Remove(orderID)
	e.log.Infow("order_cancelled", "order", cancelled.ID, "asset", cancelled.AssetID, "filled", cancelled.FilledQuantity)

	e.notify.OrderUpdated(*cancelled)
	e.publishBook(book)
	return cancelled, nil
}

// BookSnapshot returns the top depth levels of an asset's book.
// An asset with no book yields an empty snapshot.
func (e *Engine) BookSnapshot(assetID string, depth int) orderbook.Snapshot {
	book, ok := e.books.Lookup(assetID)
	if !ok {
		return orderbook.Snapshot{AssetID: assetID, Bids: []orderbook.PriceLevel{}, Asks: []orderbook.PriceLevel{}}
	}
	return book.Snapshot(depth)
}

func (e *Engine) publishBook(book *orderbook.OrderBook) {
	e.notify.BookUpdated(book.Snapshot(e.cfg.BookDepth))
	bids, asks := book.Depth()
	e.metrics.SetResting(book.AssetID(), bids, asks)
}

func (e *Engine) reject(op string, err error) {
	kind := ledger.KindOf(err)
	e.metrics.Rejected(kind.String())
	e.log.Infow("rejected", "op", op, "kind", kind.String(), "err", err)
}

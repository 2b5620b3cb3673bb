// Package settlement is the only writer of wallets, portfolios and the
// fill/status fields of orders. Every operation runs as one atomic ledger
// unit and is retried a bounded number of times on TRANSACTION_CONFLICT.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
	"github.com/uhyunpark/tradesim/pkg/util"
)

type Config struct {
	MaxAttempts int           // total attempts per operation, >= 1
	Backoff     time.Duration // base wait between attempts, grows linearly
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Backoff: 5 * time.Millisecond}
}

// ReleaseMode selects what happens to an order when its reservation is returned
type ReleaseMode int

const (
	// ReleaseCancel marks the order CANCELLED
	ReleaseCancel ReleaseMode = iota
	// ReleaseRemainder keeps the status; used for the unmatched part of a MARKET order
	ReleaseRemainder
)

func (m ReleaseMode) String() string {
	if m == ReleaseRemainder {
		return "remainder"
	}
	return "cancel"
}

// Fill is one match to settle. Price is the maker's price.
type Fill struct {
	BuyOrderID  string
	SellOrderID string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	TakerSide   ledger.Side
}

// Settled carries the committed state of both orders after a fill
type Settled struct {
	Buy   *ledger.Order
	Sell  *ledger.Order
	Trade *ledger.Trade

	// Released is the buyer currency returned to available by price improvement
	// or by the buy order completing
	Released decimal.Decimal
}

type Option func(*Service)

// WithClock overrides the clock used for timestamps and backoff
func WithClock(c util.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator overrides trade id generation
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// WithConflictHook registers a callback run on every conflicted attempt
func WithConflictHook(f func(op string)) Option {
	return func(s *Service) { s.onConflict = f }
}

type Service struct {
	store ledger.Store
	log   *zap.SugaredLogger
	clock util.Clock
	newID func() string

	onConflict  func(op string)
	maxAttempts int
	backoff     time.Duration
}

func New(store ledger.Store, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Service{
		store:       store,
		log:         logger,
		clock:       util.RealClock{},
		newID:       uuid.NewString,
		onConflict:  func(string) {},
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run executes fn as one unit, retrying conflicts. fn must rebuild all of its
// output on every call since a failed attempt leaves nothing behind.
func (s *Service) run(ctx context.Context, op string, fn func(tx ledger.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.store.Update(ctx, fn)
		if err == nil {
			return nil
		}
		if !ledger.KindOf(err).Retryable() {
			return err
		}

		s.onConflict(op)
		s.log.Warnw("settlement_conflict", "op", op, "attempt", attempt, "max", s.maxAttempts, "err", err)
		if attempt == s.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.backoff * time.Duration(attempt)):
		}
	}
	return err
}

// CreateOrder reserves funds (BUY: reserve currency, SELL: the order quantity)
// and stores the order as OPEN, both in the same unit.
func (s *Service) CreateOrder(ctx context.Context, order *ledger.Order, reserve decimal.Decimal) (*ledger.Order, error) {
	if err := order.Validate(); err != nil {
		return nil, &ledger.Error{Kind: ledger.KindMissingFields, OrderID: order.ID, Err: err}
	}
	if order.Side == ledger.Sell {
		reserve = order.Quantity
	}
	if reserve.Sign() < 0 {
		return nil, ledger.Errorf(ledger.KindMissingFields, order.ID, "negative reservation %s", reserve)
	}

	var created *ledger.Order
	err := s.run(ctx, "create", func(tx ledger.Tx) error {
		now := s.clock.Now()

		switch order.Side {
		case ledger.Buy:
			w, err := tx.Wallet(order.UserID)
			if errors.Is(err, ledger.ErrNotFound) {
				return ledger.Errorf(ledger.KindInsufficientFunds, order.ID, "user %s has no wallet", order.UserID)
			}
			if err != nil {
				return err
			}
			if w.AvailableBalance.LessThan(reserve) {
				return ledger.Errorf(ledger.KindInsufficientFunds, order.ID,
					"available %s < required %s", w.AvailableBalance, reserve)
			}
			w.AvailableBalance = w.AvailableBalance.Sub(reserve)
			w.LockedBalance = w.LockedBalance.Add(reserve)
			w.UpdatedAt = now
			if err := tx.PutWallet(w); err != nil {
				return err
			}

		case ledger.Sell:
			p, err := tx.Portfolio(order.UserID, order.AssetID)
			if errors.Is(err, ledger.ErrNotFound) {
				return ledger.Errorf(ledger.KindInsufficientAsset, order.ID,
					"user %s holds no %s", order.UserID, order.AssetID)
			}
			if err != nil {
				return err
			}
			if p.AvailableQuantity.LessThan(reserve) {
				return ledger.Errorf(ledger.KindInsufficientAsset, order.ID,
					"available %s < required %s", p.AvailableQuantity, reserve)
			}
			p.AvailableQuantity = p.AvailableQuantity.Sub(reserve)
			p.LockedQuantity = p.LockedQuantity.Add(reserve)
			p.UpdatedAt = now
			if err := tx.PutPortfolio(p); err != nil {
				return err
			}
		}

		o := *order
		o.FilledQuantity = decimal.Zero
		o.Status = ledger.StatusOpen
		o.Reserved = reserve
		o.CreatedAt = now
		o.UpdatedAt = now
		o.Version = 0
		if err := tx.PutOrder(&o); err != nil {
			return err
		}
		created = &o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debugw("order_created",
		"order", created.ID, "user", created.UserID, "asset", created.AssetID,
		"side", created.Side, "type", created.Type, "qty", created.Quantity, "reserved", created.Reserved)
	return created, nil
}

// ApplyTrade settles one fill between a buy and a sell order
func (s *Service) ApplyTrade(ctx context.Context, f Fill) (*Settled, error) {
	if f.Quantity.Sign() <= 0 || f.Price.Sign() <= 0 {
		return nil, fmt.Errorf("settle %s/%s: non-positive fill %s @ %s", f.BuyOrderID, f.SellOrderID, f.Quantity, f.Price)
	}

	var out *Settled
	err := s.run(ctx, "trade", func(tx ledger.Tx) error {
		now := s.clock.Now()

		buy, err := tx.Order(f.BuyOrderID)
		if err != nil {
			return fmt.Errorf("load buy order %s: %w", f.BuyOrderID, err)
		}
		sell, err := tx.Order(f.SellOrderID)
		if err != nil {
			return fmt.Errorf("load sell order %s: %w", f.SellOrderID, err)
		}
		if buy.Side != ledger.Buy || sell.Side != ledger.Sell || buy.AssetID != sell.AssetID {
			return fmt.Errorf("settle %s/%s: orders do not cross", buy.ID, sell.ID)
		}
		if err := checkFillable(buy, f.Quantity); err != nil {
			return err
		}
		if err := checkFillable(sell, f.Quantity); err != nil {
			return err
		}

		value := f.Quantity.Mul(f.Price)
		if buy.Reserved.LessThan(value) {
			return ledger.Errorf(ledger.KindInsufficientFunds, buy.ID,
				"reservation %s cannot pay %s", buy.Reserved, value)
		}

		// Price improvement on a limit buy frees the difference to its limit
		released := decimal.Zero
		if buy.Type == ledger.Limit && buy.Price.Valid {
			released = decimal.Max(decimal.Zero, buy.Price.Decimal.Sub(f.Price).Mul(f.Quantity))
		}
		released = decimal.Min(released, buy.Reserved.Sub(value))
		buy.Reserved = buy.Reserved.Sub(value).Sub(released)
		buy.Fill(f.Quantity)
		if buy.Status == ledger.StatusFilled {
			released = released.Add(buy.Reserved)
			buy.Reserved = decimal.Zero
		}
		buy.UpdatedAt = now

		sell.Reserved = sell.Reserved.Sub(f.Quantity)
		sell.Fill(f.Quantity)
		sellLeftover := decimal.Zero
		if sell.Status == ledger.StatusFilled {
			sellLeftover = sell.Reserved
			sell.Reserved = decimal.Zero
		}
		sell.UpdatedAt = now

		// Buyer pays from locked; the same user may be the seller, so every
		// record is re-read right before it is modified.
		if err := updateWallet(tx, buy.UserID, false, func(w *ledger.Wallet) {
			w.LockedBalance = w.LockedBalance.Sub(value).Sub(released)
			w.AvailableBalance = w.AvailableBalance.Add(released)
			w.UpdatedAt = now
		}); err != nil {
			return err
		}
		if err := updatePortfolio(tx, buy.UserID, buy.AssetID, true, func(p *ledger.Portfolio) {
			held := p.Total()
			if total := held.Add(f.Quantity); total.Sign() > 0 {
				p.AvgBuyPrice = p.AvgBuyPrice.Mul(held).Add(value).Div(total)
			}
			p.AvailableQuantity = p.AvailableQuantity.Add(f.Quantity)
			p.UpdatedAt = now
		}); err != nil {
			return err
		}
		if err := updatePortfolio(tx, sell.UserID, sell.AssetID, false, func(p *ledger.Portfolio) {
			p.LockedQuantity = p.LockedQuantity.Sub(f.Quantity).Sub(sellLeftover)
			p.AvailableQuantity = p.AvailableQuantity.Add(sellLeftover)
			p.UpdatedAt = now
		}); err != nil {
			return err
		}
		if err := updateWallet(tx, sell.UserID, true, func(w *ledger.Wallet) {
			w.AvailableBalance = w.AvailableBalance.Add(value)
			w.UpdatedAt = now
		}); err != nil {
			return err
		}

		if err := tx.PutOrder(buy); err != nil {
			return err
		}
		if err := tx.PutOrder(sell); err != nil {
			return err
		}

		trade := &ledger.Trade{
			ID:          s.newID(),
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			BuyerID:     buy.UserID,
			SellerID:    sell.UserID,
			AssetID:     buy.AssetID,
			Price:       f.Price,
			Quantity:    f.Quantity,
			TakerSide:   f.TakerSide,
			ExecutedAt:  now,
		}
		if err := tx.InsertTrade(trade); err != nil {
			return err
		}

		out = &Settled{Buy: buy, Sell: sell, Trade: trade, Released: released}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debugw("trade_settled",
		"trade", out.Trade.ID, "asset", out.Trade.AssetID, "buy", out.Buy.ID, "sell", out.Sell.ID,
		"qty", out.Trade.Quantity, "price", out.Trade.Price, "released", out.Released)
	return out, nil
}

// ReleaseReservation returns what an order still holds to available.
// Terminal orders are rejected with ORDER_INACTIVE in both modes.
func (s *Service) ReleaseReservation(ctx context.Context, orderID string, mode ReleaseMode) (*ledger.Order, error) {
	var out *ledger.Order
	err := s.run(ctx, "release-"+mode.String(), func(tx ledger.Tx) error {
		now := s.clock.Now()

		o, err := tx.Order(orderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		if !o.IsActive() {
			return ledger.Errorf(ledger.KindOrderInactive, o.ID, "order is %s", o.Status)
		}

		amount := o.Reserved
		if amount.Sign() > 0 {
			switch o.Side {
			case ledger.Buy:
				err = updateWallet(tx, o.UserID, false, func(w *ledger.Wallet) {
					w.LockedBalance = w.LockedBalance.Sub(amount)
					w.AvailableBalance = w.AvailableBalance.Add(amount)
					w.UpdatedAt = now
				})
			case ledger.Sell:
				err = updatePortfolio(tx, o.UserID, o.AssetID, false, func(p *ledger.Portfolio) {
					p.LockedQuantity = p.LockedQuantity.Sub(amount)
					p.AvailableQuantity = p.AvailableQuantity.Add(amount)
					p.UpdatedAt = now
				})
			}
			if err != nil {
				return err
			}
		}

		o.Reserved = decimal.Zero
		if mode == ReleaseCancel {
			o.Status = ledger.StatusCancelled
		}
		o.UpdatedAt = now
		if err := tx.PutOrder(o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debugw("reservation_released", "order", out.ID, "mode", mode.String(), "status", out.Status)
	return out, nil
}

func checkFillable(o *ledger.Order, qty decimal.Decimal) error {
	if !o.IsActive() {
		return ledger.Errorf(ledger.KindOrderInactive, o.ID, "order is %s", o.Status)
	}
	if qty.GreaterThan(o.Remaining()) {
		return ledger.Errorf(ledger.KindOrderInactive, o.ID, "fill %s exceeds remaining %s", qty, o.Remaining())
	}
	return nil
}

// updateWallet applies fn to the user's wallet, creating it when create is set
func updateWallet(tx ledger.Tx, userID string, create bool, fn func(w *ledger.Wallet)) error {
	w, err := tx.Wallet(userID)
	if errors.Is(err, ledger.ErrNotFound) && create {
		w, err = ledger.NewWallet(userID), nil
	}
	if err != nil {
		return fmt.Errorf("load wallet %s: %w", userID, err)
	}
	fn(w)
	if err := w.Validate(); err != nil {
		return err
	}
	return tx.PutWallet(w)
}

// updatePortfolio applies fn to the user's holding, creating it when create is set
func updatePortfolio(tx ledger.Tx, userID, assetID string, create bool, fn func(p *ledger.Portfolio)) error {
	p, err := tx.Portfolio(userID, assetID)
	if errors.Is(err, ledger.ErrNotFound) && create {
		p, err = ledger.NewPortfolio(userID, assetID), nil
	}
	if err != nil {
		return fmt.Errorf("load portfolio %s/%s: %w", userID, assetID, err)
	}
	fn(p)
	if err := p.Validate(); err != nil {
		return err
	}
	return tx.PutPortfolio(p)
}

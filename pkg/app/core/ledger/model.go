package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the side a taker of this side matches against
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType selects the price constraint of an order
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool { return t == Market || t == Limit }

// OrderStatus represents the lifecycle state of an order
//
//	OPEN ──fill──> PARTIAL ──fill──> FILLED
//	  │               │
//	  └────cancel─────┴──────> CANCELLED
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// IsTerminal returns true once no field of the order may change
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Currency of a wallet balance
type Currency string

const (
	VirtualINR Currency = "VIRTUAL_INR"
	USD        Currency = "USD"
)

// DefaultCurrency is assigned to wallets created by settlement
const DefaultCurrency = VirtualINR

// Order is a request to trade a quantity of one asset at a price constraint.
// Retained forever as history; mutated only through settlement.
type Order struct {
	ID      string    `json:"id"`
	UserID  string    `json:"userId"`
	AssetID string    `json:"assetId"`
	Side    Side      `json:"side"`
	Type    OrderType `json:"orderType"`

	// Price is present for LIMIT orders and null for MARKET orders
	Price          decimal.NullDecimal `json:"price"`
	Quantity       decimal.Decimal     `json:"quantity"`
	FilledQuantity decimal.Decimal     `json:"filledQuantity"`
	Status         OrderStatus         `json:"status"`

	// Reserved is what this order still holds locked: currency for BUY,
	// asset quantity for SELL. Zero once the order is terminal.
	Reserved decimal.Decimal `json:"reserved"`

	// Seq orders submissions; it is the time-priority tie-break
	Seq uint64 `json:"seq"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   uint64    `json:"version"`
}

// Remaining returns unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsActive returns true while the order can still trade
func (o *Order) IsActive() bool {
	return !o.Status.IsTerminal()
}

// Fill records a matched quantity and recomputes the status.
// Callers are expected to have checked qty against Remaining.
func (o *Order) Fill(qty decimal.Decimal) {
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.FilledQuantity.Equal(o.Quantity) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
}

// Validate checks order invariants
func (o *Order) Validate() error {
	if o.Quantity.Sign() <= 0 {
		return fmt.Errorf("order %s: non-positive quantity %s", o.ID, o.Quantity)
	}
	if o.FilledQuantity.Sign() < 0 || o.FilledQuantity.GreaterThan(o.Quantity) {
		return fmt.Errorf("order %s: filled %s outside [0, %s]", o.ID, o.FilledQuantity, o.Quantity)
	}
	if o.Reserved.Sign() < 0 {
		return fmt.Errorf("order %s: negative reservation %s", o.ID, o.Reserved)
	}
	if (o.Status == StatusFilled) != o.FilledQuantity.Equal(o.Quantity) {
		return fmt.Errorf("order %s: status %s with filled %s of %s", o.ID, o.Status, o.FilledQuantity, o.Quantity)
	}
	if o.Type == Limit && (!o.Price.Valid || o.Price.Decimal.Sign() <= 0) {
		return fmt.Errorf("order %s: limit order without positive price", o.ID)
	}
	return nil
}

// Wallet holds one user's available and reserved currency
type Wallet struct {
	UserID           string          `json:"userId"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	LockedBalance    decimal.Decimal `json:"lockedBalance"`
	Currency         Currency        `json:"currency"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	Version          uint64          `json:"version"`
}

// NewWallet creates an empty wallet in the default currency
func NewWallet(userID string) *Wallet {
	return &Wallet{UserID: userID, Currency: DefaultCurrency}
}

// Validate checks wallet invariants
func (w *Wallet) Validate() error {
	if w.AvailableBalance.Sign() < 0 {
		return fmt.Errorf("wallet %s: negative available balance %s", w.UserID, w.AvailableBalance)
	}
	if w.LockedBalance.Sign() < 0 {
		return fmt.Errorf("wallet %s: negative locked balance %s", w.UserID, w.LockedBalance)
	}
	return nil
}

// Portfolio holds one user's available and reserved quantity of an asset
type Portfolio struct {
	UserID            string          `json:"userId"`
	AssetID           string          `json:"assetId"`
	AvailableQuantity decimal.Decimal `json:"availableQuantity"`
	LockedQuantity    decimal.Decimal `json:"lockedQuantity"`

	// Volume-weighted average price of buy fills
	AvgBuyPrice decimal.Decimal `json:"avgBuyPrice"`

	UpdatedAt time.Time `json:"updatedAt"`
	Version   uint64    `json:"version"`
}

// NewPortfolio creates an empty holding
func NewPortfolio(userID, assetID string) *Portfolio {
	return &Portfolio{UserID: userID, AssetID: assetID}
}

// Total returns available plus locked quantity
func (p *Portfolio) Total() decimal.Decimal {
	return p.AvailableQuantity.Add(p.LockedQuantity)
}

// Validate checks portfolio invariants
func (p *Portfolio) Validate() error {
	if p.AvailableQuantity.Sign() < 0 {
		return fmt.Errorf("portfolio %s/%s: negative available quantity %s", p.UserID, p.AssetID, p.AvailableQuantity)
	}
	if p.LockedQuantity.Sign() < 0 {
		return fmt.Errorf("portfolio %s/%s: negative locked quantity %s", p.UserID, p.AssetID, p.LockedQuantity)
	}
	return nil
}

// Trade is an immutable execution record, created once per match
type Trade struct {
	ID          string          `json:"id"`
	BuyOrderID  string          `json:"buyOrderId"`
	SellOrderID string          `json:"sellOrderId"`
	BuyerID     string          `json:"buyerId"`
	SellerID    string          `json:"sellerId"`
	AssetID     string          `json:"assetId"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	TakerSide   Side            `json:"takerSide"`
	ExecutedAt  time.Time       `json:"executedAt"`
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the counter side used when querying the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus tracks the fill lifecycle of an order.
type OrderStatus string

const (
	OrderStatusActive          OrderStatus = "active"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Order is a standing intent to buy or sell a quantity of an asset at a price.
type Order struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Side           Side            `json:"side"`
	Asset          string          `json:"asset"`
	FiatCurrency   string          `json:"fiat_currency"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	PaymentMethods []string        `json:"payment_methods"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Remaining returns the unfilled quantity of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// StatusForFill derives the order status from a fill level.
// Status is a pure function of the fill ratio; cancellation overrides it.
func StatusForFill(quantity, filled decimal.Decimal) OrderStatus {
	switch {
	case filled.GreaterThanOrEqual(quantity):
		return OrderStatusFilled
	case filled.IsPositive():
		return OrderStatusPartiallyFilled
	default:
		return OrderStatusActive
	}
}

// TradeStatus tracks the settlement outcome of a trade.
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "open"
	TradeStatusSettled   TradeStatus = "settled"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// Trade is a matched pair of orders. Quantity and price are locked at match
// time and never change afterwards.
type Trade struct {
	ID           string          `json:"id"`
	BuyOrderID   string          `json:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id"`
	BuyerID      string          `json:"buyer_id"`
	SellerID     string          `json:"seller_id"`
	Asset        string          `json:"asset"`
	FiatCurrency string          `json:"fiat_currency"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	Status       TradeStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EscrowState is a node in the escrow state machine.
type EscrowState string

const (
	EscrowStateCreated         EscrowState = "created"
	EscrowStateAwaitingPayment EscrowState = "awaiting_payment"
	EscrowStateAwaitingRelease EscrowState = "awaiting_release"
	EscrowStateDisputed        EscrowState = "disputed"
	EscrowStateCompleted       EscrowState = "completed"
	EscrowStateExpired         EscrowState = "expired"
	EscrowStateRefunded        EscrowState = "refunded"
)

// Terminal reports whether the state has no outgoing transition.
func (s EscrowState) Terminal() bool {
	switch s {
	case EscrowStateCompleted, EscrowStateExpired, EscrowStateRefunded:
		return true
	}
	return false
}

// Expiry reasons recorded on escrows that reach the expired state.
const (
	ExpiryReasonLockFailed     = "lock_failed"
	ExpiryReasonPaymentTimeout = "payment_timeout"
	ExpiryReasonCancelled      = "cancelled"
)

// Escrow is the authoritative mutable record of a trade's settlement.
// Every state change is a compare-and-swap keyed by ID and expected state.
type Escrow struct {
	ID                 string          `json:"id"`
	TradeID            string          `json:"trade_id"`
	BuyerID            string          `json:"buyer_id"`
	SellerID           string          `json:"seller_id"`
	Asset              string          `json:"asset"`
	FiatCurrency       string          `json:"fiat_currency"`
	State              EscrowState     `json:"state"`
	LockedQuantity     decimal.Decimal `json:"locked_quantity"`
	FiatAmount         decimal.Decimal `json:"fiat_amount"`
	LockToken          string          `json:"lock_token,omitempty"`
	PaymentDeadline    *time.Time      `json:"payment_deadline,omitempty"`
	PaymentConfirmedAt *time.Time      `json:"payment_confirmed_at,omitempty"`
	ReleaseConfirmedAt *time.Time      `json:"release_confirmed_at,omitempty"`
	DisputeOpenedAt    *time.Time      `json:"dispute_opened_at,omitempty"`
	CancelRequestedBy  string          `json:"cancel_requested_by,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	FeeAmount          decimal.Decimal `json:"fee_amount"`
	NetAmount          decimal.Decimal `json:"net_amount"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Resolution is an arbiter's verdict on a disputed escrow.
type Resolution string

const (
	ResolutionBuyerFavor  Resolution = "buyer_favor"
	ResolutionSellerFavor Resolution = "seller_favor"
	ResolutionSplit       Resolution = "split"
)

// Valid reports whether the resolution is one of the known verdicts.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionBuyerFavor, ResolutionSellerFavor, ResolutionSplit:
		return true
	}
	return false
}

// OpenedBySystem marks disputes raised by the expiry supervisor rather than
// a counterparty.
const OpenedBySystem = "system"

// Dispute freezes an escrow until an arbiter resolves it.
type Dispute struct {
	ID         string     `json:"id"`
	EscrowID   string     `json:"escrow_id"`
	OpenedBy   string     `json:"opened_by"`
	Reason     string     `json:"reason"`
	Evidence   []string   `json:"evidence,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`
	ArbiterID  string     `json:"arbiter_id,omitempty"`
	SplitRatio string     `json:"split_ratio,omitempty"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the dispute already carries a verdict.
func (d *Dispute) Resolved() bool {
	return d.ResolvedAt != nil
}
